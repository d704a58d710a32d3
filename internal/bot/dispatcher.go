// Package bot turns chat commands into ledger calls and formats the replies.
// Dispatcher is transport independent; Session binds it to Discord.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/narivals/rivals-ledger/internal/award"
	"github.com/narivals/rivals-ledger/internal/challonge"
	"github.com/narivals/rivals-ledger/internal/ledger"
	"github.com/narivals/rivals-ledger/internal/metrics"
	"github.com/narivals/rivals-ledger/internal/model"
	"github.com/narivals/rivals-ledger/internal/schedule"
)

const (
	msgMarketClosed  = "The market is currently closed at the moment, most likely due to a tournament going on. Try again later!"
	msgBadCommodity  = "Error: stock needs to be either fire, water, air, or earth"
	msgBadNumber     = "Error: please input a valid number at the end."
	msgNoMentions    = "Error: No users were mentioned."
	msgUnavailable   = "Error: the bank is unavailable right now. Try again later!"
	msgMarketOpened  = "The market is now open, and the value of stocks has been updated."
	msgMarketClosing = "The market is now closed, and will open once the tournament ends."
)

// Ledger is the ledger surface the dispatcher drives.
type Ledger interface {
	GetOrCreateWallet(ctx context.Context, userID, alias string) (*model.Wallet, error)
	GetHoldings(ctx context.Context, userID string) (model.Holdings, error)
	GetMarket(ctx context.Context) (model.Market, error)
	IsMarketOpen() bool
	Purchase(ctx context.Context, userID string, symbol model.Symbol, quantity int64) (*ledger.TradeResult, error)
	Sell(ctx context.Context, userID string, symbol model.Symbol, quantity int64) (*ledger.TradeResult, error)
	GrantBonus(ctx context.Context, userID string, amount int64) (int64, error)
	ToggleMarket(ctx context.Context) bool
	AdjustCommodityValue(ctx context.Context, symbol model.Symbol, delta int64) (int64, error)
	LinkExternalAccount(ctx context.Context, userID, externalID string) error
}

// Awarder pays tournament rewards.
type Awarder interface {
	Award(ctx context.Context, tournament string) (*award.Report, error)
}

// User is a chat account.
type User struct {
	ID   string
	Name string
}

// Mention renders the chat mention of u.
func (u User) Mention() string {
	return "<@" + u.ID + ">"
}

// Message is an incoming chat message.
type Message struct {
	ID          string
	ChannelID   string
	ChannelName string
	Author      User
	Content     string
	Mentions    []User
}

// Reply is what the transport should do in response to a command.
type Reply struct {
	Content       string // posted to the originating channel
	Announcement  string // posted to the tournament links channel
	DeleteCommand bool
}

// Config controls who may use the bot and where.
type Config struct {
	Channels     []string `mapstructure:"channels"`
	LinksChannel string   `mapstructure:"links_channel"`
	Admins       []string `mapstructure:"admins"`
	BracketBase  string   `mapstructure:"bracket_base"`
	Version      string   `mapstructure:"-"`
}

type handlerFunc func(ctx context.Context, m Message, c Command) (Reply, error)

type route struct {
	admin   bool
	mention bool // prefix replies with the author's mention
	fn      handlerFunc
}

// Dispatcher routes commands to handlers.
type Dispatcher struct {
	ledger   Ledger
	awarder  Awarder
	cfg      Config
	admins   map[string]bool
	channels map[string]bool
	routes   map[string]route
}

// NewDispatcher builds a dispatcher. awarder may be nil when no bracket
// service is configured.
func NewDispatcher(l Ledger, awarder Awarder, cfg Config) *Dispatcher {
	d := &Dispatcher{
		ledger:   l,
		awarder:  awarder,
		cfg:      cfg,
		admins:   make(map[string]bool, len(cfg.Admins)),
		channels: make(map[string]bool, len(cfg.Channels)),
		routes:   make(map[string]route),
	}
	for _, id := range cfg.Admins {
		d.admins[id] = true
	}
	for _, name := range cfg.Channels {
		d.channels[strings.ToLower(name)] = true
	}

	d.handle(false, true, d.token, "token", "tokens")
	d.handle(false, false, d.market, "stock", "stocks", "market")
	d.handle(false, true, d.shares, "share", "shares")
	d.handle(false, true, d.buy, "buy", "purchase", "invest")
	d.handle(false, true, d.sell, "sell")
	d.handle(false, false, d.version, "version")
	d.handle(true, false, d.bonus, "bonus")
	d.handle(true, false, d.toggleMarket, "toggle-market")
	d.handle(true, false, d.adjust, "adjust")
	d.handle(true, false, d.tournamentLinks, "tournament-links")
	d.handle(true, false, d.awardTokens, "award-token", "award-tokens")
	d.handle(true, false, d.linkChallonge, "link-challonge")
	return d
}

func (d *Dispatcher) handle(admin, mention bool, fn handlerFunc, names ...string) {
	for _, n := range names {
		d.routes[n] = route{admin: admin, mention: mention, fn: fn}
	}
}

// IsAdmin reports whether userID may run admin commands.
func (d *Dispatcher) IsAdmin(userID string) bool {
	return d.admins[userID]
}

// Handle runs the command in m. ok is false when the message is not a
// command for this bot, was sent elsewhere, or the author lacks rights.
func (d *Dispatcher) Handle(ctx context.Context, m Message) (reply Reply, ok bool) {
	if len(d.channels) > 0 && !d.channels[strings.ToLower(m.ChannelName)] {
		return Reply{}, false
	}
	cmd, ok := Parse(m.Content)
	if !ok {
		return Reply{}, false
	}
	r, ok := d.routes[cmd.Name]
	if !ok {
		return Reply{}, false
	}
	if r.admin && !d.IsAdmin(m.Author.ID) {
		metrics.BotCommandsTotal.WithLabelValues(cmd.Name, "denied").Inc()
		return Reply{}, false
	}

	reply, err := r.fn(ctx, m, cmd)
	result := "ok"
	if err != nil {
		result = "error"
		reply.Content = errorText(err)
		if errors.Is(err, ledger.ErrStoreUnavailable) {
			slog.Error("command failed", "command", cmd.Name, "user", m.Author.ID, "err", err)
		} else {
			slog.Debug("command rejected", "command", cmd.Name, "user", m.Author.ID, "err", err)
		}
	}
	if r.mention && reply.Content != "" {
		reply.Content = m.Author.Mention() + " " + reply.Content
	}
	metrics.BotCommandsTotal.WithLabelValues(cmd.Name, result).Inc()
	return reply, true
}

// userError is shown to the user verbatim.
type userError string

func (e userError) Error() string { return string(e) }

func errorText(err error) string {
	var ue userError
	var short *ledger.ShortfallError
	switch {
	case errors.As(err, &ue):
		return string(ue)
	case errors.Is(err, ledger.ErrMarketClosed):
		return msgMarketClosed
	case errors.Is(err, ledger.ErrUnknownCommodity):
		return msgBadCommodity
	case errors.Is(err, ledger.ErrInvalidQuantity):
		return msgBadNumber
	case errors.As(err, &short) && errors.Is(err, ledger.ErrInsufficientFunds):
		return fmt.Sprintf("Error: this transaction costs %d, but you only have %d tokens.", short.Need, short.Have)
	case errors.As(err, &short) && errors.Is(err, ledger.ErrInsufficientShares):
		return fmt.Sprintf("Error: you only have %d shares.", short.Have)
	case errors.Is(err, ledger.ErrInvalidDelta):
		return "Error: the value of a stock can't drop below 1."
	case errors.Is(err, ledger.ErrInvalidInput):
		return "Error: that amount is too large for a wallet."
	case errors.Is(err, ledger.ErrDuplicateExternalID):
		return "Error: that Challonge account is already linked to another user."
	case errors.Is(err, challonge.ErrNotFound):
		return "Error: that tournament could not be found on Challonge."
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return msgUnavailable
	default:
		return "Error: something went wrong, please try again."
	}
}

// --- Everyone ---

func (d *Dispatcher) token(ctx context.Context, m Message, _ Command) (Reply, error) {
	w, err := d.ledger.GetOrCreateWallet(ctx, m.Author.ID, m.Author.Name)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Content: fmt.Sprintf("You currently have %d Rivals Tokens.", w.Tokens)}, nil
}

func (d *Dispatcher) market(ctx context.Context, _ Message, _ Command) (Reply, error) {
	mkt, err := d.ledger.GetMarket(ctx)
	if err != nil {
		return Reply{}, err
	}

	var b strings.Builder
	for _, sym := range model.Symbols {
		c := mkt.Commodities[sym]
		fmt.Fprintf(&b, "**%s** is valued at **%d** with a total of **%d** outstanding shares.\n",
			sym.Title(), c.UnitValue, c.OutstandingShares)
	}
	fmt.Fprintf(&b, "\n**Overall**, there is currently a total of **%d** outstanding shares.", mkt.TotalOutstanding())
	if !mkt.Open {
		b.WriteString("\nThe market is currently closed.")
	}
	return Reply{Content: b.String()}, nil
}

func (d *Dispatcher) shares(ctx context.Context, m Message, _ Command) (Reply, error) {
	if _, err := d.ledger.GetOrCreateWallet(ctx, m.Author.ID, m.Author.Name); err != nil {
		return Reply{}, err
	}
	h, err := d.ledger.GetHoldings(ctx, m.Author.ID)
	if err != nil {
		return Reply{}, err
	}
	mkt, err := d.ledger.GetMarket(ctx)
	if err != nil {
		return Reply{}, err
	}

	lines := make([]string, 0, len(model.Symbols))
	for _, sym := range model.Symbols {
		lines = append(lines, fmt.Sprintf("**%s:** %d shares. Total value of %d.",
			sym.Title(), h[sym], h[sym]*mkt.Commodities[sym].UnitValue))
	}
	return Reply{Content: "\n" + strings.Join(lines, "\n")}, nil
}

func (d *Dispatcher) buy(ctx context.Context, m Message, c Command) (Reply, error) {
	return d.trade(ctx, m, c, d.ledger.Purchase, "Error: please enter the syntax like !buy <stock> <number>.")
}

func (d *Dispatcher) sell(ctx context.Context, m Message, c Command) (Reply, error) {
	return d.trade(ctx, m, c, d.ledger.Sell, "Error: please follow the syntax !sell <stock> <amount>.")
}

type tradeFunc func(ctx context.Context, userID string, symbol model.Symbol, quantity int64) (*ledger.TradeResult, error)

func (d *Dispatcher) trade(ctx context.Context, m Message, c Command, exec tradeFunc, usage string) (Reply, error) {
	// A closed market answers before any syntax check.
	if !d.ledger.IsMarketOpen() {
		return Reply{}, ledger.ErrMarketClosed
	}
	if len(c.Args) < 2 {
		return Reply{}, userError(usage)
	}
	sym, err := model.ParseSymbol(c.Arg(0))
	if err != nil {
		return Reply{}, userError(msgBadCommodity)
	}
	qty, ok := parseInt(c.Arg(1))
	if !ok || qty <= 0 {
		return Reply{}, userError(msgBadNumber)
	}

	if _, err := d.ledger.GetOrCreateWallet(ctx, m.Author.ID, m.Author.Name); err != nil {
		return Reply{}, err
	}
	res, err := exec(ctx, m.Author.ID, sym, qty)
	if err != nil {
		var short *ledger.ShortfallError
		if errors.As(err, &short) && errors.Is(err, ledger.ErrInsufficientShares) {
			return Reply{}, userError(fmt.Sprintf("Error: you only have %d shares for %s.", short.Have, sym))
		}
		return Reply{}, err
	}
	return Reply{Content: fmt.Sprintf("Transaction successful! You now have %d Rivals Tokens remaining.", res.NewBalance)}, nil
}

func (d *Dispatcher) version(context.Context, Message, Command) (Reply, error) {
	return Reply{Content: fmt.Sprintf("This is version %s.", d.cfg.Version)}, nil
}

// --- Admin ---

func (d *Dispatcher) bonus(ctx context.Context, m Message, c Command) (Reply, error) {
	amount, ok := parseInt(c.LastArg())
	if !ok {
		return Reply{}, userError(msgBadNumber)
	}
	if len(m.Mentions) == 0 {
		return Reply{}, userError(msgNoMentions)
	}

	for _, u := range m.Mentions {
		if _, err := d.ledger.GetOrCreateWallet(ctx, u.ID, u.Name); err != nil {
			return Reply{}, err
		}
		if _, err := d.ledger.GrantBonus(ctx, u.ID, amount); err != nil {
			return Reply{}, err
		}
	}
	return Reply{Content: fmt.Sprintf("%d has been added to the user(s') tokens", amount)}, nil
}

func (d *Dispatcher) toggleMarket(ctx context.Context, _ Message, _ Command) (Reply, error) {
	text := msgMarketClosing
	if d.ledger.ToggleMarket(ctx) {
		text = msgMarketOpened
	}
	return Reply{Content: text, DeleteCommand: true}, nil
}

func (d *Dispatcher) adjust(ctx context.Context, _ Message, c Command) (Reply, error) {
	if len(c.Args) < 2 {
		return Reply{}, userError("Error: please follow the syntax !adjust <stock> <amount>.")
	}
	sym, err := model.ParseSymbol(c.Arg(0))
	if err != nil {
		return Reply{}, userError(msgBadCommodity)
	}
	delta, ok := parseInt(c.Arg(1))
	if !ok {
		return Reply{}, userError(msgBadNumber)
	}

	value, err := d.ledger.AdjustCommodityValue(ctx, sym, delta)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Content: fmt.Sprintf("**%s** is now valued at **%d**.", sym.Title(), value)}, nil
}

func (d *Dispatcher) tournamentLinks(_ context.Context, _ Message, c Command) (Reply, error) {
	if len(c.Args) < 2 {
		return Reply{}, userError("Error: please enter a date and a tournament number.")
	}
	n, ok := parseInt(c.Arg(1))
	if !ok {
		return Reply{}, userError(msgBadNumber)
	}
	date, err := schedule.ParseDate(c.Arg(0))
	if err != nil {
		return Reply{}, userError("Error: please enter the date as yyyy-mm-dd.")
	}

	links := schedule.Links(date, int(n), d.cfg.BracketBase)
	return Reply{Announcement: schedule.Format(links), DeleteCommand: true}, nil
}

func (d *Dispatcher) awardTokens(ctx context.Context, _ Message, c Command) (Reply, error) {
	if len(c.Args) < 1 {
		return Reply{}, userError("Error: please follow the syntax !award-tokens <tournament>")
	}
	if d.awarder == nil {
		return Reply{}, userError("Error: tournament awards are not configured.")
	}

	tournament := strings.ToLower(c.Arg(0))
	report, err := d.awarder.Award(ctx, tournament)
	if err != nil {
		return Reply{}, err
	}
	if len(report.Outcomes) == 0 {
		return Reply{Content: fmt.Sprintf("No ranked participants found for %s.", tournament)}, nil
	}
	return Reply{Content: report.String()}, nil
}

func (d *Dispatcher) linkChallonge(ctx context.Context, m Message, c Command) (Reply, error) {
	if len(c.Args) < 2 {
		return Reply{}, userError("Error: please follow the syntax !link-challonge <@user> <challonge username>")
	}
	if len(m.Mentions) == 0 {
		return Reply{}, userError(msgNoMentions)
	}

	u := m.Mentions[0]
	if _, err := d.ledger.GetOrCreateWallet(ctx, u.ID, u.Name); err != nil {
		return Reply{}, err
	}
	if err := d.ledger.LinkExternalAccount(ctx, u.ID, c.Arg(1)); err != nil {
		return Reply{}, err
	}
	return Reply{Content: "Successful!"}, nil
}
