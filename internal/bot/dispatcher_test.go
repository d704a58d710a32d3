package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/narivals/rivals-ledger/internal/award"
	"github.com/narivals/rivals-ledger/internal/ledger"
	"github.com/narivals/rivals-ledger/internal/model"
	"github.com/narivals/rivals-ledger/internal/store"
)

const (
	adminID  = "126134237270114304"
	playerID = "555"
)

// spyLedger counts mutating calls that reach the ledger.
type spyLedger struct {
	*ledger.Service
	mutations int
}

func (s *spyLedger) Purchase(ctx context.Context, userID string, sym model.Symbol, qty int64) (*ledger.TradeResult, error) {
	s.mutations++
	return s.Service.Purchase(ctx, userID, sym, qty)
}

func (s *spyLedger) Sell(ctx context.Context, userID string, sym model.Symbol, qty int64) (*ledger.TradeResult, error) {
	s.mutations++
	return s.Service.Sell(ctx, userID, sym, qty)
}

func (s *spyLedger) GrantBonus(ctx context.Context, userID string, amount int64) (int64, error) {
	s.mutations++
	return s.Service.GrantBonus(ctx, userID, amount)
}

func (s *spyLedger) AdjustCommodityValue(ctx context.Context, sym model.Symbol, delta int64) (int64, error) {
	s.mutations++
	return s.Service.AdjustCommodityValue(ctx, sym, delta)
}

type stubAwarder struct {
	report *award.Report
	err    error
}

func (a stubAwarder) Award(context.Context, string) (*award.Report, error) {
	return a.report, a.err
}

func newTestDispatcher(t *testing.T, awarder Awarder) (*Dispatcher, *spyLedger) {
	t.Helper()
	spy := &spyLedger{Service: ledger.NewService(store.NewMemoryStore(), nil, 0)}
	d := NewDispatcher(spy, awarder, Config{
		Channels:     []string{"rivals-tokens", "mordor"},
		LinksChannel: "tournament-links",
		Admins:       []string{adminID},
		Version:      "v2.0.0",
	})
	return d, spy
}

func say(t *testing.T, d *Dispatcher, authorID, content string, mentions ...User) Reply {
	t.Helper()
	reply, ok := d.Handle(context.Background(), Message{
		ChannelName: "rivals-tokens",
		Author:      User{ID: authorID, Name: "name-" + authorID},
		Content:     content,
		Mentions:    mentions,
	})
	if !ok {
		t.Fatalf("%q was not handled", content)
	}
	return reply
}

func TestHandle_IgnoresOtherChannelsAndChatter(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	ctx := context.Background()

	if _, ok := d.Handle(ctx, Message{ChannelName: "general", Author: User{ID: playerID}, Content: "!token"}); ok {
		t.Error("expected message in another channel to be ignored")
	}
	if _, ok := d.Handle(ctx, Message{ChannelName: "mordor", Author: User{ID: playerID}, Content: "hello there"}); ok {
		t.Error("expected chatter to be ignored")
	}
	if _, ok := d.Handle(ctx, Message{ChannelName: "mordor", Author: User{ID: playerID}, Content: "!dance"}); ok {
		t.Error("expected unknown command to be ignored")
	}
}

func TestToken(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	r := say(t, d, playerID, "!TOKEN")
	want := "<@555> You currently have 150 Rivals Tokens."
	if r.Content != want {
		t.Errorf("got %q, want %q", r.Content, want)
	}
}

func TestBuyAndSell(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	r := say(t, d, playerID, "!buy Fire 1")
	if r.Content != "<@555> Transaction successful! You now have 50 Rivals Tokens remaining." {
		t.Errorf("unexpected buy reply %q", r.Content)
	}

	r = say(t, d, playerID, "!invest fire 1")
	if r.Content != "<@555> Error: this transaction costs 100, but you only have 50 tokens." {
		t.Errorf("unexpected reply %q", r.Content)
	}

	r = say(t, d, playerID, "!sell fire 2")
	if r.Content != "<@555> Error: you only have 1 shares for fire." {
		t.Errorf("unexpected reply %q", r.Content)
	}

	r = say(t, d, playerID, "!sell fire 1")
	if r.Content != "<@555> Transaction successful! You now have 150 Rivals Tokens remaining." {
		t.Errorf("unexpected sell reply %q", r.Content)
	}
}

func TestSyntaxErrorsNeverReachLedger(t *testing.T) {
	d, spy := newTestDispatcher(t, nil)

	tests := []struct {
		author, content, want string
	}{
		{playerID, "!buy", "Error: please enter the syntax like !buy <stock> <number>."},
		{playerID, "!buy fire", "Error: please enter the syntax like !buy <stock> <number>."},
		{playerID, "!buy gold 1", msgBadCommodity},
		{playerID, "!purchase fire many", msgBadNumber},
		{playerID, "!buy fire 0", msgBadNumber},
		{playerID, "!sell water -2", msgBadNumber},
		{playerID, "!sell", "Error: please follow the syntax !sell <stock> <amount>."},
		{adminID, "!bonus 10", msgNoMentions},
		{adminID, "!bonus <@1> ten", msgBadNumber},
		{adminID, "!adjust fire", "Error: please follow the syntax !adjust <stock> <amount>."},
		{adminID, "!adjust gold 5", msgBadCommodity},
		{adminID, "!adjust fire 1.5", msgBadNumber},
		{adminID, "!tournament-links 2024-03-16", "Error: please enter a date and a tournament number."},
		{adminID, "!tournament-links 16/03/2024 20", "Error: please enter the date as yyyy-mm-dd."},
		{adminID, "!tournament-links 2024-03-16 twenty", msgBadNumber},
		{adminID, "!link-challonge <@1>", "Error: please follow the syntax !link-challonge <@user> <challonge username>"},
		{adminID, "!link-challonge <@1> zetta", msgNoMentions},
		{adminID, "!award-token", "Error: please follow the syntax !award-tokens <tournament>"},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			r := say(t, d, tt.author, tt.content)
			if !strings.HasSuffix(r.Content, tt.want) {
				t.Errorf("got %q, want suffix %q", r.Content, tt.want)
			}
		})
	}
	if spy.mutations != 0 {
		t.Errorf("expected no ledger mutations, got %d", spy.mutations)
	}
}

func TestClosedMarketAnswersFirst(t *testing.T) {
	d, spy := newTestDispatcher(t, nil)

	r := say(t, d, adminID, "!toggle-market")
	if r.Content != msgMarketClosing || !r.DeleteCommand {
		t.Fatalf("unexpected toggle reply %+v", r)
	}

	for _, content := range []string{"!buy fire 1", "!sell", "!buy gold x"} {
		r := say(t, d, playerID, content)
		if r.Content != "<@555> "+msgMarketClosed {
			t.Errorf("%s: got %q", content, r.Content)
		}
	}
	if spy.mutations != 0 {
		t.Errorf("expected no ledger mutations, got %d", spy.mutations)
	}

	if r := say(t, d, adminID, "!toggle-market"); r.Content != msgMarketOpened {
		t.Errorf("unexpected reopen reply %q", r.Content)
	}
}

func TestAdminCommandsIgnoreNonAdmins(t *testing.T) {
	d, spy := newTestDispatcher(t, nil)

	for _, content := range []string{"!bonus <@1> 100", "!toggle-market", "!adjust fire 10", "!link-challonge <@1> x"} {
		_, ok := d.Handle(context.Background(), Message{
			ChannelName: "mordor",
			Author:      User{ID: playerID},
			Content:     content,
			Mentions:    []User{{ID: "1"}},
		})
		if ok {
			t.Errorf("%s: expected non-admin to be ignored", content)
		}
	}
	if spy.mutations != 0 || !spy.IsMarketOpen() {
		t.Error("expected ledger untouched")
	}
}

func TestBonus(t *testing.T) {
	d, spy := newTestDispatcher(t, nil)

	r := say(t, d, adminID, "!bonus <@1> <@2> 25", User{ID: "1", Name: "kragg"}, User{ID: "2", Name: "orcane"})
	if r.Content != "25 has been added to the user(s') tokens" {
		t.Errorf("unexpected reply %q", r.Content)
	}

	for _, id := range []string{"1", "2"} {
		w, err := spy.GetWallet(context.Background(), id)
		if err != nil {
			t.Fatalf("wallet %s: %v", id, err)
		}
		if w.Tokens != 175 {
			t.Errorf("wallet %s: expected 175, got %d", id, w.Tokens)
		}
	}
}

func TestMarketAndShares(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	say(t, d, adminID, "!adjust water 50")
	say(t, d, playerID, "!buy earth 1")

	r := say(t, d, playerID, "!market")
	if !strings.Contains(r.Content, "**Water** is valued at **150** with a total of **0** outstanding shares.") {
		t.Errorf("market missing water line:\n%s", r.Content)
	}
	if !strings.HasSuffix(r.Content, "**Overall**, there is currently a total of **1** outstanding shares.") {
		t.Errorf("market missing total:\n%s", r.Content)
	}

	r = say(t, d, playerID, "!share")
	if !strings.Contains(r.Content, "**Earth:** 1 shares. Total value of 100.") {
		t.Errorf("shares missing earth line:\n%s", r.Content)
	}
}

func TestAdjustBelowFloor(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	r := say(t, d, adminID, "!adjust air -100")
	if r.Content != "Error: the value of a stock can't drop below 1." {
		t.Errorf("unexpected reply %q", r.Content)
	}
}

func TestTournamentLinks(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	r := say(t, d, adminID, "!tournament-links 2024-03-16 20")
	if r.Content != "" || !r.DeleteCommand {
		t.Errorf("unexpected reply %+v", r)
	}
	if !strings.Contains(r.Announcement, "*National Championship Series #20*") {
		t.Errorf("unexpected announcement:\n%s", r.Announcement)
	}
}

func TestLinkChallonge(t *testing.T) {
	d, spy := newTestDispatcher(t, nil)

	r := say(t, d, adminID, "!link-challonge <@1> Zetta_Main", User{ID: "1", Name: "zetta"})
	if r.Content != "Successful!" {
		t.Fatalf("unexpected reply %q", r.Content)
	}
	w, err := spy.FindWalletByExternalID(context.Background(), "Zetta_Main")
	if err != nil || w.UserID != "1" {
		t.Fatalf("expected link to wallet 1, got %v (%v)", w, err)
	}

	r = say(t, d, adminID, "!link-challonge <@2> Zetta_Main", User{ID: "2"})
	if r.Content != "Error: that Challonge account is already linked to another user." {
		t.Errorf("unexpected reply %q", r.Content)
	}
}

func TestAwardTokens(t *testing.T) {
	report := &award.Report{Outcomes: []award.Outcome{
		{Alias: "Zetta", Reward: 80, Status: award.StatusGranted},
		{ExternalID: "orcane", Reward: 50, Status: award.StatusUnlinked},
	}}
	d, _ := newTestDispatcher(t, stubAwarder{report: report})

	r := say(t, d, adminID, "!award-token weekly3")
	want := "Zetta was rewarded with 80 tokens!\nError: orcane failed to receive 50 due to unlinked Discord."
	if r.Content != want {
		t.Errorf("got %q, want %q", r.Content, want)
	}
}

func TestAwardTokens_Errors(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	if r := say(t, d, adminID, "!award-token ncs1"); r.Content != "Error: tournament awards are not configured." {
		t.Errorf("unexpected reply %q", r.Content)
	}

	d, _ = newTestDispatcher(t, stubAwarder{err: errors.New("boom")})
	if r := say(t, d, adminID, "!award-token ncs1"); !strings.HasPrefix(r.Content, "Error:") {
		t.Errorf("unexpected reply %q", r.Content)
	}
}

func TestVersion(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	if r := say(t, d, playerID, "!version"); r.Content != "This is version v2.0.0." {
		t.Errorf("unexpected reply %q", r.Content)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		ok   bool
		name string
		args int
	}{
		{"!buy fire 3", true, "buy", 2},
		{"  !Toggle-Market  ", true, "toggle-market", 0},
		{"buy fire 3", false, "", 0},
		{"!", false, "", 0},
		{"", false, "", 0},
	}
	for _, tt := range tests {
		cmd, ok := Parse(tt.in)
		if ok != tt.ok || cmd.Name != tt.name || len(cmd.Args) != tt.args {
			t.Errorf("Parse(%q) = %+v, %v", tt.in, cmd, ok)
		}
	}
	if got := (Command{Args: []string{"a", "b"}}).LastArg(); got != "b" {
		t.Errorf("LastArg = %q", got)
	}
	if got := (Command{}).LastArg(); got != "" {
		t.Errorf("LastArg on empty = %q", got)
	}
}

func TestErrorText_LedgerErrors(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ledger.ShortfallError{Err: ledger.ErrInsufficientShares, Need: 1 << 62, Have: 1}, "Error: you only have 1 shares."},
		{fmt.Errorf("%w: proceeds overflow", ledger.ErrInvalidInput), "Error: that amount is too large for a wallet."},
		{ledger.ErrMarketClosed, msgMarketClosed},
	}
	for _, tt := range tests {
		if got := errorText(tt.err); got != tt.want {
			t.Errorf("errorText(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
