package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Session binds a Dispatcher to a Discord gateway connection.
type Session struct {
	dg           *discordgo.Session
	dispatcher   *Dispatcher
	linksChannel string
	timeout      time.Duration
}

// NewSession creates a Discord session for a bot token. Call Open to
// connect.
func NewSession(token string, d *Dispatcher, linksChannel string) (*Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	s := &Session{
		dg:           dg,
		dispatcher:   d,
		linksChannel: linksChannel,
		timeout:      30 * time.Second,
	}
	dg.AddHandler(s.onReady)
	dg.AddHandler(s.onMessageCreate)
	return s, nil
}

// Open connects to the gateway.
func (s *Session) Open() error {
	if err := s.dg.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	return nil
}

// Close disconnects from the gateway.
func (s *Session) Close() error {
	return s.dg.Close()
}

func (s *Session) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	slog.Info("discord session ready", "user", r.User.Username, "guilds", len(r.Guilds))
}

func (s *Session) onMessageCreate(ds *discordgo.Session, mc *discordgo.MessageCreate) {
	if mc.Author == nil || mc.Author.Bot {
		return
	}

	msg := Message{
		ID:          mc.ID,
		ChannelID:   mc.ChannelID,
		ChannelName: s.channelName(ds, mc.ChannelID),
		Author:      User{ID: mc.Author.ID, Name: mc.Author.Username},
		Content:     mc.Content,
	}
	for _, u := range mc.Mentions {
		msg.Mentions = append(msg.Mentions, User{ID: u.ID, Name: u.Username})
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	reply, ok := s.dispatcher.Handle(ctx, msg)
	if !ok {
		return
	}

	if reply.Content != "" {
		if _, err := ds.ChannelMessageSend(mc.ChannelID, reply.Content); err != nil {
			slog.Error("failed to send reply", "channel", mc.ChannelID, "err", err)
		}
	}
	if reply.Announcement != "" {
		target := s.findChannel(ds, mc.GuildID, s.linksChannel)
		if target == "" {
			target = mc.ChannelID
		}
		if _, err := ds.ChannelMessageSend(target, reply.Announcement); err != nil {
			slog.Error("failed to post announcement", "channel", target, "err", err)
		}
	}
	if reply.DeleteCommand {
		if err := ds.ChannelMessageDelete(mc.ChannelID, mc.ID); err != nil {
			slog.Warn("failed to delete command message", "channel", mc.ChannelID, "err", err)
		}
	}
}

func (s *Session) channelName(ds *discordgo.Session, channelID string) string {
	if ch, err := ds.State.Channel(channelID); err == nil {
		return ch.Name
	}
	ch, err := ds.Channel(channelID)
	if err != nil {
		slog.Warn("failed to resolve channel", "channel", channelID, "err", err)
		return ""
	}
	return ch.Name
}

func (s *Session) findChannel(ds *discordgo.Session, guildID, name string) string {
	if guildID == "" || name == "" {
		return ""
	}
	channels, err := ds.GuildChannels(guildID)
	if err != nil {
		slog.Warn("failed to list guild channels", "guild", guildID, "err", err)
		return ""
	}
	for _, ch := range channels {
		if strings.EqualFold(ch.Name, name) {
			return ch.ID
		}
	}
	return ""
}
