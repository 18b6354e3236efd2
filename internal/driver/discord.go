package driver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bwmarrin/discordgo"

	"batchbot/internal/domain"
)

const discordMaxMsgLen = 2000

// discordAPI is the subset of *discordgo.Session the driver uses.
type discordAPI interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelFileSend(channelID, name string, r io.Reader, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord delivers over the REST API with a bot token; no gateway session is
// opened. Recipients are channel IDs or names mapped to IDs.
type Discord struct {
	api      discordAPI
	channels map[string]string
	logger   *slog.Logger
	channel  string
}

type DiscordConfig struct {
	Token    string
	Channels map[string]string // display name -> channel ID
	API      discordAPI        // nil = discordgo.New("Bot " + Token)
	Logger   *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	d := &Discord{api: cfg.API, channels: cfg.Channels, logger: cfg.Logger}
	if d.api == nil {
		session, err := discordgo.New("Bot " + cfg.Token)
		if err != nil {
			// discordgo.New only fails on malformed arguments; surface it on first use
			d.api = brokenDiscord{err: fmt.Errorf("discord session: %w", err)}
		} else {
			d.api = session
		}
	}
	return d
}

func (d *Discord) Focus(_ context.Context, recipient string) error {
	d.channel = ""
	id := resolve(d.channels, recipient)
	ch, err := d.api.Channel(id)
	if err != nil {
		return fmt.Errorf("discord channel %s: %w", id, err)
	}
	d.channel = ch.ID
	return nil
}

func (d *Discord) SendText(_ context.Context, text string) error {
	if d.channel == "" {
		return domain.ErrNotFocused
	}
	for _, chunk := range splitMessage(text, discordMaxMsgLen) {
		if _, err := d.api.ChannelMessageSend(d.channel, chunk); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

func (d *Discord) AttachFile(_ context.Context, path string) error {
	if d.channel == "" {
		return domain.ErrNotFocused
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("attachment: %w", err)
	}
	defer f.Close()
	if _, err := d.api.ChannelFileSend(d.channel, filepath.Base(path), f); err != nil {
		return fmt.Errorf("discord upload: %w", err)
	}
	return nil
}

func (d *Discord) AttachClipboardImage(context.Context) error {
	return fmt.Errorf("discord: clipboard images: %w", domain.ErrUnsupported)
}

// Probe validates the bot token by fetching the bot's own user.
func (d *Discord) Probe(context.Context) error {
	u, err := d.api.User("@me")
	if err != nil {
		return fmt.Errorf("discord auth: %w", err)
	}
	d.logger.Debug("discord bot authenticated", "user", u.Username)
	return nil
}

type brokenDiscord struct{ err error }

func (b brokenDiscord) User(string, ...discordgo.RequestOption) (*discordgo.User, error) {
	return nil, b.err
}
func (b brokenDiscord) Channel(string, ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return nil, b.err
}
func (b brokenDiscord) ChannelMessageSend(string, string, ...discordgo.RequestOption) (*discordgo.Message, error) {
	return nil, b.err
}
func (b brokenDiscord) ChannelFileSend(string, string, io.Reader, ...discordgo.RequestOption) (*discordgo.Message, error) {
	return nil, b.err
}
