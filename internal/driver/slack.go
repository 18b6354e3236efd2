package driver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/slack-go/slack"

	"batchbot/internal/domain"
)

const slackMaxMsgLen = 4000

// slackAPI is the subset of *slack.Client the driver uses.
type slackAPI interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	GetConversationInfoContext(ctx context.Context, input *slack.GetConversationInfoInput) (*slack.Channel, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UploadFileV2Context(ctx context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error)
}

// Slack delivers as a bot user. Recipients are channel IDs or names mapped to
// IDs in the channel directory.
type Slack struct {
	api      slackAPI
	channels map[string]string
	logger   *slog.Logger
	channel  string
}

type SlackConfig struct {
	BotToken string
	Channels map[string]string // display name -> channel ID
	API      slackAPI          // nil = slack.New(BotToken)
	Logger   *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	api := cfg.API
	if api == nil {
		api = slack.New(cfg.BotToken)
	}
	return &Slack{api: api, channels: cfg.Channels, logger: cfg.Logger}
}

func (s *Slack) Focus(ctx context.Context, recipient string) error {
	s.channel = ""
	id := resolve(s.channels, recipient)
	ch, err := s.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: id})
	if err != nil {
		return fmt.Errorf("slack conversation %s: %w", id, err)
	}
	s.channel = ch.ID
	return nil
}

func (s *Slack) SendText(ctx context.Context, text string) error {
	if s.channel == "" {
		return domain.ErrNotFocused
	}
	for _, chunk := range splitMessage(text, slackMaxMsgLen) {
		if _, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(chunk, false)); err != nil {
			return fmt.Errorf("slack post: %w", err)
		}
	}
	return nil
}

func (s *Slack) AttachFile(ctx context.Context, path string) error {
	if s.channel == "" {
		return domain.ErrNotFocused
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("attachment: %w", err)
	}
	_, err = s.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:  s.channel,
		File:     path,
		FileSize: int(info.Size()),
		Filename: filepath.Base(path),
	})
	if err != nil {
		return fmt.Errorf("slack upload: %w", err)
	}
	return nil
}

func (s *Slack) AttachClipboardImage(context.Context) error {
	return fmt.Errorf("slack: clipboard images: %w", domain.ErrUnsupported)
}

// Probe validates the bot token.
func (s *Slack) Probe(ctx context.Context) error {
	resp, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.logger.Debug("slack bot authenticated", "user", resp.User, "team", resp.Team)
	return nil
}
