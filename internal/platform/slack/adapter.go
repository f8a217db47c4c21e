// Package slack implements a Socket Mode adapter for Slack workspaces.
package slack

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/switchboard/internal/platform"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Kind is the adapter kind used in bot config.
const Kind = "slack"

// APIClient is the subset of *slack.Client the adapter uses.
type APIClient interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	UploadFileV2Context(ctx context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error)
}

// SocketClient is the subset of *socketmode.Client the adapter uses.
type SocketClient interface {
	RunContext(ctx context.Context) error
	Ack(req socketmode.Request, payload ...interface{})
	Events() <-chan socketmode.Event
}

var _ APIClient = (*slack.Client)(nil)

type socketClient struct {
	*socketmode.Client
}

func (s socketClient) Events() <-chan socketmode.Event { return s.Client.Events }

// ClientFactory builds the API and Socket Mode clients.
type ClientFactory func(cfg Config) (APIClient, SocketClient)

func newClients(cfg Config) (APIClient, SocketClient) {
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return api, socketClient{socketmode.New(api, socketmode.OptionDebug(false))}
}

// Config holds configuration for the Slack adapter.
type Config struct {
	// BotToken is the xoxb- token (required).
	BotToken string `yaml:"bot_token"`
	// AppToken is the xapp- token for Socket Mode (required).
	AppToken string `yaml:"app_token"`

	// Stream enables streamed replies via chat.update (default false).
	Stream bool `yaml:"stream"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return platform.ErrConfig("bot_token is required", nil)
	}
	if c.AppToken == "" {
		return platform.ErrConfig("app_token is required for socket mode", nil)
	}
	return nil
}

// Adapter implements platform.Adapter for Slack.
type Adapter struct {
	config     Config
	newClients ClientFactory
	logger     *slog.Logger

	platform.Listeners
	streams *platform.StreamTracker

	mu        sync.RWMutex
	api       APIClient
	botUserID string
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New is the platform.Factory for Slack bots.
func New(raw map[string]any, logger *slog.Logger) (platform.Adapter, error) {
	var cfg Config
	if err := platform.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	return NewAdapter(cfg, logger, nil)
}

// NewAdapter creates a Slack adapter. A nil factory uses the real clients.
func NewAdapter(cfg Config, logger *slog.Logger, factory ClientFactory) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = newClients
	}
	return &Adapter{
		config:     cfg,
		newClients: factory,
		logger:     logger.With("adapter", Kind),
		streams:    platform.NewStreamTracker(),
	}, nil
}

func (a *Adapter) Kind() string { return Kind }

func (a *Adapter) RegisterListener(kind models.EventKind, handler platform.MessageHandler) {
	a.Listeners.Set(kind, handler)
}

// Start authenticates and runs the Socket Mode connection in the background.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}
	api, socket := a.newClients(a.config)
	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return platform.NewError(platform.ErrCodeAuthentication, "slack auth test", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.api, a.botUserID, a.cancel = api, auth.UserID, cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			a.logger.Error("socket mode stopped", "error", err)
		}
	}()
	go func() {
		defer a.wg.Done()
		a.handleEvents(runCtx, socket)
	}()
	a.logger.Info("slack adapter started", "bot_user", auth.UserID, "team", auth.Team)
	return nil
}

// Stop closes the Socket Mode connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("slack adapter stopped")
		return nil
	case <-ctx.Done():
		return platform.NewError(platform.ErrCodeTimeout, "stop timeout", ctx.Err())
	}
}

// BotAccountID returns the bot user id from auth.test.
func (a *Adapter) BotAccountID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botUserID
}

func (a *Adapter) IsStreamOutputSupported(context.Context) bool { return a.config.Stream }

func (a *Adapter) handleEvents(ctx context.Context, socket SocketClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-socket.Events():
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnectionError:
				a.logger.Warn("socket mode connection error", "data", evt.Data)
			case socketmode.EventTypeConnected:
				a.logger.Info("socket mode connected")
			case socketmode.EventTypeEventsAPI:
				if evt.Request != nil {
					socket.Ack(*evt.Request)
				}
				api, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok || api.Type != slackevents.CallbackEvent {
					continue
				}
				if msg, ok := api.InnerEvent.Data.(*slackevents.MessageEvent); ok {
					if event := a.convertMessage(msg); event != nil {
						a.Listeners.Dispatch(ctx, event, a)
					}
				}
			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				if evt.Request != nil {
					socket.Ack(*evt.Request)
				}
			}
		}
	}
}

var mentionPattern = regexp.MustCompile(`<@([A-Z0-9]+)(\|[^>]*)?>`)

// convertMessage maps a Slack message event. Bot messages and edits are ignored.
func (a *Adapter) convertMessage(msg *slackevents.MessageEvent) *models.MessageEvent {
	if msg.BotID != "" || msg.User == "" || (msg.SubType != "" && msg.SubType != "file_share") {
		return nil
	}
	botID := a.BotAccountID()
	ts := parseTS(msg.TimeStamp)
	event := &models.MessageEvent{
		Kind:   models.EventFriendMessage,
		Sender: models.Sender{ID: msg.User},
		Time:   ts,
		Raw:    msg,
	}
	if msg.ChannelType != "im" {
		event.Kind = models.EventGroupMessage
		event.Group = &models.Group{ID: msg.Channel}
	}

	var body models.MessageChain
	text := mentionPattern.ReplaceAllStringFunc(msg.Text, func(tok string) string {
		id := mentionPattern.FindStringSubmatch(tok)[1]
		if id == botID {
			body = append(body, models.At{Target: id})
			return ""
		}
		return "@" + id
	})
	if text = strings.TrimSpace(text); text != "" {
		body = append(body, models.Plain{Text: text})
	}
	var files []slack.File
	if msg.Message != nil {
		files = msg.Message.Files
	}
	for _, f := range files {
		if strings.HasPrefix(f.Mimetype, "image/") {
			body = append(body, models.Image{URL: f.URLPrivate})
		} else {
			body = append(body, models.File{Name: f.Name, URL: f.URLPrivate, Size: int64(f.Size)})
		}
	}
	if len(body) == 0 {
		return nil
	}
	event.Chain = append(models.MessageChain{models.Source{ID: msg.TimeStamp, Time: ts}}, body...)
	return event
}

func parseTS(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	us, _ := strconv.ParseInt(frac, 10, 64)
	return time.Unix(s, us*1000)
}

// ReplyMessage posts chain to the event's channel, in its thread when quoting.
func (a *Adapter) ReplyMessage(ctx context.Context, event *models.MessageEvent, chain models.MessageChain, quoteOrigin bool) error {
	msg, err := origin(event)
	if err != nil {
		return err
	}
	thread := msg.ThreadTimeStamp
	if quoteOrigin && thread == "" {
		thread = msg.TimeStamp
	}
	return a.post(ctx, msg.Channel, thread, chain)
}

// ReplyMessageChunk posts the first chunk and updates it with later ones.
func (a *Adapter) ReplyMessageChunk(ctx context.Context, event *models.MessageEvent, botMessage *models.MessageChunk, chain models.MessageChain, quoteOrigin, isFinal bool) error {
	msg, err := origin(event)
	if err != nil {
		return err
	}
	api, err := a.client()
	if err != nil {
		return err
	}
	thread := msg.ThreadTimeStamp
	if quoteOrigin && thread == "" {
		thread = msg.TimeStamp
	}
	text := platform.Render(mentions(chain)).Text
	return a.streams.StreamChunk(botMessage.ResponseID, text, isFinal, platform.EditFuncs{
		Send: func(text string) (string, error) {
			opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
			if thread != "" {
				opts = append(opts, slack.MsgOptionTS(thread))
			}
			_, ts, err := api.PostMessageContext(ctx, msg.Channel, opts...)
			if err != nil {
				return "", classify("post message", err)
			}
			return ts, nil
		},
		Edit: func(ts, text string) error {
			_, _, _, err := api.UpdateMessageContext(ctx, msg.Channel, ts, slack.MsgOptionText(text, false))
			return classify("update message", err)
		},
	})
}

// SendMessage posts chain to a channel id.
func (a *Adapter) SendMessage(ctx context.Context, _ models.LauncherType, targetID string, chain models.MessageChain) error {
	return a.post(ctx, targetID, "", chain)
}

func (a *Adapter) post(ctx context.Context, channel, thread string, chain models.MessageChain) error {
	api, err := a.client()
	if err != nil {
		return err
	}
	r := platform.Render(mentions(chain))
	var (
		opts   []slack.MsgOption
		blocks []slack.Block
	)
	if r.Text != "" {
		opts = append(opts, slack.MsgOptionText(r.Text, false))
		blocks = append(blocks, slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, r.Text, false, false), nil, nil))
	}
	var uploads []models.Image
	for _, img := range r.Images {
		if img.URL != "" {
			blocks = append(blocks, slack.NewImageBlock(img.URL, "image", "", nil))
			continue
		}
		if img.Base64 != "" {
			uploads = append(uploads, img)
		}
	}
	if thread != "" {
		opts = append(opts, slack.MsgOptionTS(thread))
	}
	if len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
		if _, _, err := api.PostMessageContext(ctx, channel, opts...); err != nil {
			return classify("post message", err)
		}
	}
	for i, img := range uploads {
		data, err := base64.StdEncoding.DecodeString(img.Base64)
		if err != nil {
			return platform.NewError(platform.ErrCodeInvalidInput, "decode image", err)
		}
		_, err = api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Reader:          bytes.NewReader(data),
			FileSize:        len(data),
			Filename:        fmt.Sprintf("image-%d.png", i+1),
			Channel:         channel,
			ThreadTimestamp: thread,
		})
		if err != nil {
			return classify("upload image", err)
		}
	}
	return nil
}

func (a *Adapter) client() (APIClient, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.api == nil {
		return nil, platform.ErrConnection("slack adapter not started", nil)
	}
	return a.api, nil
}

func mentions(chain models.MessageChain) models.MessageChain {
	out := make(models.MessageChain, 0, len(chain))
	for _, c := range chain {
		switch v := c.(type) {
		case models.At:
			out = append(out, models.Plain{Text: "<@" + v.Target + ">"})
		case models.AtAll:
			out = append(out, models.Plain{Text: "<!channel>"})
		default:
			out = append(out, c)
		}
	}
	return out
}

func origin(event *models.MessageEvent) (*slackevents.MessageEvent, error) {
	msg, ok := event.Raw.(*slackevents.MessageEvent)
	if !ok || msg == nil {
		return nil, platform.NewError(platform.ErrCodeInvalidInput, "event was not produced by the slack adapter", nil)
	}
	return msg, nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return platform.NewError(platform.ErrCodeRateLimit, "slack "+op, err)
	}
	return platform.NewError(platform.ErrCodeConnection, "slack "+op, err)
}
