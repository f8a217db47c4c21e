// Package discord implements the Discord gateway adapter. Guild channels map
// to group launchers and direct messages to person launchers.
package discord

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/switchboard/internal/backoff"
	"github.com/haasonsaas/switchboard/internal/platform"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Kind is the adapter kind used in bot config.
const Kind = "discord"

// Session is the subset of *discordgo.Session the adapter uses.
type Session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// SessionFactory builds a Session for a bot token.
type SessionFactory func(token string) (Session, error)

func newSession(token string) (Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	return dg, nil
}

// Config holds configuration for the Discord adapter.
type Config struct {
	// Token is the bot token from the Discord Developer Portal (required)
	Token string `yaml:"token"`

	// ConnectAttempts bounds gateway connection retries at start-up.
	ConnectAttempts int `yaml:"connect_attempts"`

	Stream *bool `yaml:"stream"`
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return platform.ErrConfig("token is required", nil)
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 5
	}
	return nil
}

// Adapter implements platform.Adapter for Discord.
type Adapter struct {
	config     Config
	newSession SessionFactory
	policy     backoff.Policy
	logger     *slog.Logger

	platform.Listeners
	streams *platform.StreamTracker

	mu       sync.RWMutex
	session  Session
	botID    string
	removers []func()
	ctx      context.Context
	cancel   context.CancelFunc
}

// New is the platform.Factory for Discord bots.
func New(raw map[string]any, logger *slog.Logger) (platform.Adapter, error) {
	var cfg Config
	if err := platform.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	return NewAdapter(cfg, logger, nil)
}

// NewAdapter creates a Discord adapter. A nil factory connects to the real gateway.
func NewAdapter(cfg Config, logger *slog.Logger, factory SessionFactory) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = newSession
	}
	return &Adapter{
		config:     cfg,
		newSession: factory,
		policy:     backoff.ReconnectPolicy(),
		logger:     logger.With("adapter", Kind),
		streams:    platform.NewStreamTracker(),
	}, nil
}

func (a *Adapter) Kind() string { return Kind }

func (a *Adapter) RegisterListener(kind models.EventKind, handler platform.MessageHandler) {
	a.Listeners.Set(kind, handler)
}

// Start opens the gateway connection, retrying with backoff.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return nil
	}

	s, err := a.newSession(a.config.Token)
	if err != nil {
		return platform.NewError(platform.ErrCodeAuthentication, "create discord session", err)
	}
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	a.removers = []func(){
		s.AddHandler(a.handleReady),
		s.AddHandler(a.handleMessageCreate),
	}

	_, err = backoff.Retry(ctx, a.policy, a.config.ConnectAttempts, func(error) bool { return true }, func(attempt int) (struct{}, error) {
		a.logger.Info("connecting to discord", "attempt", attempt, "max_attempts", a.config.ConnectAttempts)
		return struct{}{}, s.Open()
	})
	if err != nil {
		for _, remove := range a.removers {
			remove()
		}
		a.cancel()
		return platform.ErrConnection("failed to connect to discord", err)
	}
	a.session = s
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	for _, remove := range a.removers {
		remove()
	}
	a.cancel()
	err := a.session.Close()
	a.session = nil
	if err != nil {
		return platform.ErrConnection("failed to close discord session", err)
	}
	a.logger.Info("discord adapter stopped")
	return nil
}

// BotAccountID returns the bot user id reported by the Ready event.
func (a *Adapter) BotAccountID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botID
}

func (a *Adapter) IsStreamOutputSupported(context.Context) bool {
	return a.config.Stream == nil || *a.config.Stream
}

func (a *Adapter) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r == nil || r.User == nil {
		return
	}
	a.mu.Lock()
	a.botID = r.User.ID
	a.mu.Unlock()
	a.logger.Info("discord session ready", "bot_user", r.User.Username)
}

func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	event := a.convertMessage(m.Message)
	if event == nil {
		return
	}
	a.mu.RLock()
	ctx := a.ctx
	a.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	a.Listeners.Dispatch(ctx, event, a)
}

// convertMessage maps a Discord message to a platform-neutral event. Returns
// nil when the message carries nothing the pipeline can use.
func (a *Adapter) convertMessage(m *discordgo.Message) *models.MessageEvent {
	botID := a.BotAccountID()
	event := &models.MessageEvent{
		Kind:   models.EventFriendMessage,
		Sender: models.Sender{ID: m.Author.ID, Name: m.Author.Username},
		Time:   m.Timestamp,
		Raw:    m,
	}
	if m.GuildID != "" {
		event.Kind = models.EventGroupMessage
		event.Group = &models.Group{ID: m.ChannelID}
	}

	var body models.MessageChain
	text := m.Content
	for _, u := range m.Mentions {
		if u == nil {
			continue
		}
		tokens := []string{"<@" + u.ID + ">", "<@!" + u.ID + ">"}
		if u.ID == botID {
			body = append(body, models.At{Target: u.ID, Display: u.Username})
			for _, tok := range tokens {
				text = strings.ReplaceAll(text, tok, "")
			}
			continue
		}
		for _, tok := range tokens {
			text = strings.ReplaceAll(text, tok, "@"+u.Username)
		}
	}
	if text = strings.TrimSpace(text); text != "" {
		body = append(body, models.Plain{Text: text})
	}
	for _, att := range m.Attachments {
		if strings.HasPrefix(att.ContentType, "image/") {
			body = append(body, models.Image{URL: att.URL})
			continue
		}
		body = append(body, models.File{Name: att.Filename, URL: att.URL, Size: int64(att.Size)})
	}
	if len(body) == 0 {
		return nil
	}

	chain := models.MessageChain{models.Source{ID: m.ID, Time: m.Timestamp}}
	if ref := m.ReferencedMessage; ref != nil {
		q := models.Quote{ID: ref.ID, Origin: models.NewTextChain(ref.Content)}
		if ref.Author != nil {
			q.SenderID = ref.Author.ID
		}
		chain = append(chain, q)
	}
	event.Chain = append(chain, body...)
	return event
}

// ReplyMessage sends chain to the event's channel.
func (a *Adapter) ReplyMessage(_ context.Context, event *models.MessageEvent, chain models.MessageChain, quoteOrigin bool) error {
	m, err := origin(event)
	if err != nil {
		return err
	}
	session, err := a.activeSession()
	if err != nil {
		return err
	}
	data, err := messageSend(chain)
	if err != nil {
		return err
	}
	if quoteOrigin {
		data.Reference = m.Reference()
	}
	if data.Content == "" && len(data.Files) == 0 && len(data.Embeds) == 0 {
		return nil
	}
	_, err = session.ChannelMessageSendComplex(m.ChannelID, data)
	return classify("send message", err)
}

// ReplyMessageChunk streams a response by editing the first sent message.
func (a *Adapter) ReplyMessageChunk(_ context.Context, event *models.MessageEvent, botMessage *models.MessageChunk, chain models.MessageChain, quoteOrigin, isFinal bool) error {
	m, err := origin(event)
	if err != nil {
		return err
	}
	session, err := a.activeSession()
	if err != nil {
		return err
	}
	text := platform.Render(mentions(chain)).Text
	return a.streams.StreamChunk(botMessage.ResponseID, text, isFinal, platform.EditFuncs{
		Send: func(text string) (string, error) {
			data := &discordgo.MessageSend{Content: text}
			if quoteOrigin {
				data.Reference = m.Reference()
			}
			sent, err := session.ChannelMessageSendComplex(m.ChannelID, data)
			if err != nil {
				return "", classify("send message", err)
			}
			return sent.ID, nil
		},
		Edit: func(id, text string) error {
			_, err := session.ChannelMessageEdit(m.ChannelID, id, text)
			return classify("edit message", err)
		},
	})
}

// SendMessage posts chain to a channel id.
func (a *Adapter) SendMessage(_ context.Context, _ models.LauncherType, targetID string, chain models.MessageChain) error {
	session, err := a.activeSession()
	if err != nil {
		return err
	}
	data, err := messageSend(chain)
	if err != nil {
		return err
	}
	_, err = session.ChannelMessageSendComplex(targetID, data)
	return classify("send message", err)
}

func (a *Adapter) activeSession() (Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return nil, platform.ErrConnection("discord adapter not started", nil)
	}
	return a.session, nil
}

// mentions rewrites At components into Discord mention syntax.
func mentions(chain models.MessageChain) models.MessageChain {
	out := make(models.MessageChain, 0, len(chain))
	for _, c := range chain {
		switch v := c.(type) {
		case models.At:
			out = append(out, models.Plain{Text: "<@" + v.Target + ">"})
		case models.AtAll:
			out = append(out, models.Plain{Text: "@everyone"})
		default:
			out = append(out, c)
		}
	}
	return out
}

func messageSend(chain models.MessageChain) (*discordgo.MessageSend, error) {
	r := platform.Render(mentions(chain))
	data := &discordgo.MessageSend{Content: r.Text}
	for i, img := range r.Images {
		switch {
		case img.URL != "":
			data.Embeds = append(data.Embeds, &discordgo.MessageEmbed{Image: &discordgo.MessageEmbedImage{URL: img.URL}})
		case img.Base64 != "":
			raw, err := base64.StdEncoding.DecodeString(img.Base64)
			if err != nil {
				return nil, platform.NewError(platform.ErrCodeInvalidInput, "decode image", err)
			}
			data.Files = append(data.Files, &discordgo.File{
				Name:        imageName(i),
				ContentType: "image/png",
				Reader:      bytes.NewReader(raw),
			})
		}
	}
	return data, nil
}

func imageName(i int) string {
	return fmt.Sprintf("image-%d.png", i+1)
}

func origin(event *models.MessageEvent) (*discordgo.Message, error) {
	m, ok := event.Raw.(*discordgo.Message)
	if !ok || m == nil {
		return nil, platform.NewError(platform.ErrCodeInvalidInput, "event was not produced by the discord adapter", nil)
	}
	return m, nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == 429 {
		return platform.NewError(platform.ErrCodeRateLimit, "discord "+op, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "rate limit") {
		return platform.NewError(platform.ErrCodeRateLimit, "discord "+op, err)
	}
	return platform.NewError(platform.ErrCodeConnection, "discord "+op, err)
}
