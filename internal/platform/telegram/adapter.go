// Package telegram implements the Telegram Bot API adapter. Streamed replies
// are delivered by editing the first sent message.
package telegram

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/switchboard/internal/platform"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Kind is the adapter kind used in bot config.
const Kind = "telegram"

// Mode selects how updates are received.
type Mode string

const (
	ModeLongPolling Mode = "long_polling"
	ModeWebhook     Mode = "webhook"
)

// Config holds configuration for the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather (required)
	Token string `yaml:"token"`

	Mode Mode `yaml:"mode"`

	// WebhookURL is the public HTTPS URL Telegram posts updates to (webhook mode).
	WebhookURL string `yaml:"webhook_url"`

	// ListenAddr is the local address of the webhook server, e.g. ":8443".
	ListenAddr    string `yaml:"listen_addr"`
	WebhookSecret string `yaml:"webhook_secret"`

	// Stream enables streamed replies through message edits (default true).
	Stream *bool `yaml:"stream"`

	// APIBase overrides the file download host, mainly for tests.
	APIBase string `yaml:"api_base"`
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return platform.ErrConfig("token is required", nil)
	}
	if c.Mode == "" {
		c.Mode = ModeLongPolling
	}
	switch c.Mode {
	case ModeLongPolling:
	case ModeWebhook:
		if c.WebhookURL == "" {
			return platform.ErrConfig("webhook_url is required for webhook mode", nil)
		}
		if c.ListenAddr == "" {
			c.ListenAddr = ":8443"
		}
	default:
		return platform.ErrConfig(fmt.Sprintf("unknown mode %q", c.Mode), nil)
	}
	if c.APIBase == "" {
		c.APIBase = "https://api.telegram.org"
	}
	return nil
}

// Adapter implements platform.Adapter for Telegram.
type Adapter struct {
	config    Config
	newClient ClientFactory
	logger    *slog.Logger

	platform.Listeners
	streams *platform.StreamTracker

	mu      sync.RWMutex
	client  BotClient
	me      *tgmodels.User
	cancel  context.CancelFunc
	server  *http.Server
	wg      sync.WaitGroup
	started bool
}

// New is the platform.Factory for Telegram bots.
func New(raw map[string]any, logger *slog.Logger) (platform.Adapter, error) {
	var cfg Config
	if err := platform.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	return NewAdapter(cfg, logger, nil)
}

// NewAdapter creates a Telegram adapter. A nil factory uses the real Bot API client.
func NewAdapter(cfg Config, logger *slog.Logger, factory ClientFactory) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = newBotClient
	}
	return &Adapter{
		config:    cfg,
		newClient: factory,
		logger:    logger.With("adapter", Kind),
		streams:   platform.NewStreamTracker(),
	}, nil
}

func (a *Adapter) Kind() string { return Kind }

func (a *Adapter) RegisterListener(kind models.EventKind, handler platform.MessageHandler) {
	a.Listeners.Set(kind, handler)
}

// Start creates the bot client, learns the bot's own account and begins
// receiving updates in the configured mode.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	client, err := a.newClient(a.config.Token, a.handleUpdate, a.config.WebhookSecret)
	if err != nil {
		return platform.NewError(platform.ErrCodeAuthentication, "create telegram bot", err)
	}
	me, err := client.GetMe(ctx)
	if err != nil {
		return platform.ErrConnection("telegram getMe", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.client, a.me, a.cancel = client, me, cancel

	switch a.config.Mode {
	case ModeWebhook:
		if _, err := client.SetWebhook(ctx, &bot.SetWebhookParams{URL: a.config.WebhookURL, SecretToken: a.config.WebhookSecret}); err != nil {
			cancel()
			return platform.ErrConnection("telegram setWebhook", err)
		}
		a.server = &http.Server{Addr: a.config.ListenAddr, Handler: client.WebhookHandler(), ReadHeaderTimeout: 10 * time.Second}
		a.wg.Add(2)
		go func() {
			defer a.wg.Done()
			client.StartWebhook(runCtx)
		}()
		go func() {
			defer a.wg.Done()
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("webhook server failed", "error", err)
			}
		}()
	default:
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			client.Start(runCtx)
		}()
	}

	a.started = true
	a.logger.Info("telegram adapter started", "mode", a.config.Mode, "username", me.Username)
	return nil
}

// Stop stops receiving updates and waits for the receive loop to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cancel, server := a.cancel, a.server
	a.mu.Unlock()

	cancel()
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			a.logger.Warn("webhook server shutdown", "error", err)
		}
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("telegram adapter stopped")
		return nil
	case <-ctx.Done():
		return platform.NewError(platform.ErrCodeTimeout, "stop timeout", ctx.Err())
	}
}

// BotAccountID returns the bot's numeric user id once started.
func (a *Adapter) BotAccountID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.me == nil {
		return ""
	}
	return strconv.FormatInt(a.me.ID, 10)
}

func (a *Adapter) IsStreamOutputSupported(context.Context) bool {
	return a.config.Stream == nil || *a.config.Stream
}

func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	if update == nil || update.Message == nil || update.Message.From == nil {
		return
	}
	event := a.convertMessage(ctx, update.Message)
	if len(event.Chain) == 0 {
		return
	}
	a.Listeners.Dispatch(ctx, event, a)
}

// convertMessage maps a Telegram message to a platform-neutral event. A
// mention of the bot's username in a group becomes an At component.
func (a *Adapter) convertMessage(ctx context.Context, msg *tgmodels.Message) *models.MessageEvent {
	a.mu.RLock()
	me := a.me
	a.mu.RUnlock()

	event := &models.MessageEvent{
		Kind: models.EventFriendMessage,
		Sender: models.Sender{
			ID:   strconv.FormatInt(msg.From.ID, 10),
			Name: displayName(msg.From),
		},
		Time: time.Unix(int64(msg.Date), 0),
		Raw:  msg,
	}
	if msg.Chat.Type != tgmodels.ChatTypePrivate {
		event.Kind = models.EventGroupMessage
		event.Group = &models.Group{ID: strconv.FormatInt(msg.Chat.ID, 10), Name: msg.Chat.Title}
	}

	var body models.MessageChain
	text := messageText(msg)
	if me != nil && me.Username != "" && event.Kind == models.EventGroupMessage {
		mention := "@" + me.Username
		if strings.Contains(text, mention) {
			body = append(body, models.At{Target: strconv.FormatInt(me.ID, 10), Display: me.Username})
			text = strings.TrimSpace(strings.ReplaceAll(text, mention, ""))
		}
	}
	if text != "" {
		body = append(body, models.Plain{Text: text})
	}
	if n := len(msg.Photo); n > 0 {
		if url, err := a.fileURL(ctx, msg.Photo[n-1].FileID); err != nil {
			a.logger.Warn("failed to resolve photo", "error", err)
		} else {
			body = append(body, models.Image{URL: url})
		}
	}
	if msg.Document != nil {
		body = append(body, models.File{Name: msg.Document.FileName, Size: int64(msg.Document.FileSize)})
	}
	if len(body) == 0 {
		return event
	}

	chain := models.MessageChain{models.Source{ID: strconv.Itoa(msg.ID), Time: event.Time}}
	if reply := msg.ReplyToMessage; reply != nil {
		q := models.Quote{ID: strconv.Itoa(reply.ID), Origin: models.NewTextChain(messageText(reply))}
		if reply.From != nil {
			q.SenderID = strconv.FormatInt(reply.From.ID, 10)
		}
		chain = append(chain, q)
	}
	chain = append(chain, body...)
	event.Chain = chain
	return event
}

func (a *Adapter) fileURL(ctx context.Context, fileID string) (string, error) {
	f, err := a.client.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/file/bot%s/%s", a.config.APIBase, a.config.Token, f.FilePath), nil
}

func messageText(msg *tgmodels.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func displayName(u *tgmodels.User) string {
	if u.Username != "" {
		return u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// ReplyMessage sends the chain's text, then each image.
func (a *Adapter) ReplyMessage(ctx context.Context, event *models.MessageEvent, chain models.MessageChain, quoteOrigin bool) error {
	chatID, msgID, err := target(event)
	if err != nil {
		return err
	}
	if !quoteOrigin {
		msgID = 0
	}
	return a.send(ctx, chatID, msgID, chain)
}

// ReplyMessageChunk sends the first chunk of a response and edits it for later chunks.
func (a *Adapter) ReplyMessageChunk(ctx context.Context, event *models.MessageEvent, botMessage *models.MessageChunk, chain models.MessageChain, quoteOrigin, isFinal bool) error {
	chatID, msgID, err := target(event)
	if err != nil {
		return err
	}
	if !quoteOrigin {
		msgID = 0
	}
	client, err := a.activeClient()
	if err != nil {
		return err
	}
	r := platform.Render(chain)
	err = a.streams.StreamChunk(botMessage.ResponseID, r.Text, isFinal, platform.EditFuncs{
		Send: func(text string) (string, error) {
			sent, err := client.SendMessage(ctx, textParams(chatID, msgID, text))
			if err != nil {
				return "", classify("send message", err)
			}
			return strconv.Itoa(sent.ID), nil
		},
		Edit: func(id, text string) error {
			mid, _ := strconv.Atoi(id)
			_, err := client.EditMessageText(ctx, &bot.EditMessageTextParams{ChatID: chatID, MessageID: mid, Text: text})
			return classify("edit message", err)
		},
	})
	if err != nil {
		return err
	}
	if isFinal {
		for _, img := range r.Images {
			if err := a.sendPhoto(ctx, client, chatID, 0, img); err != nil {
				return err
			}
		}
	}
	return nil
}

// SendMessage posts chain to a chat id.
func (a *Adapter) SendMessage(ctx context.Context, _ models.LauncherType, targetID string, chain models.MessageChain) error {
	chatID, err := strconv.ParseInt(targetID, 10, 64)
	if err != nil {
		return platform.NewError(platform.ErrCodeInvalidInput, "telegram chat id must be numeric", err)
	}
	return a.send(ctx, chatID, 0, chain)
}

func (a *Adapter) send(ctx context.Context, chatID int64, replyTo int, chain models.MessageChain) error {
	client, err := a.activeClient()
	if err != nil {
		return err
	}
	r := platform.Render(chain)
	if strings.TrimSpace(r.Text) != "" {
		if _, err := client.SendMessage(ctx, textParams(chatID, replyTo, r.Text)); err != nil {
			return classify("send message", err)
		}
		replyTo = 0
	}
	for _, img := range r.Images {
		if err := a.sendPhoto(ctx, client, chatID, replyTo, img); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) sendPhoto(ctx context.Context, client BotClient, chatID int64, replyTo int, img models.Image) error {
	params := &bot.SendPhotoParams{ChatID: chatID}
	switch {
	case img.URL != "":
		params.Photo = &tgmodels.InputFileString{Data: img.URL}
	case img.Base64 != "":
		data, err := base64.StdEncoding.DecodeString(img.Base64)
		if err != nil {
			return platform.NewError(platform.ErrCodeInvalidInput, "decode image", err)
		}
		params.Photo = &tgmodels.InputFileUpload{Filename: "image.png", Data: bytes.NewReader(data)}
	default:
		return nil
	}
	if replyTo != 0 {
		params.ReplyParameters = &tgmodels.ReplyParameters{MessageID: replyTo}
	}
	_, err := client.SendPhoto(ctx, params)
	return classify("send photo", err)
}

func (a *Adapter) activeClient() (BotClient, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.client == nil {
		return nil, platform.ErrConnection("telegram adapter not started", nil)
	}
	return a.client, nil
}

func textParams(chatID int64, replyTo int, text string) *bot.SendMessageParams {
	p := &bot.SendMessageParams{ChatID: chatID, Text: text}
	if replyTo != 0 {
		p.ReplyParameters = &tgmodels.ReplyParameters{MessageID: replyTo}
	}
	return p
}

// target extracts the chat and message ids from an inbound event.
func target(event *models.MessageEvent) (int64, int, error) {
	msg, ok := event.Raw.(*tgmodels.Message)
	if !ok || msg == nil {
		return 0, 0, platform.NewError(platform.ErrCodeInvalidInput, "event was not produced by the telegram adapter", nil)
	}
	return msg.Chat.ID, msg.ID, nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "Too Many Requests") || strings.Contains(err.Error(), "429") {
		return platform.NewError(platform.ErrCodeRateLimit, "telegram "+op, err)
	}
	return platform.NewError(platform.ErrCodeConnection, "telegram "+op, err)
}
