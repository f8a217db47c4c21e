package telegram

import (
	"context"
	"net/http"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// BotClient is the subset of *bot.Bot the adapter uses, so tests can mock it.
type BotClient interface {
	GetMe(ctx context.Context) (*tgmodels.User, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*tgmodels.File, error)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*tgmodels.Message, error)
	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*tgmodels.Message, error)
	SetWebhook(ctx context.Context, params *bot.SetWebhookParams) (bool, error)
	WebhookHandler() http.HandlerFunc
	Start(ctx context.Context)
	StartWebhook(ctx context.Context)
}

// ClientFactory builds a BotClient whose updates go to handler.
type ClientFactory func(token string, handler bot.HandlerFunc, secret string) (BotClient, error)

func newBotClient(token string, handler bot.HandlerFunc, secret string) (BotClient, error) {
	opts := []bot.Option{bot.WithDefaultHandler(handler)}
	if secret != "" {
		opts = append(opts, bot.WithWebhookSecretToken(secret))
	}
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, err
	}
	return b, nil
}
