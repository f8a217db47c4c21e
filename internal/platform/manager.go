package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Bot is one running adapter bound to a pipeline.
type Bot struct {
	UUID         string
	Name         string
	PipelineUUID string
	Adapter      Adapter
}

// InboundFunc receives every message an adapter delivers, with the resolved launcher id.
type InboundFunc func(ctx context.Context, bot *Bot, event *models.MessageEvent, launcherID string)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Registry  *Registry
	OnMessage InboundFunc
	Logger    *slog.Logger
}

// Manager owns the bots built from configuration.
type Manager struct {
	registry  *Registry
	onMessage InboundFunc
	logger    *slog.Logger

	mu   sync.RWMutex
	bots map[string]*Bot
}

// NewManager creates a bot manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	return &Manager{
		registry:  cfg.Registry,
		onMessage: cfg.OnMessage,
		logger:    cfg.Logger.With("component", "bots"),
		bots:      make(map[string]*Bot),
	}
}

// Load builds an adapter for every enabled bot. Bots naming an unknown
// adapter kind are skipped with a warning; other build failures are returned
// together after the remaining bots are loaded.
func (m *Manager) Load(bots []config.BotConfig) error {
	var errs []error
	for _, bc := range bots {
		if !bc.IsEnabled() {
			m.logger.Info("bot disabled", "bot", bc.UUID)
			continue
		}
		adapter, err := m.registry.New(bc.Adapter, bc.Config, m.logger.With("bot", bc.UUID))
		if err != nil {
			var notFound *AdapterNotFoundError
			if errors.As(err, &notFound) {
				m.logger.Warn("skipping bot with unknown adapter", "bot", bc.UUID, "adapter", bc.Adapter)
				continue
			}
			errs = append(errs, fmt.Errorf("bot %s: %w", bc.UUID, err))
			continue
		}
		m.Add(&Bot{UUID: bc.UUID, Name: bc.Name, PipelineUUID: bc.PipelineUUID, Adapter: adapter})
	}
	return errors.Join(errs...)
}

// Add registers a built bot and wires its listeners.
func (m *Manager) Add(bot *Bot) {
	handler := func(ctx context.Context, event *models.MessageEvent, _ Adapter) {
		if m.onMessage == nil {
			return
		}
		m.onMessage(ctx, bot, event, LauncherID(bot.Adapter, event))
	}
	bot.Adapter.RegisterListener(models.EventFriendMessage, handler)
	bot.Adapter.RegisterListener(models.EventGroupMessage, handler)

	m.mu.Lock()
	m.bots[bot.UUID] = bot
	m.mu.Unlock()
}

// Get returns the bot with the given uuid.
func (m *Manager) Get(uuid string) (*Bot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[uuid]
	return b, ok
}

// List returns all bots sorted by uuid.
func (m *Manager) List() []*Bot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Bot, 0, len(m.bots))
	for _, b := range m.bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// Start starts every adapter concurrently. A failing adapter does not stop
// the others; all failures are returned joined.
func (m *Manager) Start(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, bot := range m.List() {
		g.Go(func() error {
			if err := bot.Adapter.Start(ctx); err != nil {
				m.logger.Error("bot failed to start", "bot", bot.UUID, "adapter", bot.Adapter.Kind(), "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("start bot %s: %w", bot.UUID, err))
				mu.Unlock()
				return nil
			}
			m.logger.Info("bot started", "bot", bot.UUID, "adapter", bot.Adapter.Kind())
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Stop stops every adapter.
func (m *Manager) Stop(ctx context.Context) error {
	var g errgroup.Group
	for _, bot := range m.List() {
		g.Go(func() error {
			if err := bot.Adapter.Stop(ctx); err != nil {
				return fmt.Errorf("stop bot %s: %w", bot.UUID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
