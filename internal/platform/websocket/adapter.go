// Package websocket implements the web chat adapter: browsers connect over a
// websocket authenticated with an HS256 JWT whose subject is the user id.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/switchboard/internal/platform"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Kind is the adapter kind used in bot config.
const Kind = "websocket"

const (
	maxPayloadBytes = 1 << 20
	pongWait        = 45 * time.Second
	pingInterval    = 15 * time.Second
	writeWait       = 10 * time.Second
	sendBuffer      = 64
)

// Config holds configuration for the web chat adapter.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
	// JWTSecret signs connection tokens (required).
	JWTSecret string `yaml:"jwt_secret"`
	// Multicast sends replies to every connection of the same session rather
	// than only the one that asked.
	Multicast bool  `yaml:"multicast"`
	Stream    *bool `yaml:"stream"`
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return platform.ErrConfig("jwt_secret is required", nil)
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8765"
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	return nil
}

// Claims are the JWT claims accepted on connect.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs a connection token for userID. A zero ttl never expires.
func IssueToken(secret, userID, name string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	claims := Claims{Name: name, RegisteredClaims: jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// inboundFrame is what clients send.
type inboundFrame struct {
	Type   string   `json:"type"`
	ID     string   `json:"id,omitempty"`
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
	Group  string   `json:"group,omitempty"`
}

// outboundFrame is what the adapter sends.
type outboundFrame struct {
	Type      string              `json:"type"`
	MessageID string              `json:"message_id"`
	ReplyTo   string              `json:"reply_to,omitempty"`
	Chain     models.MessageChain `json:"chain"`
	Seq       int                 `json:"seq,omitempty"`
	Final     bool                `json:"final,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// origin is stored in MessageEvent.Raw.
type origin struct {
	conn    *conn
	frameID string
	session string
}

// Adapter implements platform.Adapter for browser clients.
type Adapter struct {
	config   Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	platform.Listeners

	mu       sync.RWMutex
	sessions map[string]map[*conn]struct{}
	server   *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
}

// New is the platform.Factory for web chat bots.
func New(raw map[string]any, logger *slog.Logger) (platform.Adapter, error) {
	var cfg Config
	if err := platform.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	return NewAdapter(cfg, logger)
}

// NewAdapter creates a web chat adapter.
func NewAdapter(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		config: cfg,
		logger: logger.With("adapter", Kind),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]map[*conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (a *Adapter) Kind() string { return Kind }

func (a *Adapter) RegisterListener(kind models.EventKind, handler platform.MessageHandler) {
	a.Listeners.Set(kind, handler)
}

func (a *Adapter) IsStreamOutputSupported(context.Context) bool {
	return a.config.Stream == nil || *a.config.Stream
}

// Handler returns the HTTP handler that upgrades connections.
func (a *Adapter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(a.config.Path, a.serveWS)
	return mux
}

// Start listens on the configured address.
func (a *Adapter) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return nil
	}
	a.server = &http.Server{Addr: a.config.ListenAddr, Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}
	server := a.server
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("web chat server failed", "error", err)
		}
	}()
	a.logger.Info("web chat adapter started", "addr", a.config.ListenAddr, "path", a.config.Path)
	return nil
}

// Stop closes every connection and the listener.
func (a *Adapter) Stop(ctx context.Context) error {
	a.cancel()
	a.mu.Lock()
	server := a.server
	a.server = nil
	var conns []*conn
	for _, set := range a.sessions {
		for c := range set {
			conns = append(conns, c)
		}
	}
	a.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			return platform.NewError(platform.ErrCodeTimeout, "web chat shutdown", err)
		}
	}
	return nil
}

func (a *Adapter) authenticate(r *http.Request) (*Claims, error) {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(h), "bearer ") {
		token = strings.TrimSpace(h[7:])
	}
	if token == "" {
		return nil, errors.New("missing token")
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return []byte(a.config.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (a *Adapter) serveWS(w http.ResponseWriter, r *http.Request) {
	claims, err := a.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		userID: claims.Subject,
		name:   claims.Name,
		group:  r.URL.Query().Get("group"),
		done:   make(chan struct{}),
	}
	key := c.sessionKey()
	a.join(key, c)
	defer a.leave(key, c)
	a.logger.Debug("client connected", "user", c.userID, "session", key)

	go c.writeLoop()
	a.readLoop(c)
}

func (a *Adapter) join(key string, c *conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.sessions[key]
	if !ok {
		set = make(map[*conn]struct{})
		a.sessions[key] = set
	}
	set[c] = struct{}{}
}

func (a *Adapter) leave(key string, c *conn) {
	a.mu.Lock()
	if set, ok := a.sessions[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(a.sessions, key)
		}
	}
	a.mu.Unlock()
	c.close()
}

func (a *Adapter) readLoop(c *conn) {
	c.ws.SetReadLimit(maxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueue(outboundFrame{Type: "error", Error: "invalid frame"})
			continue
		}
		if frame.Type != "" && frame.Type != "message" {
			c.enqueue(outboundFrame{Type: "error", ReplyTo: frame.ID, Error: fmt.Sprintf("unsupported frame type %q", frame.Type)})
			continue
		}
		event := a.convertFrame(c, frame)
		if len(event.Chain) == 0 {
			continue
		}
		a.Listeners.Dispatch(a.ctx, event, a)
	}
}

func (a *Adapter) convertFrame(c *conn, frame inboundFrame) *models.MessageEvent {
	if frame.ID == "" {
		frame.ID = uuid.NewString()
	}
	now := time.Now()
	event := &models.MessageEvent{
		Kind:   models.EventFriendMessage,
		Sender: models.Sender{ID: c.userID, Name: c.name},
		Time:   now,
		Raw:    &origin{conn: c, frameID: frame.ID, session: c.sessionKey()},
	}
	if c.group != "" {
		event.Kind = models.EventGroupMessage
		event.Group = &models.Group{ID: c.group}
	}
	var body models.MessageChain
	if text := strings.TrimSpace(frame.Text); text != "" {
		body = append(body, models.Plain{Text: text})
	}
	for _, img := range frame.Images {
		if strings.HasPrefix(img, "data:") {
			if _, payload, ok := strings.Cut(img, ","); ok {
				body = append(body, models.Image{Base64: payload})
			}
			continue
		}
		body = append(body, models.Image{URL: img})
	}
	if len(body) > 0 {
		event.Chain = append(models.MessageChain{models.Source{ID: frame.ID, Time: now}}, body...)
	}
	return event
}

// ReplyMessage sends a complete reply.
func (a *Adapter) ReplyMessage(_ context.Context, event *models.MessageEvent, chain models.MessageChain, quoteOrigin bool) error {
	o, err := originOf(event)
	if err != nil {
		return err
	}
	frame := outboundFrame{Type: "reply", MessageID: uuid.NewString(), Chain: chain}
	if quoteOrigin {
		frame.ReplyTo = o.frameID
	}
	return a.deliver(o, frame)
}

// ReplyMessageChunk sends one streamed chunk; clients replace the message with
// the same message_id.
func (a *Adapter) ReplyMessageChunk(_ context.Context, event *models.MessageEvent, botMessage *models.MessageChunk, chain models.MessageChain, quoteOrigin, isFinal bool) error {
	o, err := originOf(event)
	if err != nil {
		return err
	}
	frame := outboundFrame{Type: "chunk", MessageID: botMessage.ResponseID, Chain: chain, Seq: botMessage.MsgSequence, Final: isFinal}
	if quoteOrigin {
		frame.ReplyTo = o.frameID
	}
	return a.deliver(o, frame)
}

// SendMessage pushes chain to every connection of the session identified by
// targetType and targetID.
func (a *Adapter) SendMessage(_ context.Context, targetType models.LauncherType, targetID string, chain models.MessageChain) error {
	key := sessionKey(targetType, targetID)
	conns := a.connections(key)
	if len(conns) == 0 {
		return platform.NewError(platform.ErrCodeInvalidInput, "no connection for "+key, nil)
	}
	frame := outboundFrame{Type: "reply", MessageID: uuid.NewString(), Chain: chain}
	for _, c := range conns {
		c.enqueue(frame)
	}
	return nil
}

func (a *Adapter) deliver(o *origin, frame outboundFrame) error {
	if !a.config.Multicast {
		if !o.conn.enqueue(frame) {
			return platform.ErrConnection("client disconnected", nil)
		}
		return nil
	}
	conns := a.connections(o.session)
	if len(conns) == 0 {
		return platform.ErrConnection("client disconnected", nil)
	}
	for _, c := range conns {
		c.enqueue(frame)
	}
	return nil
}

func (a *Adapter) connections(key string) []*conn {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*conn, 0, len(a.sessions[key]))
	for c := range a.sessions[key] {
		out = append(out, c)
	}
	return out
}

// ConnectionCount returns the number of open connections.
func (a *Adapter) ConnectionCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, set := range a.sessions {
		n += len(set)
	}
	return n
}

func originOf(event *models.MessageEvent) (*origin, error) {
	o, ok := event.Raw.(*origin)
	if !ok || o == nil {
		return nil, platform.NewError(platform.ErrCodeInvalidInput, "event was not produced by the web chat adapter", nil)
	}
	return o, nil
}

func sessionKey(t models.LauncherType, id string) string {
	return string(t) + "_" + id
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	userID string
	name   string
	group  string

	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) sessionKey() string {
	if c.group != "" {
		return sessionKey(models.LauncherGroup, c.group)
	}
	return sessionKey(models.LauncherPerson, c.userID)
}

// enqueue queues a frame without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *conn) enqueue(frame outboundFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
