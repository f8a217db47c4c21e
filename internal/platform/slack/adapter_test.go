package slack

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/switchboard/internal/platform"
	"github.com/haasonsaas/switchboard/pkg/models"
)

type mockAPI struct {
	mu      sync.Mutex
	posts   []string
	updates []string
	uploads []slack.UploadFileV2Parameters
}

func (m *mockAPI) AuthTestContext(context.Context) (*slack.AuthTestResponse, error) {
	return &slack.AuthTestResponse{UserID: "UBOT", Team: "T"}, nil
}

func (m *mockAPI) PostMessageContext(_ context.Context, channel string, _ ...slack.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts = append(m.posts, channel)
	return channel, "1700000000.0001", nil
}

func (m *mockAPI) UpdateMessageContext(_ context.Context, channel, ts string, _ ...slack.MsgOption) (string, string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, channel+"/"+ts)
	return channel, ts, "", nil
}

func (m *mockAPI) UploadFileV2Context(_ context.Context, p slack.UploadFileV2Parameters) (*slack.FileSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, p)
	return &slack.FileSummary{ID: "F1"}, nil
}

type mockSocket struct {
	events chan socketmode.Event
	mu     sync.Mutex
	acks   int
}

func (m *mockSocket) RunContext(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (m *mockSocket) Ack(socketmode.Request, ...interface{}) {
	m.mu.Lock()
	m.acks++
	m.mu.Unlock()
}

func (m *mockSocket) Events() <-chan socketmode.Event { return m.events }

func startedAdapter(t *testing.T) (*Adapter, *mockAPI, *mockSocket) {
	t.Helper()
	api := &mockAPI{}
	sock := &mockSocket{events: make(chan socketmode.Event, 8)}
	a, err := NewAdapter(Config{BotToken: "xoxb", AppToken: "xapp", Stream: true}, nil, func(Config) (APIClient, SocketClient) {
		return api, sock
	})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a, api, sock
}

func TestConfigValidate(t *testing.T) {
	if _, err := New(map[string]any{"bot_token": "xoxb"}, nil); err == nil {
		t.Error("expected error without app token")
	}
	if _, err := New(map[string]any{"bot_token": "xoxb", "app_token": "xapp"}, nil); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestConvertMessage(t *testing.T) {
	a, _, _ := startedAdapter(t)
	tests := []struct {
		name     string
		msg      *slackevents.MessageEvent
		wantNil  bool
		wantKind models.EventKind
		wantAt   bool
		wantText string
	}{
		{
			name:     "direct message",
			msg:      &slackevents.MessageEvent{User: "U1", Text: "hi", Channel: "D1", ChannelType: "im", TimeStamp: "1700000000.000100"},
			wantKind: models.EventFriendMessage,
			wantText: "hi",
		},
		{
			name:     "channel mention",
			msg:      &slackevents.MessageEvent{User: "U1", Text: "<@UBOT> ping <@U2>", Channel: "C1", ChannelType: "channel", TimeStamp: "1700000000.000200"},
			wantKind: models.EventGroupMessage,
			wantAt:   true,
			wantText: "ping @U2",
		},
		{
			name:    "bot message",
			msg:     &slackevents.MessageEvent{BotID: "B1", User: "U1", Text: "x", ChannelType: "im"},
			wantNil: true,
		},
		{
			name:    "edit",
			msg:     &slackevents.MessageEvent{User: "U1", SubType: "message_changed", Text: "x", ChannelType: "im"},
			wantNil: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := a.convertMessage(tt.msg)
			if tt.wantNil {
				if ev != nil {
					t.Errorf("expected nil, got %+v", ev)
				}
				return
			}
			if ev.Kind != tt.wantKind {
				t.Errorf("expected kind %q, got %q", tt.wantKind, ev.Kind)
			}
			if got := ev.Chain.Has(models.ComponentAt); got != tt.wantAt {
				t.Errorf("expected At %v, got %v", tt.wantAt, got)
			}
			if got := ev.Chain.Text(); got != tt.wantText {
				t.Errorf("expected text %q, got %q", tt.wantText, got)
			}
		})
	}
}

func TestEventsAreAckedAndDispatched(t *testing.T) {
	a, _, sock := startedAdapter(t)
	got := make(chan *models.MessageEvent, 1)
	a.RegisterListener(models.EventGroupMessage, func(_ context.Context, ev *models.MessageEvent, _ platform.Adapter) {
		got <- ev
	})
	sock.events <- socketmode.Event{
		Type:    socketmode.EventTypeEventsAPI,
		Request: &socketmode.Request{EnvelopeID: "e1"},
		Data: slackevents.EventsAPIEvent{
			Type: slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{
				Data: &slackevents.MessageEvent{User: "U1", Text: "hello", Channel: "C1", ChannelType: "channel", TimeStamp: "1.2"},
			},
		},
	}
	select {
	case ev := <-got:
		if ev.Group == nil || ev.Group.ID != "C1" {
			t.Errorf("expected group C1, got %+v", ev.Group)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected dispatched event")
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.acks != 1 {
		t.Errorf("expected 1 ack, got %d", sock.acks)
	}
}

func TestReplyAndStream(t *testing.T) {
	a, api, _ := startedAdapter(t)
	event := &models.MessageEvent{Raw: &slackevents.MessageEvent{Channel: "C1", TimeStamp: "1.2"}}

	chain := models.MessageChain{models.Plain{Text: "hi"}, models.Image{Base64: "aGVsbG8="}}
	if err := a.ReplyMessage(context.Background(), event, chain, true); err != nil {
		t.Fatalf("ReplyMessage: %v", err)
	}
	if len(api.posts) != 1 || len(api.uploads) != 1 {
		t.Fatalf("expected 1 post and 1 upload, got %d and %d", len(api.posts), len(api.uploads))
	}
	if api.uploads[0].ThreadTimestamp != "1.2" {
		t.Errorf("expected upload in thread 1.2, got %q", api.uploads[0].ThreadTimestamp)
	}

	for i, text := range []string{"a", "ab"} {
		final := i == 1
		chunk := &models.MessageChunk{ResponseID: "r", IsFinal: final}
		if err := a.ReplyMessageChunk(context.Background(), event, chunk, models.NewTextChain(text), false, final); err != nil {
			t.Fatalf("chunk: %v", err)
		}
	}
	if len(api.posts) != 2 || len(api.updates) != 1 {
		t.Errorf("expected stream to post once and update once, got %d posts %d updates", len(api.posts), len(api.updates))
	}
}

func TestParseTS(t *testing.T) {
	got := parseTS("1700000000.000100")
	if got.Unix() != 1700000000 || got.Nanosecond() != 100000 {
		t.Errorf("unexpected time %v", got)
	}
	if !parseTS("bogus").IsZero() {
		t.Error("expected zero time for invalid ts")
	}
}
