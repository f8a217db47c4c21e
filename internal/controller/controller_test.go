package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/internal/pipeline"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/pkg/models"
)

type span struct {
	id         int64
	session    string
	start, end time.Time
}

// recordingDispatcher tracks concurrency per session and globally.
type recordingDispatcher struct {
	delay   time.Duration
	missing map[string]bool
	block   map[string]chan struct{}

	mu         sync.Mutex
	active     int
	maxActive  int
	perSession map[string]int
	maxSession int
	spans      []span
	done       chan int64
}

func newRecordingDispatcher(delay time.Duration) *recordingDispatcher {
	return &recordingDispatcher{
		delay:      delay,
		perSession: make(map[string]int),
		done:       make(chan int64, 128),
	}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, q *query.Query) error {
	defer func() { d.done <- q.ID }()
	if d.missing[q.PipelineUUID] {
		return &pipeline.PipelineMissingError{UUID: q.PipelineUUID}
	}

	sid := q.SessionID()
	d.mu.Lock()
	d.active++
	d.perSession[sid]++
	d.maxActive = max(d.maxActive, d.active)
	d.maxSession = max(d.maxSession, d.perSession[sid])
	d.mu.Unlock()

	start := time.Now()
	if ch, ok := d.block[sid]; ok {
		<-ch
	}
	time.Sleep(d.delay)
	end := time.Now()

	d.mu.Lock()
	d.active--
	d.perSession[sid]--
	d.spans = append(d.spans, span{id: q.ID, session: sid, start: start, end: end})
	d.mu.Unlock()
	return nil
}

func (d *recordingDispatcher) waitFor(t *testing.T, n int) []int64 {
	t.Helper()
	var ids []int64
	timeout := time.After(10 * time.Second)
	for len(ids) < n {
		select {
		case id := <-d.done:
			ids = append(ids, id)
		case <-timeout:
			t.Fatalf("expected %d dispatches, got %d", n, len(ids))
		}
	}
	return ids
}

func admit(pool *query.Pool, pipelineUUID, launcherID string) *query.Query {
	return pool.AddQuery(query.Inbound{
		BotUUID:      "bot",
		PipelineUUID: pipelineUUID,
		LauncherType: models.LauncherPerson,
		LauncherID:   launcherID,
		SenderID:     launcherID,
		Chain:        models.NewTextChain("hi"),
	})
}

func start(t *testing.T, d Dispatcher, pipelineWidth int) (*query.Pool, *sessions.Registry, func()) {
	t.Helper()
	pool := query.NewPool(nil)
	registry := sessions.NewRegistry(sessions.RegistryConfig{GateWidth: 1})
	c := New(Config{Pool: pool, Sessions: registry, Dispatcher: d, PipelineWidth: pipelineWidth})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(stopped)
	}()
	return pool, registry, func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Fatal("controller did not stop")
		}
	}
}

func TestSessionQueriesNeverOverlap(t *testing.T) {
	d := newRecordingDispatcher(10 * time.Millisecond)
	pool, _, stop := start(t, d, 8)
	defer stop()

	for i := 0; i < 6; i++ {
		admit(pool, "pipe", "alice")
		admit(pool, "pipe", "bob")
	}
	d.waitFor(t, 12)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.maxSession != 1 {
		t.Errorf("expected at most one run per session, got %d", d.maxSession)
	}
	if d.maxActive < 2 {
		t.Errorf("expected different sessions to run concurrently, max active %d", d.maxActive)
	}

	bySession := map[string][]span{}
	for _, s := range d.spans {
		bySession[s.session] = append(bySession[s.session], s)
	}
	for sid, spans := range bySession {
		for i := 1; i < len(spans); i++ {
			if spans[i].id < spans[i-1].id {
				t.Errorf("session %s ran out of admission order", sid)
			}
		}
	}
}

func TestGlobalCeiling(t *testing.T) {
	d := newRecordingDispatcher(20 * time.Millisecond)
	pool, _, stop := start(t, d, 3)
	defer stop()

	for i := 0; i < 12; i++ {
		admit(pool, "pipe", string(rune('a'+i)))
	}
	d.waitFor(t, 12)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.maxActive > 3 {
		t.Errorf("expected at most 3 concurrent runs, got %d", d.maxActive)
	}
	if d.maxActive < 2 {
		t.Errorf("expected runs to overlap, max active %d", d.maxActive)
	}
}

func TestSessionSerialisationTiming(t *testing.T) {
	d := newRecordingDispatcher(500 * time.Millisecond)
	pool, _, stop := start(t, d, 4)
	defer stop()

	began := time.Now()
	admit(pool, "pipe", "42")
	time.Sleep(time.Millisecond)
	admit(pool, "pipe", "42")
	d.waitFor(t, 2)
	elapsed := time.Since(began)

	if elapsed < time.Second {
		t.Errorf("expected at least 1s elapsed, got %s", elapsed)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.spans) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(d.spans))
	}
	if d.spans[1].start.Before(d.spans[0].end) {
		t.Error("expected the second query to start after the first finished")
	}
}

func TestBusySessionDoesNotBlockOthers(t *testing.T) {
	d := newRecordingDispatcher(0)
	release := make(chan struct{})
	d.block = map[string]chan struct{}{"bot:person:busy": release}
	pool, _, stop := start(t, d, 4)
	defer stop()

	admit(pool, "pipe", "busy")
	admit(pool, "pipe", "busy")
	free := admit(pool, "pipe", "free")

	ids := d.waitFor(t, 1)
	if ids[0] != free.ID {
		t.Errorf("expected query %d to run while the busy session is held, got %d", free.ID, ids[0])
	}
	close(release)
	d.waitFor(t, 2)
}

func TestMissingPipelineReleasesGate(t *testing.T) {
	d := newRecordingDispatcher(0)
	d.missing = map[string]bool{"gone": true}
	pool, registry, stop := start(t, d, 2)
	defer stop()

	admit(pool, "gone", "42")
	admit(pool, "pipe", "42")
	d.waitFor(t, 2)

	deadline := time.Now().Add(2 * time.Second)
	for pool.Cached() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := pool.Cached(); n != 0 {
		t.Errorf("expected cache drained, got %d", n)
	}
	s, ok := registry.Lookup(sessions.Key("bot", models.LauncherPerson, "42"))
	if !ok {
		t.Fatal("expected session to exist")
	}
	deadline = time.Now().Add(2 * time.Second)
	for !s.TryAcquire() {
		if time.Now().After(deadline) {
			t.Fatal("expected session gate released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Release()
}

func TestRunWaitsForWorkers(t *testing.T) {
	d := newRecordingDispatcher(100 * time.Millisecond)
	pool := query.NewPool(nil)
	c := New(Config{Pool: pool, Sessions: sessions.NewRegistry(sessions.RegistryConfig{}), Dispatcher: d})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(stopped)
	}()
	admit(pool, "pipe", "1")
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-stopped

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.spans) != 1 {
		t.Errorf("expected the in-flight query to finish before Run returned, got %d", len(d.spans))
	}
}
