package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"ladderflow/config"
	"ladderflow/models"
	"ladderflow/sink"
)

func testConfig() *config.Config {
	return &config.Config{
		Session: config.SessionConfig{
			ConflateMs:        50,
			HeartbeatInterval: time.Second,
			HeartbeatTimeouts: 2,
			PendingBuffer:     4,
			Retry: config.RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         time.Millisecond,
				MaxDelay:          2 * time.Millisecond,
				BackoffMultiplier: 2,
			},
		},
		Stream: config.StreamConfig{
			AppKey:     "test-app-key",
			FullLadder: true,
		},
	}
}

func frame(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return b
}

func connectionFrame(t *testing.T) []byte {
	return frame(t, models.ConnectionMessage{Op: models.OpConnection, ConnectionID: "c-1"})
}

func changeFrame(t *testing.T, seq int64, image bool, change models.MarketChange) []byte {
	msg := models.MarketChangeMessage{
		Op:          models.OpMarketChange,
		Seq:         seq,
		PublishTime: seq * 1000,
		Changes:     []models.MarketChange{change},
	}
	if image {
		msg.ChangeType = models.ChangeTypeImage
		msg.Changes[0].Image = true
	}
	return frame(t, msg)
}

func closedChange(marketID string) models.MarketChange {
	return models.MarketChange{
		MarketID:         marketID,
		MarketDefinition: &models.MarketDefinition{Status: models.MarketClosed},
	}
}

// scriptedTransport replays canned frames and then fails the receive.
type scriptedTransport struct {
	frames  chan []byte
	recvErr error

	mu   sync.Mutex
	sent []interface{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newScriptedTransport(recvErr error, frames ...[]byte) *scriptedTransport {
	ch := make(chan []byte, len(frames))
	for _, f := range frames {
		ch <- f
	}
	close(ch)
	if recvErr == nil {
		recvErr = io.ErrUnexpectedEOF
	}
	return &scriptedTransport{frames: ch, recvErr: recvErr, closed: make(chan struct{})}
}

func (t *scriptedTransport) Send(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, v)
	return nil
}

func (t *scriptedTransport) Receive() ([]byte, error) {
	select {
	case f, ok := <-t.frames:
		if !ok {
			return nil, t.recvErr
		}
		return f, nil
	case <-t.closed:
		return nil, errors.New("transport closed")
	}
}

func (t *scriptedTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *scriptedTransport) sentMessages() []interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]interface{}(nil), t.sent...)
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*scriptedTransport
	dials      int
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials >= len(d.transports) {
		return nil, errors.New("no transport scripted")
	}
	tr := d.transports[d.dials]
	d.dials++
	return tr, nil
}

type fakeAuth struct {
	err   error
	calls int
}

func (a *fakeAuth) Authenticate(ctx context.Context) (string, error) {
	a.calls++
	if a.err != nil {
		return "", a.err
	}
	return "session-token", nil
}

type memSink struct {
	mu        sync.Mutex
	records   []models.StateTransitionRecord
	appendErr error
}

func (m *memSink) Append(_ context.Context, rec models.StateTransitionRecord) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memSink) Flush() error { return nil }
func (m *memSink) Close() error { return nil }

func (m *memSink) all() []models.StateTransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.StateTransitionRecord(nil), m.records...)
}

func runSession(t *testing.T, s *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx)
	if ctx.Err() != nil {
		t.Fatalf("session did not finish before test deadline")
	}
	return err
}

func TestSessionRecordsUntilMarketCloses(t *testing.T) {
	tr := newScriptedTransport(nil,
		connectionFrame(t),
		changeFrame(t, 1, true, models.MarketChange{
			MarketID:      "1.234",
			RunnerChanges: []models.RunnerChange{{ID: 1, AvailableToBack: [][]float64{{2.0, 100}}}},
		}),
		changeFrame(t, 2, false, models.MarketChange{
			MarketID:      "1.234",
			RunnerChanges: []models.RunnerChange{{ID: 1, AvailableToBack: [][]float64{{1.98, 40}}}},
		}),
		changeFrame(t, 3, false, closedChange("1.234")),
	)
	snk := &memSink{}
	s := NewSession(testConfig(), "1.234", &fakeAuth{}, &fakeDialer{transports: []*scriptedTransport{tr}}, snk)

	if err := runSession(t, s); err != nil {
		t.Fatalf("run: %v", err)
	}

	recs := snk.all()
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[0].Kind != models.PayloadImage || recs[1].Kind != models.PayloadDelta {
		t.Fatalf("record kinds wrong: %+v", recs)
	}
	if s.State() != Terminated {
		t.Fatalf("final state = %s, want terminated", s.State())
	}

	sent := tr.sentMessages()
	if len(sent) != 2 {
		t.Fatalf("handshake sent %d messages, want 2", len(sent))
	}
	auth, ok := sent[0].(models.AuthenticationMessage)
	if !ok || auth.AppKey != "test-app-key" || auth.Session != "session-token" {
		t.Fatalf("authentication message wrong: %+v", sent[0])
	}
	sub, ok := sent[1].(models.MarketSubscriptionMessage)
	if !ok || len(sub.MarketFilter.MarketIDs) != 1 || sub.MarketFilter.MarketIDs[0] != "1.234" {
		t.Fatalf("subscription message wrong: %+v", sent[1])
	}
	if sub.ConflateMs != 50 {
		t.Fatalf("conflate = %d, want 50", sub.ConflateMs)
	}
	var hasAllOffers bool
	for _, f := range sub.MarketDataFilter.Fields {
		if f == models.FieldAllOffers {
			hasAllOffers = true
		}
	}
	if !hasAllOffers {
		t.Fatalf("full ladder subscription missing %s: %+v", models.FieldAllOffers, sub.MarketDataFilter.Fields)
	}
}

func TestSessionReconnectsAndAcceptsFreshImage(t *testing.T) {
	first := newScriptedTransport(io.ErrUnexpectedEOF,
		connectionFrame(t),
		changeFrame(t, 1, true, models.MarketChange{
			MarketID:      "1.234",
			RunnerChanges: []models.RunnerChange{{ID: 1, AvailableToBack: [][]float64{{2.0, 100}}}},
		}),
	)
	second := newScriptedTransport(nil,
		connectionFrame(t),
		changeFrame(t, 5, true, models.MarketChange{
			MarketID:      "1.234",
			RunnerChanges: []models.RunnerChange{{ID: 1, AvailableToBack: [][]float64{{2.02, 60}}}},
		}),
		changeFrame(t, 6, false, closedChange("1.234")),
	)
	snk := &memSink{}
	s := NewSession(testConfig(), "1.234", &fakeAuth{}, &fakeDialer{transports: []*scriptedTransport{first, second}}, snk)

	if err := runSession(t, s); err != nil {
		t.Fatalf("run: %v", err)
	}

	recs := snk.all()
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[1].Seq != 5 || recs[1].Kind != models.PayloadImage {
		t.Fatalf("post-reconnect record wrong: %+v", recs[1])
	}
	if got := s.Snapshot().Reconnects; got != 1 {
		t.Fatalf("reconnects = %d, want 1", got)
	}
}

func TestSessionDiscardsDuplicatesSilently(t *testing.T) {
	tr := newScriptedTransport(nil,
		connectionFrame(t),
		changeFrame(t, 2, true, models.MarketChange{
			MarketID:      "1.234",
			RunnerChanges: []models.RunnerChange{{ID: 1, AvailableToBack: [][]float64{{2.0, 100}}}},
		}),
		changeFrame(t, 2, false, models.MarketChange{
			MarketID:      "1.234",
			RunnerChanges: []models.RunnerChange{{ID: 1, AvailableToBack: [][]float64{{2.0, 999}}}},
		}),
		changeFrame(t, 3, false, closedChange("1.234")),
	)
	snk := &memSink{}
	s := NewSession(testConfig(), "1.234", &fakeAuth{}, &fakeDialer{transports: []*scriptedTransport{tr}}, snk)

	if err := runSession(t, s); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := len(snk.all()); got != 2 {
		t.Fatalf("got %d records, want 2 (duplicate must not be persisted)", got)
	}
	snap := s.Snapshot()
	if snap.Duplicates != 1 {
		t.Fatalf("duplicates = %d, want 1", snap.Duplicates)
	}
	if snap.ProtocolErrors != 0 {
		t.Fatalf("duplicate was counted as protocol error")
	}
}

func TestSessionBuffersDeltasBeforeImage(t *testing.T) {
	tr := newScriptedTransport(nil,
		connectionFrame(t),
		// Delta outruns the image; it must be buffered, not dropped.
		changeFrame(t, 3, false, models.MarketChange{
			MarketID:      "1.234",
			RunnerChanges: []models.RunnerChange{{ID: 1, AvailableToLay: [][]float64{{2.04, 30}}}},
		}),
		changeFrame(t, 2, true, models.MarketChange{
			MarketID:      "1.234",
			RunnerChanges: []models.RunnerChange{{ID: 1, AvailableToBack: [][]float64{{2.0, 100}}}},
		}),
		changeFrame(t, 4, false, closedChange("1.234")),
	)
	snk := &memSink{}
	s := NewSession(testConfig(), "1.234", &fakeAuth{}, &fakeDialer{transports: []*scriptedTransport{tr}}, snk)

	if err := runSession(t, s); err != nil {
		t.Fatalf("run: %v", err)
	}

	recs := snk.all()
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3 (image, drained delta, close)", len(recs))
	}
	if recs[0].Seq != 2 || recs[1].Seq != 3 || recs[2].Seq != 4 {
		t.Fatalf("record sequence wrong: %d, %d, %d", recs[0].Seq, recs[1].Seq, recs[2].Seq)
	}
	if s.Snapshot().PendingDeltas != 0 {
		t.Fatalf("pending buffer not drained")
	}
}

func TestSessionSinkFailureIsFatal(t *testing.T) {
	tr := newScriptedTransport(nil,
		connectionFrame(t),
		changeFrame(t, 1, true, models.MarketChange{
			MarketID:      "1.234",
			RunnerChanges: []models.RunnerChange{{ID: 1}},
		}),
	)
	snk := &memSink{appendErr: &sink.SinkError{Op: "append", Err: io.ErrClosedPipe}}
	s := NewSession(testConfig(), "1.234", &fakeAuth{}, &fakeDialer{transports: []*scriptedTransport{tr}}, snk)

	err := runSession(t, s)
	var se *sink.SinkError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want *sink.SinkError", err)
	}
}

func TestSessionAuthBudgetExhausted(t *testing.T) {
	auth := &fakeAuth{err: errors.New("login rejected")}
	s := NewSession(testConfig(), "1.234", auth, &fakeDialer{}, &memSink{})

	err := runSession(t, s)
	if err == nil {
		t.Fatalf("expected error after auth budget exhausted")
	}
	if auth.calls != 3 {
		t.Fatalf("auth attempts = %d, want 3", auth.calls)
	}
}

func TestSessionStopsWhenMarketTurnsInPlay(t *testing.T) {
	inPlay := true
	frames := [][]byte{
		connectionFrame(t),
		changeFrame(t, 1, true, models.MarketChange{
			MarketID:      "1.234",
			RunnerChanges: []models.RunnerChange{{ID: 1, AvailableToBack: [][]float64{{2.0, 100}}}},
		}),
		changeFrame(t, 2, false, models.MarketChange{
			MarketID:         "1.234",
			MarketDefinition: &models.MarketDefinition{InPlay: &inPlay},
		}),
		changeFrame(t, 3, false, closedChange("1.234")),
	}

	snk := &memSink{}
	s := NewSession(testConfig(), "1.234", &fakeAuth{},
		&fakeDialer{transports: []*scriptedTransport{newScriptedTransport(nil, frames...)}}, snk)
	if err := runSession(t, s); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := len(snk.all()); got != 2 {
		t.Fatalf("got %d records, want 2 (stop on in-play)", got)
	}

	// With in-play streaming enabled the session records through to close.
	snk2 := &memSink{}
	s2 := NewSession(testConfig(), "1.234", &fakeAuth{},
		&fakeDialer{transports: []*scriptedTransport{newScriptedTransport(nil, frames...)}}, snk2,
		WithInPlay(true))
	if err := runSession(t, s2); err != nil {
		t.Fatalf("run with in-play: %v", err)
	}
	if got := len(snk2.all()); got != 3 {
		t.Fatalf("got %d records, want 3", got)
	}
}

func TestSessionCancelStopsCleanly(t *testing.T) {
	// A transport that never yields frames after the handshake.
	tr := newScriptedTransport(nil, connectionFrame(t))
	block := make(chan []byte)
	tr.frames = block

	snk := &memSink{}
	s := NewSession(testConfig(), "1.234", &fakeAuth{}, &fakeDialer{transports: []*scriptedTransport{tr}}, snk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	block <- connectionFrame(t)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not stop after cancellation")
	}
}
