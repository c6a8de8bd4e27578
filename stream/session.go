// Package stream runs one logical market subscription: authenticate, dial,
// subscribe, merge the inbound image/delta sequence into the owned ladder
// state and append a record per accepted message. Connection loss is a state
// transition, not an error path: the session reconnects with backoff and the
// fresh image sent on resubscription self-heals any gap.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"ladderflow/config"
	"ladderflow/ladder"
	"ladderflow/logger"
	"ladderflow/models"
	"ladderflow/sink"
)

// State is the session lifecycle state.
type State int32

const (
	Disconnected State = iota
	Authenticating
	Subscribing
	Streaming
	Reconnecting
	Terminated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Authenticating:
		return "authenticating"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Authenticator yields a session token. Implementations may block; they must
// observe ctx.
type Authenticator interface {
	Authenticate(ctx context.Context) (string, error)
}

// Transport is an ordered, reliable frame stream to the exchange.
type Transport interface {
	Send(v interface{}) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens a transport using a session token.
type Dialer interface {
	Dial(ctx context.Context, sessionToken string) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, sessionToken string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, sessionToken string) (Transport, error) {
	return f(ctx, sessionToken)
}

// errMarketComplete stops the session cleanly when the market closes or
// turns in-play while in-play streaming is disabled.
var errMarketComplete = errors.New("market complete")

// Status is a point-in-time snapshot safe to read from other goroutines.
type Status struct {
	SessionID      string `json:"session_id"`
	MarketID       string `json:"market_id"`
	State          string `json:"state"`
	Seq            int64  `json:"seq"`
	PublishTimeMs  int64  `json:"publish_time_ms"`
	Applied        int64  `json:"applied"`
	Duplicates     int64  `json:"duplicates"`
	ProtocolErrors int64  `json:"protocol_errors"`
	Reconnects     int64  `json:"reconnects"`
	PendingDeltas  int64  `json:"pending_deltas"`
}

// Session owns one market's ladder state and drives the subscription
// lifecycle. It is not safe for concurrent use; run exactly one goroutine
// per session.
type Session struct {
	cfg      *config.Config
	marketID string
	auth     Authenticator
	dialer   Dialer
	sink     sink.EventSink
	engine   ladder.Engine
	state    *models.LadderState
	pending  [][]byte
	id       string
	log      *logger.Log
	limiter  *rate.Limiter

	allowInPlay bool

	st             atomic.Int32
	lastSeq        atomic.Int64
	lastPublish    atomic.Int64
	applied        atomic.Int64
	duplicates     atomic.Int64
	protocolErrors atomic.Int64
	reconnects     atomic.Int64
	pendingCount   atomic.Int64
}

// Option tweaks session behaviour beyond the config file.
type Option func(*Session)

// WithInPlay keeps the session streaming after the market turns in-play.
func WithInPlay(allow bool) Option {
	return func(s *Session) { s.allowInPlay = allow }
}

// NewSession wires a session for one market.
func NewSession(cfg *config.Config, marketID string, auth Authenticator, dialer Dialer, snk sink.EventSink, opts ...Option) *Session {
	s := &Session{
		cfg:      cfg,
		marketID: marketID,
		auth:     auth,
		dialer:   dialer,
		sink:     snk,
		state:    models.NewLadderState(marketID),
		id:       uuid.New().String(),
		log:      logger.GetLogger(),
		limiter:  rate.NewLimiter(rate.Every(cfg.Session.DialMinInterval), 1),
	}
	s.lastSeq.Store(-1)
	for _, o := range opts {
		o(s)
	}
	return s
}

// ID returns the session identifier used in logs and the status endpoint.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.st.Load()) }

// Snapshot returns the observable session status.
func (s *Session) Snapshot() Status {
	return Status{
		SessionID:      s.id,
		MarketID:       s.marketID,
		State:          s.State().String(),
		Seq:            s.lastSeq.Load(),
		PublishTimeMs:  s.lastPublish.Load(),
		Applied:        s.applied.Load(),
		Duplicates:     s.duplicates.Load(),
		ProtocolErrors: s.protocolErrors.Load(),
		Reconnects:     s.reconnects.Load(),
		PendingDeltas:  s.pendingCount.Load(),
	}
}

func (s *Session) setState(st State) {
	prev := State(s.st.Swap(int32(st)))
	if prev != st {
		s.log.WithComponent("session").WithFields(logger.Fields{
			"session_id": s.id,
			"market_id":  s.marketID,
			"from":       prev.String(),
			"to":         st.String(),
		}).Info("session state changed")
	}
}

// Run drives the session until external cancellation, a clean market-complete
// stop, or a fatal error. It returns nil for clean stops; fatal sink errors
// and exhausted auth budgets are returned to the caller.
func (s *Session) Run(ctx context.Context) error {
	log := s.log.WithComponent("session").WithFields(logger.Fields{
		"session_id": s.id,
		"market_id":  s.marketID,
	})

	retry := s.cfg.Session.Retry
	bo := &backoff.Backoff{
		Min:    retry.BaseDelay,
		Max:    retry.MaxDelay,
		Factor: float64(retry.BackoffMultiplier),
		Jitter: true,
	}
	authAttempts := 0

	defer func() {
		s.setState(Terminated)
		if err := s.sink.Flush(); err != nil && !errors.Is(err, sink.ErrClosed) {
			log.WithError(err).Warn("final sink flush failed")
		}
	}()

	for {
		if ctx.Err() != nil {
			log.Info("session cancelled")
			return nil
		}

		s.setState(Authenticating)
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}

		token, err := s.auth.Authenticate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			authAttempts++
			if retry.MaxAttempts > 0 && authAttempts >= retry.MaxAttempts {
				log.WithError(err).Error("authentication retry budget exhausted")
				return fmt.Errorf("authentication retry budget exhausted after %d attempts: %w", authAttempts, err)
			}
			d := bo.Duration()
			log.WithError(err).WithFields(logger.Fields{
				"attempt":  authAttempts,
				"retry_in": d.String(),
			}).Warn("authentication failed, retrying")
			if !sleepCtx(ctx, d) {
				return nil
			}
			continue
		}
		authAttempts = 0

		s.setState(Subscribing)
		tr, err := s.dialer.Dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.reconnects.Add(1)
			logger.IncrementRetryCount()
			s.setState(Reconnecting)
			d := bo.Duration()
			log.WithError(err).WithFields(logger.Fields{"retry_in": d.String()}).Warn("dial failed, reconnecting")
			if !sleepCtx(ctx, d) {
				return nil
			}
			continue
		}
		bo.Reset()

		err = s.streamLoop(ctx, tr, token)
		tr.Close()

		switch {
		case err == nil || errors.Is(err, errMarketComplete) || ctx.Err() != nil:
			if errors.Is(err, errMarketComplete) {
				log.Info("market complete, stopping session")
			}
			return nil
		case isFatal(err):
			log.WithError(err).Error("fatal session error")
			return err
		default:
			// Transport or protocol-level failure: keep the ladder state, a
			// fresh image on resubscription replaces it wholesale.
			s.reconnects.Add(1)
			logger.IncrementRetryCount()
			s.setState(Reconnecting)
			d := bo.Duration()
			log.WithError(err).WithFields(logger.Fields{"retry_in": d.String()}).Warn("stream interrupted, reconnecting")
			if !sleepCtx(ctx, d) {
				return nil
			}
		}
	}
}

func isFatal(err error) bool {
	var se *sink.SinkError
	return errors.As(err, &se)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// streamLoop performs the handshake and consumes frames until the transport
// fails, the market completes, the sink fails, or ctx is cancelled.
func (s *Session) streamLoop(ctx context.Context, tr Transport, token string) error {
	log := s.log.WithComponent("session").WithFields(logger.Fields{
		"session_id": s.id,
		"market_id":  s.marketID,
	})

	// Unblock the receive promptly on cancellation.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			tr.Close()
		case <-watchDone:
		}
	}()

	if err := s.handshake(tr, token); err != nil {
		return err
	}

	for {
		frame, err := tr.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		logger.IncrementStreamRead(len(frame))

		op, err := models.PeekOp(frame)
		if err != nil {
			s.protocolErrors.Add(1)
			log.WithError(err).Warn("undecodable frame discarded")
			continue
		}

		switch op {
		case models.OpMarketChange:
			if err := s.handleChange(ctx, frame); err != nil {
				return err
			}
		case models.OpStatus:
			var st models.StatusMessage
			if err := json.Unmarshal(frame, &st); err != nil {
				s.protocolErrors.Add(1)
				log.WithError(err).Warn("malformed status frame discarded")
				continue
			}
			if st.StatusCode == "FAILURE" {
				return fmt.Errorf("stream status failure: %s (%s)", st.ErrorCode, st.ErrorMessage)
			}
		case models.OpConnection:
			// Informational; the handshake already ran.
		default:
			log.WithFields(logger.Fields{"op": op}).Debug("unhandled frame op")
		}
	}
}

// handshake consumes the connection frame and sends authentication plus the
// market subscription.
func (s *Session) handshake(tr Transport, token string) error {
	frame, err := tr.Receive()
	if err != nil {
		return err
	}
	var conn models.ConnectionMessage
	if err := json.Unmarshal(frame, &conn); err != nil || conn.Op != models.OpConnection {
		return fmt.Errorf("expected connection frame, got %q", string(frame))
	}

	if err := tr.Send(models.AuthenticationMessage{
		Op:      models.OpAuthentication,
		ID:      1,
		AppKey:  s.cfg.Stream.AppKey,
		Session: token,
	}); err != nil {
		return err
	}

	fields := []string{models.FieldMarketDef, models.FieldTraded}
	if s.cfg.Stream.FullLadder {
		fields = append(fields, models.FieldAllOffers)
	} else {
		fields = append(fields, models.FieldBestOffersDisp)
	}

	return tr.Send(models.MarketSubscriptionMessage{
		Op:          models.OpMarketSubscription,
		ID:          2,
		ConflateMs:  s.cfg.Session.ConflateMs,
		HeartbeatMs: int(s.cfg.Session.HeartbeatInterval / time.Millisecond),
		MarketFilter: models.MarketFilter{
			MarketIDs: []string{s.marketID},
		},
		MarketDataFilter: models.MarketDataFilter{
			Fields:       fields,
			LadderLevels: s.cfg.Stream.LadderLevels,
		},
	})
}

// handleChange merges one change frame and persists the transition when the
// state advanced. Sink failures are fatal; everything message-local is
// absorbed here.
func (s *Session) handleChange(ctx context.Context, frame []byte) error {
	log := s.log.WithComponent("session").WithFields(logger.Fields{
		"session_id": s.id,
		"market_id":  s.marketID,
	})

	var msg models.MarketChangeMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		s.protocolErrors.Add(1)
		log.WithError(err).Warn("malformed change frame discarded")
		return nil
	}

	res, err := s.engine.Apply(s.state, &msg)
	if err != nil {
		s.protocolErrors.Add(1)
		log.WithError(err).Warn("merge rejected message")
		return nil
	}

	switch res {
	case ladder.Applied:
		wasFirstImage := s.State() != Streaming && s.state.ImageComplete
		if err := s.emit(ctx, &msg, frame); err != nil {
			return err
		}
		if wasFirstImage {
			s.setState(Streaming)
			if err := s.drainPending(ctx); err != nil {
				return err
			}
		}
		return s.checkStopConditions()
	case ladder.Duplicate:
		s.duplicates.Add(1)
		log.WithFields(logger.Fields{"seq": msg.Seq}).Debug("duplicate message discarded")
	case ladder.PendingImage:
		s.bufferPending(frame)
	case ladder.Heartbeat, ladder.Skipped:
		// Liveness is tracked by the transport read deadline.
	}
	return nil
}

// bufferPending retains a delta that arrived before the first image. The
// buffer is bounded; overflow drops the oldest entry to keep memory flat.
func (s *Session) bufferPending(frame []byte) {
	max := s.cfg.Session.PendingBuffer
	if max <= 0 {
		max = 256
	}
	if len(s.pending) >= max {
		s.pending = s.pending[1:]
		s.log.WithComponent("session").WithFields(logger.Fields{
			"market_id": s.marketID,
		}).Warn("pending delta buffer full, dropping oldest")
	}
	s.pending = append(s.pending, frame)
	s.pendingCount.Store(int64(len(s.pending)))
}

// drainPending replays deltas buffered before the first image. The engine
// drops the ones the image already covers via its sequence check.
func (s *Session) drainPending(ctx context.Context) error {
	buffered := s.pending
	s.pending = nil
	s.pendingCount.Store(0)
	for _, frame := range buffered {
		var msg models.MarketChangeMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}
		res, err := s.engine.Apply(s.state, &msg)
		if err != nil || res != ladder.Applied {
			continue
		}
		if err := s.emit(ctx, &msg, frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) emit(ctx context.Context, msg *models.MarketChangeMessage, frame []byte) error {
	kind := models.PayloadDelta
	if msg.IsImage(s.marketID) {
		kind = models.PayloadImage
	}
	rec := models.StateTransitionRecord{
		MarketID:      s.marketID,
		Seq:           msg.Seq,
		PublishTimeMs: msg.PublishTime,
		Kind:          kind,
		Payload:       frame,
	}
	if err := s.sink.Append(ctx, rec); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	s.applied.Add(1)
	s.lastSeq.Store(msg.Seq)
	s.lastPublish.Store(msg.PublishTime)
	logger.IncrementRecordSunk(len(frame))
	return nil
}

// checkStopConditions ends the session when the market closes, or when it
// turns in-play and in-play streaming is disabled.
func (s *Session) checkStopConditions() error {
	if s.state.MarketStatus == models.MarketClosed {
		return errMarketComplete
	}
	if s.state.InPlay && !s.allowInPlay {
		return errMarketComplete
	}
	return nil
}
