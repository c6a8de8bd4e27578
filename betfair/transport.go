package betfair

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ladderflow/logger"
)

// TransportError reports a connection-level failure. Sessions recover from
// it by reconnecting; it is never fatal on its own.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StreamDialer opens websocket connections to the exchange stream endpoint.
// ReadTimeout bounds how long a receive may go without any frame; the
// session sizes it from its heartbeat interval so a silent connection
// surfaces as a transport error.
type StreamDialer struct {
	URL         string
	AppKey      string
	ReadTimeout time.Duration
	log         *logger.Log
}

// NewStreamDialer builds a dialer for the stream endpoint.
func NewStreamDialer(url, appKey string, readTimeout time.Duration) *StreamDialer {
	return &StreamDialer{URL: url, AppKey: appKey, ReadTimeout: readTimeout, log: logger.GetLogger()}
}

// Dial connects and returns a live transport. The session token travels in a
// header; the authentication frame the session sends afterwards repeats it
// at the protocol level.
func (d *StreamDialer) Dial(ctx context.Context, sessionToken string) (*WSTransport, error) {
	header := http.Header{}
	header.Set("X-Authentication", sessionToken)
	header.Set("X-Application", d.AppKey)

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	d.log.WithComponent("transport").WithFields(logger.Fields{"url": d.URL}).Info("stream connected")

	t := &WSTransport{conn: conn, readTimeout: d.ReadTimeout, done: make(chan struct{})}
	t.startPinger()
	return t, nil
}

// WSTransport is an ordered, reliable frame stream over one websocket
// connection. Receive and Send may be used from different goroutines but
// each from at most one at a time.
type WSTransport struct {
	conn        *websocket.Conn
	readTimeout time.Duration

	writeMu  sync.Mutex
	closeMu  sync.Mutex
	closed   bool
	done     chan struct{}
}

func (t *WSTransport) startPinger() {
	ticker := time.NewTicker(20 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				t.writeMu.Lock()
				t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				t.writeMu.Unlock()
			}
		}
	}()
}

// Send writes one JSON frame.
func (t *WSTransport) Send(v interface{}) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := t.conn.WriteJSON(v); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Receive returns the next frame. A read deadline enforces liveness: when
// no frame (not even a heartbeat) arrives within the timeout the receive
// fails and the session reconnects.
func (t *WSTransport) Receive() ([]byte, error) {
	if t.readTimeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}
	_, frame, err := t.conn.ReadMessage()
	if err != nil {
		return nil, &TransportError{Op: "receive", Err: err}
	}
	return frame, nil
}

// Close shuts the connection down. Safe to call more than once.
func (t *WSTransport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return t.conn.Close()
}
