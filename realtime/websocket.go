package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultHandshakeTimeout bounds each websocket dial.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds each outbound frame write.
	DefaultWriteTimeout = 10 * time.Second
)

var defaultReconnectBackoff = []time.Duration{
	0,
	time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

// WebsocketOptions configures a websocket push transport.
type WebsocketOptions struct {
	// URL is the websocket endpoint, e.g. "wss://chat.example.com/ws".
	URL string
	// Token is sent as a bearer Authorization header on the handshake.
	Token string

	// ReconnectBackoff is walked front to back between dial attempts; the
	// last entry repeats. The zero value uses a default ladder.
	ReconnectBackoff []time.Duration

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (o WebsocketOptions) withDefaults() WebsocketOptions {
	out := o
	if len(out.ReconnectBackoff) == 0 {
		out.ReconnectBackoff = append([]time.Duration(nil), defaultReconnectBackoff...)
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	return out
}

// WebsocketTransport implements Transport over one websocket connection at a
// time, reconnecting on its own schedule. Each push event is delivered at
// most once per physical connection.
type WebsocketTransport struct {
	options WebsocketOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conn   *websocket.Conn

	events chan TransportEvent

	startOnce sync.Once
	closeOnce sync.Once
}

// NewWebsocketTransport creates a transport; Start begins connecting.
func NewWebsocketTransport(options WebsocketOptions) (*WebsocketTransport, error) {
	if options.URL == "" {
		return nil, errors.New("realtime: websocket URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WebsocketTransport{
		options: options.withDefaults(),
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan TransportEvent, 128),
	}, nil
}

// Start launches the connect/read loop.
func (t *WebsocketTransport) Start() {
	t.startOnce.Do(func() {
		t.wg.Add(1)
		go t.run()
	})
}

// Connected reports whether a physical connection is currently up.
func (t *WebsocketTransport) Connected() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn != nil
}

// Events implements Transport.
func (t *WebsocketTransport) Events() <-chan TransportEvent {
	return t.events
}

// Emit writes one event frame, or returns ErrNotConnected while down.
func (t *WebsocketTransport) Emit(event string, payload any) error {
	raw, err := EncodeEvent(event, payload)
	if err != nil {
		return err
	}

	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.options.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write %q frame: %w", event, err)
	}

	return nil
}

// Close tears the transport down and closes the event stream.
func (t *WebsocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()

		t.connMu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.connMu.Unlock()

		t.wg.Wait()
		close(t.events)
	})
	return nil
}

func (t *WebsocketTransport) run() {
	defer t.wg.Done()

	attempt := 0
	for {
		if !t.waitBackoff(attempt) {
			return
		}

		conn, err := t.dial()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			log.Printf("realtime: dial %s failed: %v", t.options.URL, err)
			attempt++
			continue
		}

		attempt = 0
		t.setConn(conn)
		t.deliver(TransportEvent{Type: TransportConnected})

		t.readLoop(conn)

		t.setConn(nil)
		if t.ctx.Err() != nil {
			return
		}
		t.deliver(TransportEvent{Type: TransportDisconnected})
		attempt = 1
	}
}

func (t *WebsocketTransport) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: t.options.HandshakeTimeout,
	}

	header := http.Header{}
	if t.options.Token != "" {
		header.Set("Authorization", "Bearer "+t.options.Token)
	}

	conn, _, err := dialer.DialContext(t.ctx, t.options.URL, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *WebsocketTransport) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}

		event, err := DecodeEvent(raw)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				continue
			}
			log.Printf("realtime: dropping undecodable push frame: %v", err)
			continue
		}

		t.deliver(TransportEvent{Type: TransportPush, Event: event})
	}
}

func (t *WebsocketTransport) setConn(conn *websocket.Conn) {
	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
}

func (t *WebsocketTransport) deliver(event TransportEvent) {
	select {
	case t.events <- event:
	case <-t.ctx.Done():
	}
}

func (t *WebsocketTransport) waitBackoff(attempt int) bool {
	if attempt == 0 {
		return t.ctx.Err() == nil
	}

	idx := attempt - 1
	if idx >= len(t.options.ReconnectBackoff) {
		idx = len(t.options.ReconnectBackoff) - 1
	}
	delay := t.options.ReconnectBackoff[idx]
	if delay <= 0 {
		return t.ctx.Err() == nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.ctx.Done():
		return false
	}
}
