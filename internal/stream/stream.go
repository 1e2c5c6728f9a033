// Package stream keeps one market data websocket per credential alive,
// resubscribing every active epic after each reconnect.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tradeflow/config"
	"tradeflow/internal/channel"
	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/models"
)

const (
	component       = "market_stream"
	statusOK        = "OK"
	eventBufferSize = 64
	writeTimeout    = 5 * time.Second
)

// ErrAuthRejected is reported when the broker refuses the authenticating ping.
var ErrAuthRejected = errors.New("stream authentication rejected")

// SessionSource supplies the session tokens frames are signed with.
type SessionSource interface {
	Session(ctx context.Context) (*models.Session, error)
}

// sessionInvalidator is implemented by sources that can drop a session the
// streaming endpoint refused.
type sessionInvalidator interface {
	InvalidateSession(sess *models.Session)
}

type Options struct {
	Config      config.StreamConfig
	FallbackURL string
	Sessions    SessionSource
	Hub         *channel.Hub
	// Credential labels logs and metrics; pass the masked key.
	Credential string
	// SymbolFor fills Tick.Symbol; the epic is used when nil.
	SymbolFor func(epic string) string
	Dialer    *websocket.Dialer
}

// Stream is the market data connection for one credential.
type Stream struct {
	opts   Options
	dialer *websocket.Dialer
	log    *logger.Entry

	state  atomic.Int32
	events chan models.StreamEvent

	mu    sync.Mutex
	epics map[string]bool
	conn  *conn

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(opts Options) *Stream {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if opts.SymbolFor == nil {
		opts.SymbolFor = func(epic string) string { return epic }
	}
	return &Stream{
		opts:   opts,
		dialer: dialer,
		log:    logger.GetLogger().WithComponent(component).WithField("credential", opts.Credential),
		events: make(chan models.StreamEvent, eventBufferSize),
		epics:  make(map[string]bool),
		done:   make(chan struct{}),
	}
}

// conn is one live socket with the session it authenticated with.
type conn struct {
	ws   *websocket.Conn
	sess *models.Session
	mu   sync.Mutex
}

func (c *conn) send(destination string, payload interface{}) error {
	frame := models.StreamFrame{
		Destination:   destination,
		CorrelationID: uuid.NewString(),
		CST:           c.sess.CST,
		SecurityToken: c.sess.SecurityToken,
		Payload:       payload,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(frame)
}

// Start launches the connection loop. Later calls are no-ops.
func (s *Stream) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.run(ctx)
	})
}

// Close stops the stream and waits for the loop to exit.
func (s *Stream) Close() {
	// a stream that never started has no loop to close these
	s.startOnce.Do(func() { close(s.done); close(s.events) })
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Stream) State() models.StreamState {
	return models.StreamState(s.state.Load())
}

// Events reports state transitions and errors. Events are dropped when the
// reader falls behind. The channel closes when the stream stops.
func (s *Stream) Events() <-chan models.StreamEvent {
	return s.events
}

func (s *Stream) setState(st models.StreamState, err error) {
	s.state.Store(int32(st))
	ev := models.StreamEvent{State: st, Err: err, At: time.Now()}
	select {
	case s.events <- ev:
	default:
	}
	entry := s.log.WithField("state", st.String())
	if err != nil {
		entry.WithError(err).Warn("stream state changed")
		return
	}
	entry.Debug("stream state changed")
}

// ActiveEpics returns the subscribed epics in sorted order.
func (s *Stream) ActiveEpics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.epics))
	for e := range s.epics {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Subscribe adds epics to the active set. They are sent now when streaming,
// otherwise as soon as the stream reaches the streaming state.
func (s *Stream) Subscribe(epics ...string) error {
	s.mu.Lock()
	var added []string
	for _, e := range epics {
		if e != "" && !s.epics[e] {
			s.epics[e] = true
			added = append(added, e)
		}
	}
	c := s.conn
	s.mu.Unlock()

	if c == nil || len(added) == 0 {
		return nil
	}
	return s.sendBatches(c, models.DestinationSubscribe, added)
}

// Unsubscribe removes epics from the active set.
func (s *Stream) Unsubscribe(epics ...string) error {
	s.mu.Lock()
	var removed []string
	for _, e := range epics {
		if s.epics[e] {
			delete(s.epics, e)
			removed = append(removed, e)
		}
	}
	c := s.conn
	s.mu.Unlock()

	if c == nil || len(removed) == 0 {
		return nil
	}
	return s.sendBatches(c, models.DestinationUnsubscribe, removed)
}

func (s *Stream) sendBatches(c *conn, destination string, epics []string) error {
	size := s.opts.Config.SubscribeBatch
	if size <= 0 {
		size = len(epics)
	}
	for start := 0; start < len(epics); start += size {
		end := start + size
		if end > len(epics) {
			end = len(epics)
		}
		if err := c.send(destination, models.EpicsPayload{Epics: epics[start:end]}); err != nil {
			return fmt.Errorf("%s: %w", destination, err)
		}
	}
	s.log.WithFields(logger.Fields{"destination": destination, "epics": len(epics)}).Debug("subscription frames sent")
	return nil
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	for {
		err := s.connect(ctx)
		if ctx.Err() != nil {
			s.state.Store(int32(models.StreamDisconnected))
			s.log.Info("market stream stopped")
			return
		}
		s.setState(models.StreamDisconnected, err)

		if waitForReconnect(ctx, s.opts.Config.ReconnectDelay) {
			s.log.Info("market stream stopped")
			return
		}
		metrics.IncStreamReconnect(s.opts.Credential)
	}
}

// connect runs one connection until it fails.
func (s *Stream) connect(ctx context.Context) error {
	sess, err := s.opts.Sessions.Session(ctx)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	s.setState(models.StreamConnecting, nil)
	url := s.streamURL(sess)
	ws, _, err := s.dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	c := &conn{ws: ws, sess: sess}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		ws.Close()
	}()

	s.setState(models.StreamAuthenticating, nil)
	if err := s.authenticate(c); err != nil {
		if errors.Is(err, ErrAuthRejected) {
			if inv, ok := s.opts.Sessions.(sessionInvalidator); ok {
				inv.InvalidateSession(sess)
			}
		}
		return err
	}

	s.mu.Lock()
	s.conn = c
	active := make([]string, 0, len(s.epics))
	for e := range s.epics {
		active = append(active, e)
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	s.setState(models.StreamStreaming, nil)
	sort.Strings(active)
	if len(active) > 0 {
		if err := s.sendBatches(c, models.DestinationSubscribe, active); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
		s.log.WithField("epics", len(active)).Info("resubscribed active epics")
	}

	go s.keepAlive(connCtx, c, cancel)
	return s.readLoop(c)
}

// authenticate sends a signed ping and waits for its acknowledgement.
func (s *Stream) authenticate(c *conn) error {
	id := uuid.NewString()
	frame := models.StreamFrame{
		Destination:   models.DestinationPing,
		CorrelationID: id,
		CST:           c.sess.CST,
		SecurityToken: c.sess.SecurityToken,
	}
	c.mu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.ws.WriteJSON(frame)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("auth ping: %w", err)
	}

	timeout := s.opts.Config.AuthTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c.ws.SetReadDeadline(time.Now().Add(timeout))
	defer c.ws.SetReadDeadline(time.Time{})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("awaiting auth ack: %w", err)
		}
		var in models.InboundFrame
		if json.Unmarshal(data, &in) != nil || in.Destination != models.DestinationPing || in.CorrelationID != id {
			continue
		}
		if in.Status != statusOK {
			return fmt.Errorf("%w: status %s", ErrAuthRejected, in.Status)
		}
		return nil
	}
}

func (s *Stream) keepAlive(ctx context.Context, c *conn, fail context.CancelFunc) {
	interval := s.opts.Config.PingInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(models.DestinationPing, nil); err != nil {
				s.log.WithError(err).Warn("keepalive ping failed")
				fail()
				return
			}
		}
	}
}

func (s *Stream) readLoop(c *conn) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.handle(data)
	}
}

// handle processes one inbound message. Malformed messages are dropped.
func (s *Stream) handle(data []byte) {
	var in models.InboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		s.log.WithError(err).Debug("dropping malformed message")
		return
	}

	switch in.Destination {
	case models.DestinationQuote:
		var q models.QuotePayload
		if err := json.Unmarshal(in.Payload, &q); err != nil || q.Epic == "" || q.Bid <= 0 || q.Ofr <= 0 {
			s.log.WithField("payload", string(in.Payload)).Debug("dropping malformed quote")
			return
		}
		ts := time.Now()
		if q.Timestamp > 0 {
			ts = time.UnixMilli(q.Timestamp)
		}
		s.opts.Hub.Publish(models.Tick{
			Epic:      q.Epic,
			Symbol:    s.opts.SymbolFor(q.Epic),
			Bid:       q.Bid,
			Ask:       q.Ofr,
			Timestamp: ts,
		})
	case models.DestinationPing, models.DestinationSubscribe, models.DestinationUnsubscribe:
		if in.Status != "" && in.Status != statusOK {
			s.log.WithFields(logger.Fields{
				"destination": in.Destination,
				"status":      in.Status,
				"payload":     string(in.Payload),
			}).Warn("broker refused stream request")
		}
	default:
		s.log.WithField("destination", in.Destination).Debug("ignoring message")
	}
}

// streamURL prefers the host the session advertised over the configured one.
func (s *Stream) streamURL(sess *models.Session) string {
	host := strings.TrimSpace(sess.StreamingHost)
	if host == "" {
		return s.opts.FallbackURL
	}
	if !strings.Contains(host, "://") {
		host = "wss://" + host
	}
	host = strings.TrimSuffix(host, "/")
	if !strings.HasSuffix(host, "/connect") {
		host += "/connect"
	}
	return host
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = 30 * time.Second
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
