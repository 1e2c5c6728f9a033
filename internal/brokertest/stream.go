package brokertest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"tradeflow/models"
)

// Frame is one recorded outbound stream message.
type Frame struct {
	Conn          int
	Destination   string
	CorrelationID string
	CST           string
	Epics         []string
}

type streamConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *streamConn) write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// StreamServer is a fake streaming endpoint. It acknowledges pings and
// subscriptions and can push quotes to the latest connection.
type StreamServer struct {
	*httptest.Server

	mu         sync.Mutex
	RejectAuth bool
	conns      []*streamConn
	frames     []Frame
	upgrader   websocket.Upgrader
}

func NewStreamServer() *StreamServer {
	s := &StreamServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// With runs fn while holding the server lock.
func (s *StreamServer) With(fn func(s *StreamServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// WSURL is the websocket address of the server.
func (s *StreamServer) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *StreamServer) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &streamConn{ws: ws}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	idx := len(s.conns)
	s.mu.Unlock()
	defer ws.Close()

	for {
		var in struct {
			Destination   string          `json:"destination"`
			CorrelationID string          `json:"correlationId"`
			CST           string          `json:"cst"`
			Payload       json.RawMessage `json:"payload"`
		}
		if err := ws.ReadJSON(&in); err != nil {
			return
		}
		var epics models.EpicsPayload
		if len(in.Payload) > 0 {
			json.Unmarshal(in.Payload, &epics)
		}

		s.mu.Lock()
		s.frames = append(s.frames, Frame{Conn: idx, Destination: in.Destination, CorrelationID: in.CorrelationID, CST: in.CST, Epics: epics.Epics})
		reject := s.RejectAuth
		s.mu.Unlock()

		status := "OK"
		if in.Destination == models.DestinationPing && (reject || in.CST == "") {
			status = "ERROR"
		}
		c.write(map[string]interface{}{
			"status":        status,
			"destination":   in.Destination,
			"correlationId": in.CorrelationID,
			"payload":       map[string]interface{}{},
		})
	}
}

// Connects returns how many websocket connections were accepted.
func (s *StreamServer) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Frames returns the frames with destination received on connection conn,
// or on every connection when conn is 0.
func (s *StreamServer) Frames(conn int, destination string) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Frame
	for _, f := range s.frames {
		if (conn == 0 || f.Conn == conn) && f.Destination == destination {
			out = append(out, f)
		}
	}
	return out
}

// Epics flattens the epics of the frames with destination on conn.
func (s *StreamServer) Epics(conn int, destination string) []string {
	var out []string
	for _, f := range s.Frames(conn, destination) {
		out = append(out, f.Epics...)
	}
	return out
}

func (s *StreamServer) latest() *streamConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// PushQuote sends a quote message on the latest connection.
func (s *StreamServer) PushQuote(epic string, bid, ofr float64, timestampMs int64) error {
	return s.PushRaw(map[string]interface{}{
		"status":      "OK",
		"destination": models.DestinationQuote,
		"payload": models.QuotePayload{
			Epic: epic, Product: "CFD", Bid: bid, Ofr: ofr, BidQty: 1, OfrQty: 1, Timestamp: timestampMs,
		},
	})
}

// PushRaw sends v on the latest connection; a []byte is sent as is.
func (s *StreamServer) PushRaw(v interface{}) error {
	c := s.latest()
	if c == nil {
		return websocket.ErrCloseSent
	}
	if b, ok := v.([]byte); ok {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.ws.WriteMessage(websocket.TextMessage, b)
	}
	return c.write(v)
}

// DropAll closes every open connection.
func (s *StreamServer) DropAll() {
	s.mu.Lock()
	conns := append([]*streamConn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}
