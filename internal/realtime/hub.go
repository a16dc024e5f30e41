// Package realtime streams analysis results to WebSocket clients.
//
// The hub relays three bus topics (analysis results, fraud alerts and
// analysis errors) to every connected client whose filter accepts them.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	sendBuffer     = 256
	eventBuffer    = 256
	maxFilterBytes = 64 << 10
)

// EventType names a message pushed to clients.
type EventType string

const (
	EventConnectionEstablished EventType = "CONNECTION_ESTABLISHED"
	EventAnalysisResult        EventType = "TRANSACTION_ANALYSIS_RESULT"
	EventFraudAlert            EventType = "FRAUD_ALERT"
	EventAnalysisError         EventType = "ANALYSIS_ERROR"
)

// Event is the wire format of every pushed message.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`

	// Routing attributes, not serialised.
	riskScore float64
	fraud     bool
}

func (e *Event) encode() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Filter narrows which events a client receives. Clients update it by
// sending a JSON object such as {"fraudOnly":true,"minRiskScore":0.7}.
type Filter struct {
	FraudOnly    bool    `json:"fraudOnly"`
	MinRiskScore float64 `json:"minRiskScore"`
}

// Client is one subscriber connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	filter Filter
}

// accepts reports whether the event passes the client's filter. Errors and
// the greeting are never filtered.
func (c *Client) accepts(ev *Event) bool {
	switch ev.Type {
	case EventAnalysisError, EventConnectionEstablished:
		return true
	}

	c.mu.RLock()
	f := c.filter
	c.mu.RUnlock()

	if f.FraudOnly && !ev.fraud {
		return false
	}
	return ev.riskScore >= f.MinRiskScore
}

func (c *Client) setFilter(f Filter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

// offer queues data without blocking; false means the client is too slow.
func (c *Client) offer(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Hub owns the client set. Only Run mutates it; readers take the lock.
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	maxClients int

	mu      sync.RWMutex
	clients map[*Client]struct{}

	events chan *Event
	joins  chan *Client
	leaves chan *Client
	done   chan struct{} // closed when Run returns

	published   atomic.Int64
	connections atomic.Int64
	peak        atomic.Int64
}

// NewHub creates a hub. allowOrigin decides which browser origins may
// connect; nil accepts any origin. Requests without an Origin header are
// always accepted.
func NewHub(logger *slog.Logger, allowOrigin func(origin string) bool) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:     logger,
		maxClients: MaxClients,
		clients:    make(map[*Client]struct{}),
		events:     make(chan *Event, eventBuffer),
		joins:      make(chan *Client),
		leaves:     make(chan *Client),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowOrigin == nil || allowOrigin(origin)
		},
	}
	return h
}

// Run serves joins, leaves and events until ctx is done, then disconnects
// every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.RLock()
			all := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				all = append(all, c)
			}
			h.mu.RUnlock()
			h.remove(all...)
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.joins:
			h.add(c)
		case c := <-h.leaves:
			h.remove(c)
		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.connections.Add(1)
	if int64(n) > h.peak.Load() {
		h.peak.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("websocket client joined", "clients", n)
}

// remove disconnects the given clients. Closing send makes the writer emit
// a close frame and exit.
func (h *Hub) remove(cs ...*Client) {
	h.mu.Lock()
	for _, c := range cs {
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("websocket clients left", "count", len(cs), "clients", n)
}

func (h *Hub) fanOut(ev *Event) {
	h.published.Add(1)
	data := ev.encode()

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if c.accepts(ev) && !c.offer(data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.remove(slow...)
		h.logger.Warn("evicted slow websocket clients", "count", len(slow))
	}
}

// Broadcast queues an event for every matching client. Events are dropped
// when the queue is full.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("realtime queue full, dropping event", "type", ev.Type)
	}
}

// BroadcastAnalysis pushes a scored transaction.
func (h *Hub) BroadcastAnalysis(a *domain.Analysis) {
	h.Broadcast(&Event{
		Type:      EventAnalysisResult,
		Data:      a,
		Timestamp: time.Now(),
		riskScore: a.Prediction.RiskScore,
		fraud:     a.Prediction.IsFraud,
	})
}

// BroadcastFraudAlert pushes an analysis that raised alerts.
func (h *Hub) BroadcastFraudAlert(e *domain.FraudAlertEvent) {
	ev := &Event{Type: EventFraudAlert, Data: e, Timestamp: time.Now(), fraud: true}
	if e.Analysis != nil {
		ev.riskScore = e.Analysis.Prediction.RiskScore
	}
	h.Broadcast(ev)
}

// BroadcastError pushes a transaction that could not be scored.
func (h *Hub) BroadcastError(e *domain.AnalysisError) {
	h.Broadcast(&Event{Type: EventAnalysisError, Data: e, Timestamp: time.Now()})
}

// relay decodes a bus payload into T and hands it to push.
func relay[T any](push func(*T)) domain.MessageHandler {
	return func(_ context.Context, msg *domain.Message) error {
		var v T
		if err := json.Unmarshal(msg.Payload, &v); err != nil {
			return err
		}
		push(&v)
		return nil
	}
}

// Bridge subscribes the hub to the analysis topics of bus. The caller
// unsubscribes the returned subscriptions on shutdown.
func (h *Hub) Bridge(ctx context.Context, bus domain.EventBus) ([]domain.Subscription, error) {
	routes := []struct {
		topic   string
		handler domain.MessageHandler
	}{
		{domain.TopicAnalysisResult, relay(h.BroadcastAnalysis)},
		{domain.TopicFraudAlert, relay(h.BroadcastFraudAlert)},
		{domain.TopicAnalysisError, relay(h.BroadcastError)},
	}

	subs := make([]domain.Subscription, 0, len(routes))
	for _, rt := range routes {
		sub, err := bus.Subscribe(ctx, rt.topic, rt.handler)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Stats returns hub counters.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return map[string]any{
		"connectedClients": n,
		"totalEvents":      h.published.Load(),
		"totalClients":     h.connections.Load(),
		"peakClients":      h.peak.Load(),
	}
}

// HandleWebSocket serves GET /ws.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	full := len(h.clients) >= h.maxClients
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "origin", r.Header.Get("Origin"))
		return
	}

	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	// Queued before joining so it is always the first frame.
	c.send <- (&Event{
		Type:      EventConnectionEstablished,
		Data:      map[string]string{"message": "Connected to fraud detection system"},
		Timestamp: time.Now(),
	}).encode()

	select {
	case h.joins <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.deliver()
	go c.listen()
}

// listen applies filter updates sent by the client until the connection
// drops, then leaves the hub.
func (c *Client) listen() {
	defer func() {
		select {
		case c.hub.leaves <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFilterBytes)
	extend := func() { _ = c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	extend()
	c.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("websocket read ended", "error", err)
			}
			return
		}

		var f Filter
		if err := json.Unmarshal(msg, &f); err != nil {
			c.hub.logger.Debug("ignoring malformed filter", "error", err)
			continue
		}
		c.setFilter(f)
	}
}

// deliver writes queued events and keeps the connection alive with pings.
func (c *Client) deliver() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, nil)
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				c.hub.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
