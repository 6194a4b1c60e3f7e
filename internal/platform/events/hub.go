// Package events streams session changes to connected UIs over WebSockets.
// Clients subscribe to topics and receive every event published on them.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	TopicRecording = "recording"
	TopicLedger    = "ledger"
	TopicReport    = "report"
	TopicDrafts    = "drafts"
)

var AllTopics = []string{TopicRecording, TopicLedger, TopicReport, TopicDrafts}

const sendBuffer = 64

func knownTopic(t string) bool {
	for _, k := range AllTopics {
		if k == t {
			return true
		}
	}
	return false
}

type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is what a client sends to change its subscriptions.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type Client struct {
	ID     string
	send   chan []byte
	topics map[string]struct{}
}

// Hub fans events out to clients. A client whose buffer is full misses the
// event; publishers never block.
type Hub struct {
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	clients map[*Client]struct{}

	dropped atomic.Int64
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		now:     time.Now,
		clients: make(map[*Client]struct{}),
	}
}

// Register adds a client subscribed to topics, or to every topic when none
// are given.
func (h *Hub) Register(topics []string) *Client {
	if len(topics) == 0 {
		topics = AllTopics
	}
	c := &Client{
		ID:     uuid.NewString(),
		send:   make(chan []byte, sendBuffer),
		topics: make(map[string]struct{}, len(topics)),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.subscribeLocked(c, topics)
	return c
}

// Unregister removes the client and closes its send channel. Safe to call
// more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) subscribeLocked(c *Client, topics []string) {
	for _, t := range topics {
		if knownTopic(t) {
			c.topics[t] = struct{}{}
		}
	}
}

func (h *Hub) Handle(c *Client, msg ClientMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		h.subscribeLocked(c, msg.Topics)
	case "unsubscribe":
		for _, t := range msg.Topics {
			delete(c.topics, t)
		}
	}
}

// Publish sends an event of the given type to subscribers of topic.
func (h *Hub) Publish(topic, eventType string, payload any) {
	evt := Event{Type: eventType, Topic: topic, Timestamp: h.now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			h.logger.Error().Err(err).Str("type", eventType).Msg("marshal event payload")
			return
		}
		evt.Data = data
	}
	msg, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error().Err(err).Str("type", eventType).Msg("marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if _, ok := c.topics[topic]; !ok {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.dropped.Add(1)
			h.logger.Debug().Str("client", c.ID).Str("type", eventType).Msg("client buffer full, event dropped")
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TopicCount returns the number of clients subscribed to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if _, ok := c.topics[topic]; ok {
			n++
		}
	}
	return n
}

// Dropped counts events not delivered because a client was too slow.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
