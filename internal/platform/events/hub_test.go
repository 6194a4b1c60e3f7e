package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return Event{}
}

func TestHub_RegisterDefaultsToAllTopics(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Register(nil)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	for _, topic := range AllTopics {
		if hub.TopicCount(topic) != 1 {
			t.Errorf("expected subscription to %s", topic)
		}
	}
}

func TestHub_PublishOnlyToSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ledger := hub.Register([]string{TopicLedger})
	report := hub.Register([]string{TopicReport})

	hub.Publish(TopicLedger, "ledger.changed", map[string]int{"count": 2})

	evt := receive(t, ledger)
	if evt.Type != "ledger.changed" || evt.Topic != TopicLedger {
		t.Errorf("unexpected event %+v", evt)
	}
	if string(evt.Data) != `{"count":2}` {
		t.Errorf("data = %s", evt.Data)
	}
	select {
	case <-report.send:
		t.Error("report subscriber got a ledger event")
	default:
	}
}

func TestHub_UnknownTopicsIgnored(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := hub.Register([]string{"patients", TopicDrafts})
	if len(c.topics) != 1 {
		t.Errorf("expected only drafts, got %v", c.topics)
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := hub.Register([]string{TopicLedger})

	hub.Handle(c, ClientMessage{Action: "subscribe", Topics: []string{TopicReport}})
	if hub.TopicCount(TopicReport) != 1 {
		t.Fatal("expected report subscription")
	}
	hub.Handle(c, ClientMessage{Action: "unsubscribe", Topics: []string{TopicLedger}})
	if hub.TopicCount(TopicLedger) != 0 {
		t.Error("expected ledger subscription removed")
	}
	hub.Handle(c, ClientMessage{Action: "reboot"})
	if hub.TopicCount(TopicReport) != 1 {
		t.Error("unknown action changed subscriptions")
	}
}

func TestHub_FullBufferDropsWithoutBlocking(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Register([]string{TopicRecording})

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer+5; i++ {
			hub.Publish(TopicRecording, "recording.state", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow client")
	}
	if hub.Dropped() != 5 {
		t.Errorf("dropped = %d, want 5", hub.Dropped())
	}
}

func TestHub_UnregisterTwice(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := hub.Register(nil)
	hub.Unregister(c)
	hub.Unregister(c)

	if _, ok := <-c.send; ok {
		t.Error("expected closed send channel")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHub_UnmarshalablePayload(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := hub.Register(nil)
	hub.Publish(TopicLedger, "bad", make(chan int))
	select {
	case <-c.send:
		t.Error("event with bad payload must not be sent")
	default:
	}
}

// -- WebSocket handler --

func startServer(t *testing.T, hub *Hub, origins []string) string {
	t.Helper()
	e := echo.New()
	NewHandler(hub, origins).RegisterRoutes(e.Group("/api/v1"))
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, ws *websocket.Conn) Event {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt Event
	if err := ws.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return evt
}

func TestHandler_StreamsEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	url := startServer(t, hub, []string{"*"})

	ws, _, err := websocket.DefaultDialer.Dial(url+"?topics=ledger", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	waitFor(t, func() bool { return hub.TopicCount(TopicLedger) == 1 })

	hub.Publish(TopicReport, "report.generated", nil)
	hub.Publish(TopicLedger, "ledger.changed", map[string]string{"manualInput": "x"})
	if evt := readEvent(t, ws); evt.Type != "ledger.changed" {
		t.Errorf("expected only the ledger event, got %+v", evt)
	}

	if err := ws.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{TopicReport}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return hub.TopicCount(TopicReport) == 1 })
	hub.Publish(TopicReport, "report.generated", nil)
	if evt := readEvent(t, ws); evt.Type != "report.generated" {
		t.Errorf("unexpected event %+v", evt)
	}
}

func TestHandler_DisconnectUnregisters(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	url := startServer(t, hub, nil)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, func() bool { return hub.ClientCount() == 1 })
	ws.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	url := startServer(t, hub, []string{"http://localhost:3000"})

	header := http.Header{}
	header.Set("Origin", "http://evil.test")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
	if hub.ClientCount() != 0 {
		t.Error("rejected connection must not register")
	}
}
