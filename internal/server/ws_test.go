package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/parley-ai/parley/internal/eventbus"
)

func dialWS(t *testing.T, ts *httptest.Server, owner, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(ts.URL, "http://", "ws://", 1) + "/ws/sessions/" + sessionID
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{identityHeader: []string{owner}},
	})
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) eventbus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var ev eventbus.Event
	if err := wsjson.Read(ctx, c, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestWebSocketStreamsTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.createPersona(t, "echo", nil)
	id := f.createSession(t)

	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)

	c := dialWS(t, ts, f.owner, id)

	rec := f.do(t, http.MethodPost, "/sessions/"+id+"/messages",
		map[string]any{"content": "hi @echo"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("post message: status %d body %s", rec.Code, rec.Body.String())
	}

	ev := readEvent(t, c)
	if ev.Type != eventbus.TypeMessageNew || ev.Sender != "user" || ev.Content != "hi @echo" {
		t.Fatalf("first event = %+v, want message.new from user", ev)
	}

	ev = readEvent(t, c)
	if ev.Type != eventbus.TypeAgentStart || ev.Sender != "echo" {
		t.Fatalf("second event = %+v, want agent.start from echo", ev)
	}
	replyID := ev.MessageID

	var text strings.Builder
	for {
		ev = readEvent(t, c)
		if ev.MessageID != replyID {
			t.Fatalf("event %+v does not belong to reply %q", ev, replyID)
		}
		if ev.Type == eventbus.TypeAgentChunk {
			text.WriteString(ev.Content)
			continue
		}
		break
	}
	if ev.Type != eventbus.TypeAgentEnd {
		t.Fatalf("terminal event = %+v, want agent.end", ev)
	}
	if ev.PersistedMessageID == "" {
		t.Error("agent.end carries no persisted message id")
	}
	if text.String() != "ok" || ev.Content != "ok" {
		t.Errorf("streamed %q, final %q, want both %q", text.String(), ev.Content, "ok")
	}
}

func TestWebSocketClosesOnSessionDelete(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.createSession(t)

	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)

	c := dialWS(t, ts, f.owner, id)

	rec := f.do(t, http.MethodDelete, "/sessions/"+id, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete session: status %d", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var ev eventbus.Event
	err := wsjson.Read(ctx, c, &ev)
	if err == nil {
		t.Fatalf("read after delete returned event %+v, want closed connection", ev)
	}
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", websocket.CloseStatus(err))
	}
}

func TestWebSocketRejectsForeignSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.createSession(t)

	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := strings.Replace(ts.URL, "http://", "ws://", 1) + "/ws/sessions/" + id
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{identityHeader: []string{"intruder"}},
	})
	if err == nil {
		t.Fatal("dial succeeded for a foreign session")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %+v, want 403", resp)
	}
}
