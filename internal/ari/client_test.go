package ari

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func recvConn(t *testing.T, conns <-chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func recvPayload(t *testing.T, feed <-chan []byte) []byte {
	t.Helper()
	select {
	case data := <-feed:
		return data
	case <-time.After(5 * time.Second):
		t.Fatal("no payload arrived on the feed")
		return nil
	}
}

func TestEventFeedSurvivesDisconnect(t *testing.T) {
	var upgrader websocket.Upgrader
	conns := make(chan *websocket.Conn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	defer srv.Close()

	disconnects := make(chan error, 4)
	client := New(Config{
		BaseURL:  srv.URL,
		Username: "user",
		Password: "pass",
		App:      "callscript",
		OnDisconnect: func(err error) {
			select {
			case disconnects <- err:
			default:
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	first := recvConn(t, conns)
	if err := first.WriteMessage(websocket.TextMessage, []byte(`{"type":"one"}`)); err != nil {
		t.Fatalf("write on first conn: %v", err)
	}
	if got := string(recvPayload(t, feed)); got != `{"type":"one"}` {
		t.Errorf("feed payload = %q", got)
	}

	// Dropping the connection must be reported before the client
	// starts reconnecting.
	first.Close()
	select {
	case err := <-disconnects:
		if err == nil {
			t.Error("disconnect callback got nil error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect never reported")
	}

	second := recvConn(t, conns)
	if err := second.WriteMessage(websocket.TextMessage, []byte(`{"type":"two"}`)); err != nil {
		t.Fatalf("write on second conn: %v", err)
	}
	if got := string(recvPayload(t, feed)); got != `{"type":"two"}` {
		t.Errorf("feed payload after reconnect = %q", got)
	}

	cancel()
	second.Close()
	select {
	case _, ok := <-feed:
		if ok {
			t.Error("unexpected payload after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("feed never closed after cancel")
	}
}
