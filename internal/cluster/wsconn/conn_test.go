package wsconn

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// dialPair spins up a local websocket server and returns a connected
// client/server Conn pair.
func dialPair(t *testing.T) (client *Conn, server *Conn) {
	t.Helper()

	serverCh := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverCh <- New(testLogger(), ws)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client = New(testLogger(), ws)

	select {
	case server = <-serverCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side connection")
	}
	return client, server
}

func TestConn_SendAndReceive(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close(time.Second)
	defer server.Close(time.Second)

	if err := client.Send([]byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-server.Incoming():
		if string(got) != `{"hello":"world"}` {
			t.Errorf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestConn_Bidirectional(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close(time.Second)
	defer server.Close(time.Second)

	if err := server.Send([]byte("from-server")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-client.Incoming():
		if string(got) != "from-server" {
			t.Errorf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestConn_CloseStopsIncoming(t *testing.T) {
	client, server := dialPair(t)
	defer server.Close(time.Second)

	if err := client.Close(time.Second); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case _, ok := <-server.Incoming():
		if ok {
			t.Error("expected incoming channel to be closed or empty after peer close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for incoming channel close")
	}
}

func TestConn_SendAfterCloseFails(t *testing.T) {
	client, server := dialPair(t)
	defer server.Close(time.Second)

	client.Close(time.Second)
	if err := client.Send([]byte("x")); err == nil {
		t.Error("send after close should fail")
	}
}
