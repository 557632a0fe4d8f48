package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/traceproof/traceproof/internal/audit"
)

// liveFeed pushes appended audit entries to dashboard WebSocket clients.
//
// Each client gets a buffered send channel drained by its own writer
// goroutine. publish fans the marshaled entry out under the lock and
// drops any client whose buffer is full, so a stalled browser tab can
// never back-pressure an Append.
type liveFeed struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// upgrader handles the HTTP → WebSocket upgrade. The dashboard is served
// same-origin on a loopback bind, so all origins are accepted.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newLiveFeed() *liveFeed {
	return &liveFeed{clients: make(map[*websocket.Conn]chan []byte)}
}

// publish marshals the entry once and queues it for every client.
// Best-effort: with no clients connected the entry is simply dropped.
func (f *liveFeed) publish(e audit.Entry) {
	msg, err := json.Marshal(e)
	if err != nil {
		slog.Error("marshaling feed entry", "trace_id", e.ID, "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for conn, send := range f.clients {
		select {
		case send <- msg:
		default:
			delete(f.clients, conn)
			close(send)
		}
	}
}

// handle upgrades the request and services the client until it leaves.
// The feed is one-directional; the read loop exists only to notice the
// disconnect.
func (f *liveFeed) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	send := make(chan []byte, 64)
	f.mu.Lock()
	f.clients[conn] = send
	total := len(f.clients)
	f.mu.Unlock()
	slog.Debug("feed client connected", "total", total)

	go writeLoop(conn, send)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	f.drop(conn)
}

// drop removes a client and closes its send channel, which ends its
// write loop. Safe to call more than once per client: publish may have
// already evicted it.
func (f *liveFeed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	send, ok := f.clients[conn]
	if ok {
		delete(f.clients, conn)
		close(send)
	}
	total := len(f.clients)
	f.mu.Unlock()

	if ok {
		slog.Debug("feed client disconnected", "total", total)
	}
	conn.Close()
}

// writeLoop drains the send channel onto the wire, one goroutine per
// client. A write failure just ends the loop; the client's read loop
// notices the closed connection and unregisters it.
func writeLoop(conn *websocket.Conn, send chan []byte) {
	defer conn.Close()
	for msg := range send {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
