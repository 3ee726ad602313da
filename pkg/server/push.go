package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/netconsole/netconsole/pkg/checkpoint"
	"github.com/netconsole/netconsole/pkg/model"
	"github.com/netconsole/netconsole/pkg/util"
)

// Message types pushed to browsers.
const (
	MessageChanged        = "changed"
	MessageCurtain        = "curtain"
	MessageBreakingChange = "breaking-change"
)

const (
	sendBuffer   = 16
	writeTimeout = 10 * time.Second
)

// Message is one push notification. A "changed" message carries only the
// generation; clients fetch the snapshot they need.
type Message struct {
	Type       string `json:"type"`
	Generation uint64 `json:"generation,omitempty"`
	Ready      bool   `json:"ready,omitempty"`
	Curtain    string `json:"curtain,omitempty"`
	Error      string `json:"error,omitempty"`
	FailText   string `json:"fail_text,omitempty"`
	AnywayText string `json:"anyway_text,omitempty"`
}

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsClient struct {
	send chan Message
}

// Hub fans messages out to websocket clients. It is also the checkpoint
// presenter: curtains and breaking-change dialogs are pushed to every
// browser, and the last breaking change is kept for a retry request.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	last    Message
	pending *checkpoint.BreakingChangeError
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		last:    Message{Type: MessageChanged},
	}
}

// Run pushes a "changed" message for every snapshot until ctx is done or
// changes is closed.
func (h *Hub) Run(ctx context.Context, changes <-chan *model.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-changes:
			if !ok {
				return
			}
			if s == nil {
				continue
			}
			msg := Message{Type: MessageChanged, Generation: s.Generation, Ready: s.Ready}
			h.mu.Lock()
			h.last = msg
			h.mu.Unlock()
			h.Broadcast(msg)
		}
	}
}

// Broadcast queues msg for every client. Clients whose buffer is full
// miss the message; a later "changed" supersedes it.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// ShowCurtain is part of the checkpoint.Presenter interface.
func (h *Hub) ShowCurtain(c checkpoint.Curtain) {
	h.Broadcast(Message{Type: MessageCurtain, Curtain: string(c)})
}

// ShowBreakingChange is part of the checkpoint.Presenter interface.
func (h *Hub) ShowBreakingChange(e *checkpoint.BreakingChangeError) {
	h.mu.Lock()
	h.pending = e
	h.mu.Unlock()
	h.Broadcast(Message{
		Type:       MessageBreakingChange,
		Error:      e.Error(),
		FailText:   e.FailText,
		AnywayText: e.AnywayText,
	})
}

// TakePending returns and clears the last breaking change, or nil.
func (h *Hub) TakePending() *checkpoint.BreakingChangeError {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.pending
	h.pending = nil
	return e
}

// Clients returns the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams messages until the client goes
// away. The first message repeats the latest "changed" notification.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		util.WithOperation("push").Errorf("problem initiating websocket: %v", err)
		return
	}
	defer conn.Close()

	c := &wsClient{send: make(chan Message, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	c.send <- h.last
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	// The read loop only notices the close; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case msg := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				util.WithOperation("push").Debugf("websocket write failed: %v", err)
				return
			}
		}
	}
}
