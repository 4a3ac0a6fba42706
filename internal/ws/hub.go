// Package ws pushes transfer progress to connected UIs over WebSocket.
package ws

import (
	"sync"

	"github.com/soulstream/backend/internal/transfer"
)

// Hub maintains the set of active clients and broadcasts progress to them.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ProgressMessage

	mu sync.RWMutex
}

// ProgressMessage is one transfer progress update pushed to clients.
type ProgressMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Artist  string `json:"artist,omitempty"`
	Title   string `json:"title,omitempty"`
	Error   string `json:"error,omitempty"`
	Retries int    `json:"retries,omitempty"`
}

// NewHub creates a new Hub instance.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ProgressMessage),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client's buffer is full, drop it
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastJob pushes a job state change to all connected clients.
func (h *Hub) BroadcastJob(job *transfer.Job) {
	h.broadcast <- &ProgressMessage{
		Type:    "transfer_progress",
		JobID:   job.ID,
		Status:  job.Status,
		Artist:  job.Artist,
		Title:   job.Title,
		Error:   job.Error,
		Retries: job.RetryCount,
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
