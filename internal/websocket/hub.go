package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"

	"github.com/talkbank/ba2-server/internal/model"
)

const (
	sendBuffer   = 16
	pingInterval = 30 * time.Second
)

// Client is one websocket subscriber of a single job.
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte

	// status read when the client subscribed, written before anything on Send
	initial []byte
	final   bool
}

// ResolveFunc reads a job's current status.
type ResolveFunc func() (model.StatusResponse, error)

// Hub fans job status changes out to websocket subscribers. It holds no job
// state of its own; a subscriber that misses a message can poll the API.
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	log zerolog.Logger
	mu  sync.RWMutex
}

// BroadcastMessage is an encoded message for every subscriber of JobID. A
// final message is the last one the job will ever produce; subscribers are
// closed once it is queued.
type BroadcastMessage struct {
	JobID   string
	Message []byte
	Final   bool
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "ws_hub").Logger(),
	}
}

// Run is the hub's main loop. It returns when ctx is canceled, closing every
// remaining client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for jobID, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
				delete(h.clients, jobID)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.log.Debug().Str("job_id", client.JobID).Msg("client registered")

		case client := <-h.unregister:
			h.remove(client)
			h.log.Debug().Str("job_id", client.JobID).Msg("client unregistered")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
					if msg.Final {
						close(client.Send)
						delete(h.clients[msg.JobID], client)
					}
				default:
					// slow consumer
					close(client.Send)
					delete(h.clients[msg.JobID], client)
				}
			}
			if len(h.clients[msg.JobID]) == 0 {
				delete(h.clients, msg.JobID)
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[client.JobID]; ok {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			close(client.Send)
			if len(clients) == 0 {
				delete(h.clients, client.JobID)
			}
		}
	}
}

// Register adds a client. After the hub has stopped the client is closed
// immediately.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribers returns the number of clients watching jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// BroadcastStatus sends a status snapshot to all subscribers of jobID. It never
// blocks the caller: when the queue is full the update is dropped.
func (h *Hub) BroadcastStatus(jobID string, status model.StatusResponse) {
	data, err := encodeStatus(jobID, status)
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID).Msg("failed to marshal status message")
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{JobID: jobID, Message: data, Final: status.Final()}:
	default:
		h.log.Warn().Str("job_id", jobID).Msg("broadcast queue full, dropping status update")
	}
}

func encodeStatus(jobID string, status model.StatusResponse) ([]byte, error) {
	return json.Marshal(model.WSStatusMessage{
		Type:  model.WSMessageTypeStatus,
		JobID: jobID,
		Job:   status,
	})
}

// Subscribe registers a client for jobID and only then reads the job's
// status, so a transition landing between the two is either seen by resolve
// or delivered on Send. A client whose status is already final is
// unregistered again and only receives that status.
func (h *Hub) Subscribe(jobID string, resolve ResolveFunc) (*Client, error) {
	client := &Client{
		JobID: jobID,
		Send:  make(chan []byte, sendBuffer),
	}
	h.Register(client)

	current, err := resolve()
	if err != nil {
		h.Unregister(client)
		return nil, err
	}
	data, err := encodeStatus(jobID, current)
	if err != nil {
		h.Unregister(client)
		return nil, err
	}

	client.initial = data
	client.final = current.Final()
	if client.final {
		h.Unregister(client)
	}
	return client, nil
}

// HandleConnection serves a subscribed client until the peer goes away or
// the job reaches a final status. The status read at subscription is written
// first so a subscriber never waits for a change that already happened.
func (h *Hub) HandleConnection(c *websocket.Conn, client *Client) {
	client.Conn = c
	defer h.Unregister(client)

	// Only the writer goroutine touches the connection for writes.
	pong := make(chan struct{}, 1)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		if err := c.WriteMessage(websocket.TextMessage, client.initial); err != nil {
			return
		}
		if client.final {
			c.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-pong:
				data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("job_id", client.JobID).Msg("websocket error")
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			select {
			case pong <- struct{}{}:
			default:
			}
		}
	}
}
