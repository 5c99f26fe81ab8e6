package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jake-jlawson/dashtech/internal/pkg/logger"
	"github.com/jake-jlawson/dashtech/pkg/events"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ClusterChannel is the redis pub/sub channel shared by every instance.
const ClusterChannel = "dashtech_cluster_events"

// CloseTryAgainLater is sent to watchers that cannot keep up.
const CloseTryAgainLater = 1013

type clusterMessage struct {
	Origin  string          `json:"origin"`
	Message json.RawMessage `json:"message"`
}

// Hub fans lifecycle events out to read-only watcher sockets, locally and
// across instances through redis.
type Hub struct {
	// Registered watcher clients.
	clients map[*Client]struct{}

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	mu sync.RWMutex

	// Redis connection for cross-instance communication
	rdb *redis.Client

	// done is closed when Run returns.
	done chan struct{}

	// origin tags our own redis publications so they are not delivered twice.
	origin string

	logger logger.ILogger
}

func NewHub(rdb *redis.Client, log logger.ILogger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]struct{}),
		rdb:        rdb,
		done:       make(chan struct{}),
		origin:     uuid.NewString(),
		logger:     log,
	}
}

// Run serves registrations until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	if h.rdb != nil {
		go h.subscribeToRedis(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Hub", "Watcher registered", map[string]interface{}{"watchers": n})

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Hub", "Watcher unregistered", map[string]interface{}{"watchers": n})
		}
	}
}

// add and remove give up once Run has returned.
func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Len reports the number of local watchers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleEvent matches events.Handler so the hub can subscribe to the bus.
func (h *Hub) HandleEvent(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	h.Broadcast(ctx, data)
	return nil
}

// Broadcast sends data to every local watcher and to the other instances.
func (h *Hub) Broadcast(ctx context.Context, data []byte) {
	h.deliver(data)

	if h.rdb != nil {
		payload, _ := json.Marshal(clusterMessage{Origin: h.origin, Message: data})
		if err := h.rdb.Publish(ctx, ClusterChannel, payload).Err(); err != nil {
			h.logger.Warn("Hub", "Redis publish failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (h *Hub) deliver(data []byte) {
	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if err := client.enqueue(data); err != nil {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	// Closing a client ends its pumps; ServeWatcher then unregisters it.
	for _, client := range slow {
		if !client.isClosed() {
			h.logger.Warn("Hub", "Watcher too slow, dropping", nil)
		}
		_ = client.Close(CloseTryAgainLater, "too slow")
	}
}

func (h *Hub) subscribeToRedis(ctx context.Context) {
	pubsub := h.rdb.Subscribe(ctx, ClusterChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var payload clusterMessage
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				h.logger.Warn("Hub", "Redis msg parse error", map[string]interface{}{"error": err.Error()})
				continue
			}
			if payload.Origin == h.origin {
				continue
			}
			h.deliver(payload.Message)
		}
	}
}
