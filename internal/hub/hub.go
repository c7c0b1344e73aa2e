package hub

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"qms/clinic-queue/internal/models"
)

// Subscription narrows what a client receives. An empty department means
// every department.
type Subscription struct {
	Department models.Department
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action     string `json:"action"`
	Department string `json:"department"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers payload to every matching client without blocking;
// a client whose buffer is full misses the message. An empty department
// reaches all clients.
func (h *Hub) Broadcast(payload []byte, department models.Department) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, department) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Warn().Str("client_id", client.ID).Msg("drop message for slow client")
		}
	}
}

func match(sub Subscription, department models.Department) bool {
	if sub.Department == "" || department == "" {
		return true
	}
	return sub.Department == department
}

// ParseSubscribe decodes a client control message. A subscribe naming an
// unknown department is rejected.
func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	switch msg.Action {
	case "unsubscribe":
		return msg, true
	case "subscribe":
		if msg.Department == "" {
			return msg, true
		}
		dept, ok := models.ParseDepartment(msg.Department)
		if !ok {
			return SubscribeMessage{}, false
		}
		msg.Department = string(dept)
		return msg, true
	default:
		return SubscribeMessage{}, false
	}
}
