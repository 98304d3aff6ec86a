package ws

import (
	"encoding/json"

	"github.com/agnij-dutta/tempus/internal/domain"
)

// firehose is the subscription key for clients that want every preview's
// lifecycle events rather than a single preview's.
const firehose = ""

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans lifecycle events out to stream subscribers. Subscriptions are
// keyed by preview id; the empty id subscribes to all previews. The clients
// map is owned by the run goroutine, so no locking is needed.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

type message struct {
	previewID string
	payload   []byte
}

type subscription struct {
	previewID string
	client    Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.previewID]; !ok {
				h.clients[sub.previewID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.previewID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.previewID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.previewID)
				}
			}
		case msg := <-h.broadcast:
			h.deliver(msg.previewID, msg.payload)
			if msg.previewID != firehose {
				h.deliver(firehose, msg.payload)
			}
		}
	}
}

func (h *Hub) deliver(key string, payload []byte) {
	clients, ok := h.clients[key]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, key)
	}
}

// Register adds a client to a preview's stream; empty id means all previews.
func (h *Hub) Register(previewID string, client Subscriber) {
	h.register <- subscription{previewID: previewID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(previewID string, client Subscriber) {
	h.unreg <- subscription{previewID: previewID, client: client}
}

// Broadcast sends payload to the preview's subscribers and the firehose.
func (h *Hub) Broadcast(previewID string, payload []byte) {
	h.broadcast <- message{previewID: previewID, payload: payload}
}

// Publish serializes a lifecycle event and broadcasts it.
func (h *Hub) Publish(evt domain.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	h.Broadcast(evt.PreviewID, payload)
}
