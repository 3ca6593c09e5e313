package ws

import (
	"encoding/json"
	"time"
)

// Event is one orchestration or monitor event pushed to stream clients.
type Event struct {
	Type       string    `json:"type"`
	ModuleName string    `json:"module_name"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans orchestration events out to stream subscribers. Clients may
// subscribe to a single module or to the firehose (empty module name).
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

type message struct {
	moduleName string
	payload    []byte
}

type subscription struct {
	moduleName string
	client     Subscriber
}

// NewHub creates an initialized Hub. buffer sets how many pending events the
// broadcast channel absorbs before publishers block on slow delivery.
func NewHub(buffer int) *Hub {
	if buffer < 0 {
		buffer = 0
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, buffer),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.moduleName]; !ok {
				h.clients[sub.moduleName] = make(map[Subscriber]struct{})
			}
			h.clients[sub.moduleName][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.moduleName]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.moduleName)
				}
			}
		case msg := <-h.broadcast:
			h.deliver(msg.moduleName, msg.payload)
			if msg.moduleName != "" {
				h.deliver("", msg.payload)
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

// Register adds a client to a module's event stream. An empty module name
// subscribes to every event.
func (h *Hub) Register(moduleName string, client Subscriber) {
	h.register <- subscription{moduleName: moduleName, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(moduleName string, client Subscriber) {
	h.unreg <- subscription{moduleName: moduleName, client: client}
}

// Publish encodes and fans out one event.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	h.broadcast <- message{moduleName: e.ModuleName, payload: payload}
}
