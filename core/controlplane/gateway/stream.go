package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/driftmail/driftmail/core/infra/bus"
	"github.com/driftmail/driftmail/core/infra/logging"
	"github.com/driftmail/driftmail/core/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Tenant isolation is enforced by token auth, not origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type streamClient struct {
	company string
	ch      chan *pipeline.Event
}

// streamHub fans execution events out to connected websocket clients,
// each of which only sees its own company's events.
type streamHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]*streamClient
}

func newStreamHub() *streamHub {
	return &streamHub{clients: make(map[*websocket.Conn]*streamClient)}
}

func (h *streamHub) add(ws *websocket.Conn, company string) *streamClient {
	client := &streamClient{company: company, ch: make(chan *pipeline.Event, 100)}
	h.mu.Lock()
	h.clients[ws] = client
	h.mu.Unlock()
	return client
}

func (h *streamHub) remove(ws *websocket.Conn) {
	h.mu.Lock()
	client, ok := h.clients[ws]
	if ok {
		delete(h.clients, ws)
	}
	h.mu.Unlock()
	if ok {
		close(client.ch)
	}
}

// broadcast delivers an event to matching clients, dropping it for any
// client whose buffer is full rather than stalling the tap.
func (h *streamHub) broadcast(evt *pipeline.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, client := range h.clients {
		if client.company != evt.CompanyID {
			continue
		}
		select {
		case client.ch <- evt:
		default:
		}
	}
}

// startEventTap subscribes the hub to execution events on the bus.
func (s *Server) startEventTap() error {
	return s.bus.Subscribe(pipeline.SubjectEvents, "", func(env *bus.Envelope) error {
		if env == nil || env.Kind != pipeline.KindEvent {
			return nil
		}
		var evt pipeline.Event
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			logging.Warn("api-gateway", "malformed event payload", "error", err)
			return nil
		}
		s.hub.broadcast(&evt)
		return nil
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	company := companyFrom(r)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("api-gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("api-gateway", "ws connected", "remote", r.RemoteAddr, "company", company)

	client := s.hub.add(ws, company)
	defer s.hub.remove(ws)

	for {
		select {
		case evt, ok := <-client.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
