package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsEnvelope frames broadcast events with their subject so dashboards
// can route without subscribing to NATS directly.
type wsEnvelope struct {
	Subject string      `json:"subject"`
	Event   interface{} `json:"event"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 16),
		done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.id] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *wsClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.id)
		g.wsMu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	// Clients only listen; drain until the connection drops.
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

// broadcast fans an event out to every connected client. Slow clients
// drop messages rather than block the caller.
func (g *Gateway) broadcast(subject string, event interface{}) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	if len(g.wsClients) == 0 {
		return
	}

	data, err := json.Marshal(wsEnvelope{Subject: subject, Event: event})
	if err != nil {
		return
	}

	for _, client := range g.wsClients {
		select {
		case client.send <- data:
		default:
		}
	}
}
