package ws

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicebartender/switchboard/chat"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20 // 1MB
)

// Role is the participant class a connection belongs to, fixed by the
// endpoint it connected on.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleOperator Role = "operator"
	RoleAgent    Role = "agent"
)

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{} // closed on unregister
	role Role
	id   string // connection handle, opaque to the core

	mu            sync.RWMutex
	authenticated bool
	user          chat.CustomerProfile // customers
	operatorID    string               // operators
}

func NewClient(hub *Hub, conn *websocket.Conn, role Role) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		role: role,
		id:   newConnID(),
	}
}

// ID is the opaque connection handle the core addresses this client by.
func (c *Client) ID() string {
	return c.id
}

func (c *Client) Role() Role {
	return c.role
}

func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Client) User() chat.CustomerProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

func (c *Client) OperatorID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.operatorID
}

// OperatorRef builds the identity+handle pair the dispatch engine tracks.
func (c *Client) OperatorRef() chat.OperatorRef {
	return chat.OperatorRef{ID: c.OperatorID(), Connection: c.id}
}

func (c *Client) setAuth(user chat.CustomerProfile, operatorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.user = user
	c.operatorID = operatorID
}

func (c *Client) SendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal error", "err", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		slog.Warn("client send buffer full, dropping message", "role", c.role, "conn", c.id)
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Info("client disconnected", "role", c.role, "err", err)
			}
			return
		}
		c.hub.handleMessage(c, message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func newConnID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
