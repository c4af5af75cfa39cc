package ws

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/nicebartender/switchboard/chat"
	"github.com/nicebartender/switchboard/dispatch"
)

// claimTable tracks outstanding assignment/transfer requests. The first
// operator connection to accept a request id wins; the entry is removed
// so later accepts fail. Entries expire on their own once the engine's
// deadline has long passed.
type claimTable struct {
	mu      sync.Mutex
	pending map[string]*claim
	ttl     time.Duration
}

type claim struct {
	accept func(client *Client)
	timer  *time.Timer
}

func newClaimTable(ttl time.Duration) *claimTable {
	return &claimTable{
		pending: make(map[string]*claim),
		ttl:     ttl,
	}
}

func (t *claimTable) track(accept func(client *Client)) string {
	id := newRequestID()
	cl := &claim{accept: accept}
	t.mu.Lock()
	t.pending[id] = cl
	t.mu.Unlock()
	cl.timer = time.AfterFunc(t.ttl, func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	})
	return id
}

func (t *claimTable) accept(id string, client *Client) bool {
	t.mu.Lock()
	cl, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	cl.timer.Stop()
	cl.accept(client)
	return true
}

// OperatorGateway implements chat.OperatorChannel over the hub.
type OperatorGateway struct {
	hub    *Hub
	claims *claimTable
}

// NewOperatorGateway wires the operator-facing side of the hub. claimTTL
// should comfortably exceed the engine's assignment deadline; expired
// claims are settled by the engine's own timer, the TTL only reclaims
// table entries.
func NewOperatorGateway(hub *Hub, claimTTL time.Duration) *OperatorGateway {
	g := &OperatorGateway{
		hub:    hub,
		claims: newClaimTable(claimTTL),
	}
	hub.claims = g.claims
	return g
}

func (g *OperatorGateway) Assign(c chat.Chat, room string, settle chat.SettleOperator) {
	requestID := g.claims.track(func(client *Client) {
		g.hub.Subscribe(room, client)
		settle(nil, client.OperatorRef())
	})
	g.hub.BroadcastRole(RoleOperator, NewEvent("chat.assign", map[string]interface{}{
		"requestId": requestID,
		"chat":      c,
		"room":      room,
	}))
}

func (g *OperatorGateway) Transfer(c chat.Chat, to chat.OperatorRef, settle chat.SettleTransfer) {
	requestID := g.claims.track(func(client *Client) {
		g.hub.Subscribe(dispatch.CustomerRoom(c.ID), client)
		settle(nil, client.OperatorID())
	})
	g.hub.SendToOperator(to.ID, NewEvent("chat.transfer", map[string]interface{}{
		"requestId": requestID,
		"chat":      c,
	}))
}

func (g *OperatorGateway) Recover(op chat.OperatorRef, chats []chat.Chat, complete func()) {
	for _, c := range chats {
		for _, client := range g.hub.OperatorClients(op.ID) {
			g.hub.Subscribe(dispatch.CustomerRoom(c.ID), client)
		}
	}
	g.hub.SendToOperator(op.ID, NewEvent("chat.recover", map[string]interface{}{
		"chats": chats,
	}))
	complete()
}

func (g *OperatorGateway) Close(c chat.Chat, room string, by chat.OperatorRef) {
	g.hub.BroadcastRoomRole(room, RoleOperator, NewEvent("chat.close", map[string]interface{}{
		"chat": c,
		"by":   by,
	}))
	g.hub.DropRoom(room)
}

func (g *OperatorGateway) SendChatList(op chat.OperatorRef, records []chat.Record) {
	g.hub.SendToOperator(op.ID, NewEvent("chats", records))
}

func (g *OperatorGateway) SendLog(op chat.OperatorRef, c chat.Chat, history []chat.Message) {
	if history == nil {
		history = []chat.Message{}
	}
	g.hub.SendToOperator(op.ID, NewEvent("log", map[string]interface{}{
		"chat":     c,
		"messages": history,
	}))
}

func (g *OperatorGateway) Receive(c chat.Chat, op chat.OperatorRef, m chat.Message) {
	g.hub.BroadcastRoomRole(dispatch.CustomerRoom(c.ID), RoleOperator, NewEvent("receive", map[string]interface{}{
		"chat":    c,
		"message": m,
	}))
}

// CustomerGateway implements chat.CustomerChannel over the hub.
type CustomerGateway struct {
	hub *Hub
}

func NewCustomerGateway(hub *Hub) *CustomerGateway {
	return &CustomerGateway{hub: hub}
}

func (g *CustomerGateway) Receive(c chat.Chat, m chat.Message) {
	g.hub.BroadcastRoomRole(dispatch.CustomerRoom(c.ID), RoleCustomer, NewEvent("message", m))
}

func (g *CustomerGateway) SendLog(connection string, history []chat.Message) {
	if history == nil {
		history = []chat.Message{}
	}
	g.hub.SendToConn(connection, NewEvent("log", history))
}

// AgentGateway implements chat.AgentChannel over the hub.
type AgentGateway struct {
	hub *Hub
}

func NewAgentGateway(hub *Hub) *AgentGateway {
	return &AgentGateway{hub: hub}
}

func (g *AgentGateway) Receive(m chat.AgentMessage) {
	g.hub.BroadcastRole(RoleAgent, NewEvent("receive", m))
}

func (g *AgentGateway) CustomerJoin(u chat.CustomerProfile) {
	g.hub.BroadcastRole(RoleAgent, NewEvent("customer.join", u))
}

func (g *AgentGateway) CustomerLeave(u chat.CustomerProfile) {
	g.hub.BroadcastRole(RoleAgent, NewEvent("customer.leave", u))
}

func newRequestID() string {
	b := make([]byte, 10)
	rand.Read(b)
	return hex.EncodeToString(b)[:16]
}

var _ chat.OperatorChannel = (*OperatorGateway)(nil)
var _ chat.CustomerChannel = (*CustomerGateway)(nil)
var _ chat.AgentChannel = (*AgentGateway)(nil)
