package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nicebartender/switchboard/chat"
	"github.com/nicebartender/switchboard/dispatch"
)

// Controller is the inbound side of the message router. The hub
// normalizes raw connections into these calls; the core never sees a
// websocket.
type Controller interface {
	CustomerJoin(connection string, user chat.CustomerProfile)
	CustomerMessage(c chat.Chat, m chat.Message)
	CustomerLeave(user chat.CustomerProfile)
	OperatorInit(op chat.OperatorRef)
	OperatorMessage(c chat.Chat, op chat.OperatorRef, m chat.Message)
	OperatorJoin(chatID string, op chat.OperatorRef)
	OperatorLeave(chatID string, op chat.OperatorRef)
	OperatorClose(chatID string, op chat.OperatorRef)
	OperatorTransfer(chatID string, from, to chat.OperatorRef)
	OperatorDisconnect(operatorID string)
	AgentMessage(m chat.Message)
}

type Hub struct {
	register   chan *Client
	unregister chan *Client

	mu        sync.RWMutex
	clients   map[*Client]bool
	byConn    map[string]*Client
	roles     map[Role]map[*Client]bool
	operators map[string]map[*Client]bool // operator id -> connections
	roomSubs  map[string]map[*Client]bool

	tokens Tokens

	Controller Controller
	claims     *claimTable // set by NewOperatorGateway
}

func NewHub(tokens Tokens) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		byConn:     make(map[string]*Client),
		roles:      make(map[Role]map[*Client]bool),
		operators:  make(map[string]map[*Client]bool),
		roomSubs:   make(map[string]map[*Client]bool),
		tokens:     tokens,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.byConn[client.id] = client
			h.mu.Unlock()
			slog.Info("client connected", "role", client.role, "conn", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; !ok {
				h.mu.Unlock()
				continue
			}
			delete(h.clients, client)
			delete(h.byConn, client.id)
			if subs := h.roles[client.role]; subs != nil {
				delete(subs, client)
			}
			for room, subs := range h.roomSubs {
				delete(subs, client)
				if len(subs) == 0 {
					delete(h.roomSubs, room)
				}
			}
			operatorGone := false
			operatorID := client.OperatorID()
			if client.role == RoleOperator && operatorID != "" {
				if conns := h.operators[operatorID]; conns != nil {
					delete(conns, client)
					if len(conns) == 0 {
						delete(h.operators, operatorID)
						operatorGone = true
					}
				}
			}
			h.mu.Unlock()
			close(client.done)
			slog.Info("client unregistered", "role", client.role, "conn", client.id)

			if h.Controller == nil || !client.IsAuthenticated() {
				continue
			}
			switch client.role {
			case RoleCustomer:
				h.Controller.CustomerLeave(client.User())
			case RoleOperator:
				// the dispatch engine only cares once the operator's
				// last connection is gone
				if operatorGone {
					h.Controller.OperatorDisconnect(operatorID)
				}
			}
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Subscribe(room string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.roomSubs[room] == nil {
		h.roomSubs[room] = make(map[*Client]bool)
	}
	h.roomSubs[room][client] = true
}

func (h *Hub) Unsubscribe(room string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.roomSubs[room]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.roomSubs, room)
		}
	}
}

// DropRoom removes the room and all its subscriptions.
func (h *Hub) DropRoom(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.roomSubs, room)
}

func (h *Hub) BroadcastRole(role Role, event RPCEvent) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.roles[role]))
	for client := range h.roles[role] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.SendJSON(event)
	}
}

// BroadcastRoomRole sends to the room's subscribers of one role.
func (h *Hub) BroadcastRoomRole(room string, role Role, event RPCEvent) {
	h.mu.RLock()
	var targets []*Client
	for client := range h.roomSubs[room] {
		if client.role == role {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.SendJSON(event)
	}
}

// SendToOperator sends to every connection of one operator.
func (h *Hub) SendToOperator(operatorID string, event RPCEvent) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.operators[operatorID]))
	for client := range h.operators[operatorID] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.SendJSON(event)
	}
}

// SendToConn sends to one connection by its handle.
func (h *Hub) SendToConn(connection string, event RPCEvent) {
	h.mu.RLock()
	client := h.byConn[connection]
	h.mu.RUnlock()
	if client != nil {
		client.SendJSON(event)
	}
}

// OperatorClients returns the live connections of one operator.
func (h *Hub) OperatorClients(operatorID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.operators[operatorID]))
	for client := range h.operators[operatorID] {
		out = append(out, client)
	}
	return out
}

func (h *Hub) handleMessage(client *Client, data []byte) {
	var msg RPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid message", "err", err)
		return
	}
	if msg.Type != "req" {
		slog.Warn("unknown message type", "type", msg.Type)
		return
	}

	if msg.Method == "connect" {
		h.handleConnect(client, msg)
		return
	}

	if !client.IsAuthenticated() {
		client.SendJSON(NewErrorResponse(msg.ID, "AUTH_REQUIRED", "Not authenticated"))
		return
	}

	var params map[string]json.RawMessage
	if msg.Params != nil {
		json.Unmarshal(msg.Params, &params)
	}
	if params == nil {
		params = make(map[string]json.RawMessage)
	}
	req := RPCRequest{ID: msg.ID, Method: msg.Method, Params: params}

	switch client.role {
	case RoleCustomer:
		h.handleCustomerRequest(client, req)
	case RoleOperator:
		h.handleOperatorRequest(client, req)
	case RoleAgent:
		h.handleAgentRequest(client, req)
	}
}

func (h *Hub) handleConnect(client *Client, msg RPCMessage) {
	user, err := VerifyConnect(client.role, msg.Params, h.tokens)
	if err != nil {
		slog.Warn("connect rejected", "role", client.role, "err", err)
		client.SendJSON(NewEvent("unauthorized", nil))
		client.SendJSON(NewErrorResponse(msg.ID, "AUTH_FAILED", err.Error()))
		client.conn.Close()
		return
	}

	profile := user.Profile()
	client.setAuth(profile, user.ID)

	h.mu.Lock()
	if h.roles[client.role] == nil {
		h.roles[client.role] = make(map[*Client]bool)
	}
	h.roles[client.role][client] = true
	if client.role == RoleOperator {
		if h.operators[user.ID] == nil {
			h.operators[user.ID] = make(map[*Client]bool)
		}
		h.operators[user.ID][client] = true
	}
	h.mu.Unlock()

	client.SendJSON(NewResponse(msg.ID, map[string]interface{}{"protocol": 1}))
	slog.Info("client authenticated", "role", client.role, "user", user.ID)

	if h.Controller == nil {
		return
	}
	switch client.role {
	case RoleCustomer:
		// a customer's chat id is their user id; every connection of
		// the same customer shares the chat room
		h.Subscribe(dispatch.CustomerRoom(profile.ID), client)
		client.SendJSON(NewEvent("init", profile))
		h.Controller.CustomerJoin(client.id, profile)
	case RoleOperator:
		h.Controller.OperatorInit(client.OperatorRef())
	}
}

func (h *Hub) handleCustomerRequest(client *Client, req RPCRequest) {
	switch req.Method {
	case "message":
		id := jsonString(req.Params["id"])
		text := jsonString(req.Params["text"])
		if id == "" || text == "" {
			client.SendJSON(NewErrorResponse(req.ID, "INVALID_PARAMS", "id and text are required"))
			return
		}
		user := client.User()
		h.Controller.CustomerMessage(
			chat.Chat{ID: user.ID, Customer: user},
			chat.Message{ID: id, Text: text, Timestamp: chat.Timestamp()},
		)
		client.SendJSON(NewResponse(req.ID, map[string]interface{}{"messageId": id}))
	default:
		client.SendJSON(NewErrorResponse(req.ID, "UNKNOWN_METHOD", "Unknown method: "+req.Method))
	}
}

func (h *Hub) handleOperatorRequest(client *Client, req RPCRequest) {
	op := client.OperatorRef()
	chatID := jsonString(req.Params["chatId"])

	switch req.Method {
	case "message":
		id := jsonString(req.Params["id"])
		text := jsonString(req.Params["text"])
		if chatID == "" || id == "" || text == "" {
			client.SendJSON(NewErrorResponse(req.ID, "INVALID_PARAMS", "chatId, id and text are required"))
			return
		}
		h.Controller.OperatorMessage(
			chat.Chat{ID: chatID},
			op,
			chat.Message{ID: id, Text: text, Timestamp: chat.Timestamp()},
		)
		client.SendJSON(NewResponse(req.ID, map[string]interface{}{"messageId": id}))

	case "chat.join":
		if chatID == "" {
			client.SendJSON(NewErrorResponse(req.ID, "INVALID_PARAMS", "chatId is required"))
			return
		}
		h.Subscribe(dispatch.CustomerRoom(chatID), client)
		h.Controller.OperatorJoin(chatID, op)
		client.SendJSON(NewResponse(req.ID, nil))

	case "chat.leave":
		if chatID == "" {
			client.SendJSON(NewErrorResponse(req.ID, "INVALID_PARAMS", "chatId is required"))
			return
		}
		h.Unsubscribe(dispatch.CustomerRoom(chatID), client)
		h.Controller.OperatorLeave(chatID, op)
		client.SendJSON(NewResponse(req.ID, nil))

	case "chat.close":
		if chatID == "" {
			client.SendJSON(NewErrorResponse(req.ID, "INVALID_PARAMS", "chatId is required"))
			return
		}
		h.Controller.OperatorClose(chatID, op)
		client.SendJSON(NewResponse(req.ID, nil))

	case "chat.transfer":
		to := jsonString(req.Params["to"])
		if chatID == "" || to == "" {
			client.SendJSON(NewErrorResponse(req.ID, "INVALID_PARAMS", "chatId and to are required"))
			return
		}
		h.Controller.OperatorTransfer(chatID, op, chat.OperatorRef{ID: to})
		client.SendJSON(NewResponse(req.ID, nil))

	case "chat.accept":
		requestID := jsonString(req.Params["requestId"])
		if requestID == "" {
			client.SendJSON(NewErrorResponse(req.ID, "INVALID_PARAMS", "requestId is required"))
			return
		}
		if h.claims == nil || !h.claims.accept(requestID, client) {
			client.SendJSON(NewErrorResponse(req.ID, "ALREADY_ASSIGNED", "Request expired or already accepted"))
			return
		}
		client.SendJSON(NewResponse(req.ID, nil))

	default:
		client.SendJSON(NewErrorResponse(req.ID, "UNKNOWN_METHOD", "Unknown method: "+req.Method))
	}
}

func (h *Hub) handleAgentRequest(client *Client, req RPCRequest) {
	switch req.Method {
	case "message":
		id := jsonString(req.Params["id"])
		text := jsonString(req.Params["text"])
		context := jsonString(req.Params["context"])
		if id == "" || context == "" {
			client.SendJSON(NewErrorResponse(req.ID, "INVALID_PARAMS", "id and context are required"))
			return
		}
		h.Controller.AgentMessage(chat.Message{
			ID:        id,
			Text:      text,
			Timestamp: chat.Timestamp(),
			Author:    chat.Author{ID: jsonString(req.Params["author_id"])},
			Context:   context,
		})
		client.SendJSON(NewResponse(req.ID, map[string]interface{}{"messageId": id}))
	default:
		client.SendJSON(NewErrorResponse(req.ID, "UNKNOWN_METHOD", "Unknown method: "+req.Method))
	}
}
