package router

import (
	"log/slog"
	"sync"

	"github.com/nicebartender/switchboard/chat"
	"github.com/nicebartender/switchboard/dispatch"
)

// Log is the durable chat-history store. Writes are once-per-message,
// keyed by (chat, message id); reads return the chat's full ordered
// history.
type Log interface {
	FindLog(chatID string) ([]chat.Message, error)
	RecordCustomerMessage(c chat.Chat, m chat.Message) error
	RecordOperatorMessage(c chat.Chat, op chat.OperatorRef, m chat.Message) error
	RecordAgentMessage(c chat.Chat, m chat.Message) error
}

// Metrics counts routed messages. Optional.
type Metrics interface {
	MessageRouted(author chat.AuthorType)
}

// Router consumes events from the three participant channels, consults
// the dispatch engine, persists messages and fans them out. Within one
// chat, messages are persisted and broadcast in the order observed; no
// ordering holds across chats.
type Router struct {
	engine    *dispatch.Engine
	log       Log
	customers chat.CustomerChannel
	operators chat.OperatorChannel
	agents    chat.AgentChannel
	metrics   Metrics

	middleware []Middleware

	qmu    sync.Mutex
	queues map[string]*taskQueue
}

func New(engine *dispatch.Engine, log Log, customers chat.CustomerChannel, operators chat.OperatorChannel, agents chat.AgentChannel) *Router {
	r := &Router{
		engine:    engine,
		log:       log,
		customers: customers,
		operators: operators,
		agents:    agents,
		queues:    make(map[string]*taskQueue),
	}
	// synthetic event messages from the engine route like operator messages
	engine.OnEventMessage(r.OperatorMessage)
	return r
}

// SetMetrics attaches a message counter. Setup-time only.
func (r *Router) SetMetrics(m Metrics) {
	r.metrics = m
}

func (r *Router) counted(author chat.AuthorType) {
	if r.metrics != nil {
		r.metrics.MessageRouted(author)
	}
}

// CustomerJoin replays the chat history to the joining connection and
// announces the customer to the agent channel.
func (r *Router) CustomerJoin(connection string, user chat.CustomerProfile) {
	r.agents.CustomerJoin(user)
	history, err := r.log.FindLog(user.ID)
	if err != nil {
		slog.Error("find log failed", "chat", user.ID, "err", err)
		return
	}
	r.customers.SendLog(connection, history)
}

// CustomerLeave forwards the departure to the agent channel.
func (r *Router) CustomerLeave(user chat.CustomerProfile) {
	r.agents.CustomerLeave(user)
}

// CustomerMessage locates or opens the chat, persists the message, runs
// the middleware pipeline and broadcasts. The agent and operator fan-out
// carries the original message and does not wait on the pipeline; only
// the customer-channel broadcast depends on pipeline success.
func (r *Router) CustomerMessage(c chat.Chat, m chat.Message) {
	if m.Timestamp == 0 {
		m.Timestamp = chat.Timestamp()
	}
	m.Author = chat.Author{Type: chat.AuthorCustomer, ID: c.Customer.ID}
	m.Context = c.ID

	r.engine.OpenOrGet(c)
	r.enqueue(c.ID, func() {
		if err := r.log.RecordCustomerMessage(c, m); err != nil {
			slog.Error("record customer message failed", "chat", c.ID, "message", m.ID, "err", err)
			return
		}
		r.counted(chat.AuthorCustomer)
		r.agents.Receive(chat.FormatAgentMessage(chat.AuthorCustomer, c.ID, c.ID, m))
		r.operators.Receive(c, chat.OperatorRef{}, m)

		final, err := r.runMiddleware(Context{
			Origin:      chat.AuthorCustomer,
			Destination: chat.AuthorCustomer,
			Chat:        c,
			User:        c.Customer,
			Message:     m,
		})
		if err != nil {
			slog.Warn("middleware aborted customer delivery", "chat", c.ID, "message", m.ID, "err", err)
			return
		}
		r.customers.Receive(c, final)
	})
}

// OperatorMessage persists and fans out an operator (or engine event)
// message to all three channels. No middleware applies.
func (r *Router) OperatorMessage(c chat.Chat, op chat.OperatorRef, m chat.Message) {
	if m.Timestamp == 0 {
		m.Timestamp = chat.Timestamp()
	}
	if m.Author.Type == "" {
		m.Author = chat.Author{Type: chat.AuthorOperator, ID: op.ID}
	}
	m.Context = c.ID

	r.enqueue(c.ID, func() {
		if err := r.log.RecordOperatorMessage(c, op, m); err != nil {
			slog.Error("record operator message failed", "chat", c.ID, "message", m.ID, "err", err)
			return
		}
		r.counted(m.Author.Type)
		r.agents.Receive(chat.FormatAgentMessage(m.Author.Type, m.Author.ID, c.ID, m))
		r.operators.Receive(c, op, m)
		r.customers.Receive(c, m)
	})
}

// AgentMessage persists an inbound agent message, stamps its author type
// and fans it out. The message's context names the chat.
func (r *Router) AgentMessage(m chat.Message) {
	if m.Timestamp == 0 {
		m.Timestamp = chat.Timestamp()
	}
	m.Author.Type = chat.AuthorAgent
	c := chat.Chat{ID: m.Context}

	r.enqueue(c.ID, func() {
		if err := r.log.RecordAgentMessage(c, m); err != nil {
			slog.Error("record agent message failed", "chat", c.ID, "message", m.ID, "err", err)
			return
		}
		r.counted(chat.AuthorAgent)
		r.agents.Receive(chat.FormatAgentMessage(chat.AuthorAgent, m.Author.ID, c.ID, m))
		r.operators.Receive(c, chat.OperatorRef{}, m)
		r.customers.Receive(c, m)
	})
}

// OperatorInit sends the ordered chat list to a connecting operator and
// reassigns any chats it abandoned in a previous session.
func (r *Router) OperatorInit(op chat.OperatorRef) {
	r.operators.SendChatList(op, r.engine.List())
	r.engine.Recover(op)
}

// OperatorJoin replays the chat's history to the operator and logs a
// join notice.
func (r *Router) OperatorJoin(chatID string, op chat.OperatorRef) {
	history, err := r.log.FindLog(chatID)
	if err != nil {
		slog.Error("find log failed", "chat", chatID, "err", err)
	} else {
		r.operators.SendLog(op, chat.Chat{ID: chatID}, history)
	}
	r.engine.Join(chatID, op)
}

func (r *Router) OperatorLeave(chatID string, op chat.OperatorRef) {
	r.engine.Leave(chatID, op)
}

func (r *Router) OperatorClose(chatID string, op chat.OperatorRef) {
	r.engine.Close(chatID, op)
}

func (r *Router) OperatorTransfer(chatID string, from, to chat.OperatorRef) {
	r.engine.Transfer(chatID, from, to)
}

func (r *Router) OperatorDisconnect(operatorID string) {
	r.engine.DisconnectOperator(operatorID)
}

// taskQueue serializes one chat's persistence and fan-out. The draining
// goroutine lives only while the queue is non-empty.
type taskQueue struct {
	tasks []func()
}

func (r *Router) enqueue(chatID string, task func()) {
	r.qmu.Lock()
	if q, ok := r.queues[chatID]; ok {
		q.tasks = append(q.tasks, task)
		r.qmu.Unlock()
		return
	}
	q := &taskQueue{tasks: []func(){task}}
	r.queues[chatID] = q
	r.qmu.Unlock()
	go r.drain(chatID, q)
}

func (r *Router) drain(chatID string, q *taskQueue) {
	for {
		r.qmu.Lock()
		if len(q.tasks) == 0 {
			delete(r.queues, chatID)
			r.qmu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		r.qmu.Unlock()
		task()
	}
}
