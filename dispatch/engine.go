package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nicebartender/switchboard/chat"
)

// ErrTimeout is returned when an assignment or transfer request goes
// unanswered past the deadline.
var ErrTimeout = errors.New("timeout")

// DefaultTimeout bounds operator matching and transfer exchanges.
const DefaultTimeout = 30 * time.Second

// Engine owns the chat-id → record mapping and all lifecycle transitions.
// Every operation is atomic with respect to the others; no two mutations
// of the same record interleave. All external access to records goes
// through these operations.
type Engine struct {
	operators chat.OperatorChannel
	timeout   time.Duration

	mu      sync.Mutex
	records map[string]*chat.Record
	order   []string // chat ids in creation order, for stable listing
	pending map[string]*settlement

	notify    []func(Signal)
	onMessage func(chat.Chat, chat.OperatorRef, chat.Message)
}

type Option func(*Engine)

// WithTimeout overrides the assignment/transfer deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

func New(operators chat.OperatorChannel, opts ...Option) *Engine {
	e := &Engine{
		operators: operators,
		timeout:   DefaultTimeout,
		records:   make(map[string]*chat.Record),
		pending:   make(map[string]*settlement),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Notify registers a signal handler. Setup-time only, not safe to call
// concurrently with engine operations.
func (e *Engine) Notify(fn func(Signal)) {
	e.notify = append(e.notify, fn)
}

// OnEventMessage registers the consumer for synthetic event messages the
// engine emits into the operator stream (transfer/join/leave/close
// notices). The router persists and fans these out like any operator
// message. Setup-time only.
func (e *Engine) OnEventMessage(fn func(chat.Chat, chat.OperatorRef, chat.Message)) {
	e.onMessage = fn
}

func (e *Engine) emit(s Signal) {
	for _, fn := range e.notify {
		fn(s)
	}
}

func (e *Engine) emitMessage(c chat.Chat, op chat.OperatorRef, m chat.Message) {
	if e.onMessage != nil {
		e.onMessage(c, op, m)
	}
}

// CustomerRoom is the transport room label for a chat's customer side.
func CustomerRoom(chatID string) string {
	return "customers/" + chatID
}

// OpenOrGet returns the record for a chat, creating it as pending on
// first sight. A newly created chat immediately triggers assignment.
func (e *Engine) OpenOrGet(c chat.Chat) chat.Record {
	e.mu.Lock()
	if rec, ok := e.records[c.ID]; ok {
		out := *rec
		e.mu.Unlock()
		return out
	}
	rec := &chat.Record{Status: chat.StatusPending, Chat: c}
	e.records[c.ID] = rec
	e.order = append(e.order, c.ID)
	out := *rec
	e.mu.Unlock()

	slog.Debug("chat opened", "chat", c.ID)
	e.emit(Signal{Kind: SignalOpen, Chat: c})
	e.emit(Signal{Kind: SignalStatus, Chat: c, Status: chat.StatusPending})
	e.Assign(c)
	return out
}

// Assign broadcasts an assignment request for a chat and races the
// settlement against the deadline. On timeout a miss signal fires and the
// chat stays pending; the next customer message or an external trigger
// may re-attempt. Settlements after the first are no-ops.
func (e *Engine) Assign(c chat.Chat) {
	cell := e.trackPending(c.ID)
	cell.startTimer(e.timeout, func() {
		e.clearPending(c.ID, cell)
		slog.Info("no operator found", "chat", c.ID)
		e.emit(Signal{Kind: SignalMiss, Chat: c, Err: ErrTimeout})
	})

	settle := func(err error, op chat.OperatorRef) {
		cell.resolve(func() {
			e.clearPending(c.ID, cell)
			if err != nil {
				e.emit(Signal{Kind: SignalMiss, Chat: c, Err: err})
				return
			}
			e.mu.Lock()
			rec, ok := e.records[c.ID]
			if ok {
				assigned := op
				rec.Status = chat.StatusAssigned
				rec.Operator = &assigned
			}
			e.mu.Unlock()
			if !ok {
				// closed while the request was in flight
				return
			}
			slog.Debug("operator found", "chat", c.ID, "operator", op.ID)
			e.emit(Signal{Kind: SignalFound, Chat: c, Operator: op.ID})
			e.emit(Signal{Kind: SignalStatus, Chat: c, Status: chat.StatusAssigned})
		})
	}

	slog.Debug("requesting operator", "chat", c.ID)
	e.operators.Assign(c, CustomerRoom(c.ID), settle)
}

// Transfer asks another operator to take over a chat. On success the
// record's operator is replaced and an event message is logged; on
// timeout a miss signal fires and the record is left unchanged.
func (e *Engine) Transfer(chatID string, from, to chat.OperatorRef) {
	e.mu.Lock()
	rec, ok := e.records[chatID]
	if !ok {
		e.mu.Unlock()
		slog.Warn("transfer for unknown chat", "chat", chatID)
		return
	}
	c := rec.Chat
	e.mu.Unlock()

	cell := e.trackPending(chatID)
	cell.startTimer(e.timeout, func() {
		e.clearPending(chatID, cell)
		slog.Info("transfer timed out", "chat", chatID, "to", to.ID)
		e.emit(Signal{Kind: SignalMiss, Chat: c, Err: ErrTimeout})
	})

	settle := func(err error, operatorID string) {
		cell.resolve(func() {
			e.clearPending(chatID, cell)
			if err != nil {
				e.emit(Signal{Kind: SignalMiss, Chat: c, Err: err})
				return
			}
			e.mu.Lock()
			rec, ok := e.records[chatID]
			if ok {
				accepted := to
				rec.Status = chat.StatusAssigned
				rec.Operator = &accepted
			}
			e.mu.Unlock()
			if !ok {
				return
			}
			e.emit(Signal{Kind: SignalTransfer, Chat: c, Operator: operatorID})
			e.emitMessage(c, from, chat.NewEventMessage(chatID, "chat transferred", map[string]string{
				"from": from.ID,
				"to":   to.ID,
			}))
		})
	}

	e.operators.Transfer(c, to, settle)
}

// DisconnectOperator marks every chat assigned to the operator as
// abandoned, keeping the operator reference for recovery matching.
func (e *Engine) DisconnectOperator(operatorID string) {
	e.mu.Lock()
	var abandoned []chat.Chat
	for _, id := range e.order {
		rec := e.records[id]
		if rec.Status == chat.StatusAssigned && rec.Operator != nil && rec.Operator.ID == operatorID {
			rec.Status = chat.StatusAbandoned
			abandoned = append(abandoned, rec.Chat)
		}
	}
	e.mu.Unlock()

	if len(abandoned) > 0 {
		slog.Info("operator disconnected", "operator", operatorID, "chats", len(abandoned))
	}
	for _, c := range abandoned {
		e.emit(Signal{Kind: SignalStatus, Chat: c, Status: chat.StatusAbandoned})
	}
}

// Recover reassigns the operator's abandoned chats on reconnect and sends
// one recovery instruction listing all of them. Nothing is sent when the
// operator has no abandoned chats.
func (e *Engine) Recover(op chat.OperatorRef) {
	e.mu.Lock()
	var recovered []chat.Chat
	for _, id := range e.order {
		rec := e.records[id]
		if rec.Status == chat.StatusAbandoned && rec.Operator != nil && rec.Operator.ID == op.ID {
			reassigned := op
			rec.Status = chat.StatusAssigned
			rec.Operator = &reassigned
			recovered = append(recovered, rec.Chat)
		}
	}
	e.mu.Unlock()

	if len(recovered) == 0 {
		return
	}
	slog.Info("recovering chats", "operator", op.ID, "chats", len(recovered))
	for _, c := range recovered {
		e.emit(Signal{Kind: SignalStatus, Chat: c, Status: chat.StatusAssigned})
	}
	var once sync.Once
	complete := func() {
		once.Do(func() {
			slog.Debug("recovery acknowledged", "operator", op.ID)
		})
	}
	e.operators.Recover(op, recovered, complete)
}

// List returns all known chats ordered assigned, then pending, then
// abandoned, stable within each group.
func (e *Engine) List() []chat.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]chat.Record, 0, len(e.order))
	for _, status := range []chat.Status{chat.StatusAssigned, chat.StatusPending, chat.StatusAbandoned} {
		for _, id := range e.order {
			if rec := e.records[id]; rec.Status == status {
				out = append(out, *rec)
			}
		}
	}
	return out
}

// Close removes the chat entirely, cancels any outstanding
// assignment/transfer timer, tells the transport to drop room membership
// and logs a close event message.
func (e *Engine) Close(chatID string, by chat.OperatorRef) {
	e.mu.Lock()
	rec, ok := e.records[chatID]
	if !ok {
		e.mu.Unlock()
		slog.Warn("close for unknown chat", "chat", chatID)
		return
	}
	closed := *rec
	delete(e.records, chatID)
	for i, id := range e.order {
		if id == chatID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	cell := e.pending[chatID]
	delete(e.pending, chatID)
	e.mu.Unlock()

	if cell != nil {
		cell.cancel()
	}
	slog.Info("chat closed", "chat", chatID, "by", by.ID)
	e.operators.Close(closed.Chat, CustomerRoom(chatID), by)
	e.emitMessage(closed.Chat, by, chat.NewEventMessage(chatID, "chat closed", map[string]string{
		"by": by.ID,
	}))
}

// Join logs an operator-side join notice. Chat status is unchanged.
func (e *Engine) Join(chatID string, op chat.OperatorRef) {
	e.eventNotice(chatID, op, "operator joined")
}

// Leave logs an operator-side leave notice. Chat status is unchanged.
func (e *Engine) Leave(chatID string, op chat.OperatorRef) {
	e.eventNotice(chatID, op, "operator left")
}

func (e *Engine) eventNotice(chatID string, op chat.OperatorRef, text string) {
	e.mu.Lock()
	rec, ok := e.records[chatID]
	var c chat.Chat
	if ok {
		c = rec.Chat
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.emitMessage(c, op, chat.NewEventMessage(chatID, text, map[string]string{
		"operator": op.ID,
	}))
}

// trackPending registers a settlement cell for a chat, superseding and
// cancelling any cell from an earlier request so a stale miss cannot fire
// against state that has moved on.
func (e *Engine) trackPending(chatID string) *settlement {
	cell := newSettlement()
	e.mu.Lock()
	prev := e.pending[chatID]
	e.pending[chatID] = cell
	e.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
	return cell
}

func (e *Engine) clearPending(chatID string, cell *settlement) {
	e.mu.Lock()
	if e.pending[chatID] == cell {
		delete(e.pending, chatID)
	}
	e.mu.Unlock()
}
