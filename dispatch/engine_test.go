package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicebartender/switchboard/chat"
)

type assignRequest struct {
	chat   chat.Chat
	room   string
	settle chat.SettleOperator
}

type transferRequest struct {
	chat   chat.Chat
	to     chat.OperatorRef
	settle chat.SettleTransfer
}

type recoverRequest struct {
	op       chat.OperatorRef
	chats    []chat.Chat
	complete func()
}

type closeRequest struct {
	chat chat.Chat
	room string
	by   chat.OperatorRef
}

type fakeOperators struct {
	assigns   chan assignRequest
	transfers chan transferRequest
	recovers  chan recoverRequest
	closes    chan closeRequest
	lists     chan []chat.Record
}

func newFakeOperators() *fakeOperators {
	return &fakeOperators{
		assigns:   make(chan assignRequest, 16),
		transfers: make(chan transferRequest, 16),
		recovers:  make(chan recoverRequest, 16),
		closes:    make(chan closeRequest, 16),
		lists:     make(chan []chat.Record, 16),
	}
}

func (f *fakeOperators) Assign(c chat.Chat, room string, settle chat.SettleOperator) {
	f.assigns <- assignRequest{c, room, settle}
}

func (f *fakeOperators) Transfer(c chat.Chat, to chat.OperatorRef, settle chat.SettleTransfer) {
	f.transfers <- transferRequest{c, to, settle}
}

func (f *fakeOperators) Recover(op chat.OperatorRef, chats []chat.Chat, complete func()) {
	f.recovers <- recoverRequest{op, chats, complete}
}

func (f *fakeOperators) Close(c chat.Chat, room string, by chat.OperatorRef) {
	f.closes <- closeRequest{c, room, by}
}

func (f *fakeOperators) SendChatList(op chat.OperatorRef, records []chat.Record) {
	f.lists <- records
}

func (f *fakeOperators) SendLog(op chat.OperatorRef, c chat.Chat, history []chat.Message) {}

func (f *fakeOperators) Receive(c chat.Chat, op chat.OperatorRef, m chat.Message) {}

type eventMessage struct {
	chat chat.Chat
	op   chat.OperatorRef
	msg  chat.Message
}

type harness struct {
	engine    *Engine
	operators *fakeOperators
	signals   chan Signal
	messages  chan eventMessage
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	operators := newFakeOperators()
	engine := New(operators, opts...)
	h := &harness{
		engine:    engine,
		operators: operators,
		signals:   make(chan Signal, 32),
		messages:  make(chan eventMessage, 32),
	}
	engine.Notify(func(s Signal) { h.signals <- s })
	engine.OnEventMessage(func(c chat.Chat, op chat.OperatorRef, m chat.Message) {
		h.messages <- eventMessage{c, op, m}
	})
	return h
}

func (h *harness) waitSignal(t *testing.T, kind SignalKind) Signal {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case s := <-h.signals:
			if s.Kind == kind {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q signal", kind)
		}
	}
}

func (h *harness) waitAssign(t *testing.T) assignRequest {
	t.Helper()
	select {
	case req := <-h.operators.assigns:
		return req
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for assignment request")
	}
	return assignRequest{}
}

func testChat(id string) chat.Chat {
	return chat.Chat{ID: id, Customer: chat.CustomerProfile{ID: id, DisplayName: "Customer " + id}}
}

func TestOpenOrGetCreatesPending(t *testing.T) {
	h := newHarness(t)

	rec := h.engine.OpenOrGet(testChat("chat-id"))
	require.Equal(t, chat.StatusPending, rec.Status)
	require.Nil(t, rec.Operator)

	open := h.waitSignal(t, SignalOpen)
	require.Equal(t, "chat-id", open.Chat.ID)
	status := h.waitSignal(t, SignalStatus)
	require.Equal(t, chat.StatusPending, status.Status)

	req := h.waitAssign(t)
	require.Equal(t, "chat-id", req.chat.ID)
	require.Equal(t, "customers/chat-id", req.room)
	require.NotNil(t, req.settle)

	// a second message for the same chat finds the record, no new request
	again := h.engine.OpenOrGet(testChat("chat-id"))
	require.Equal(t, chat.StatusPending, again.Status)
	select {
	case <-h.operators.assigns:
		t.Fatal("existing chat must not trigger another assignment")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAssignFound(t *testing.T) {
	h := newHarness(t)
	h.engine.OpenOrGet(testChat("chat-id"))

	req := h.waitAssign(t)
	req.settle(nil, chat.OperatorRef{ID: "operator-id", Connection: "conn-1"})

	found := h.waitSignal(t, SignalFound)
	require.Equal(t, "chat-id", found.Chat.ID)
	require.Equal(t, "operator-id", found.Operator)

	records := h.engine.List()
	require.Len(t, records, 1)
	require.Equal(t, chat.StatusAssigned, records[0].Status)
	require.Equal(t, "operator-id", records[0].Operator.ID)
}

func TestAssignTimeout(t *testing.T) {
	h := newHarness(t, WithTimeout(20*time.Millisecond))
	h.engine.OpenOrGet(testChat("chat-id"))
	h.waitAssign(t)

	miss := h.waitSignal(t, SignalMiss)
	require.Equal(t, "chat-id", miss.Chat.ID)
	require.EqualError(t, miss.Err, "timeout")

	// chat stays pending, permitting a later retry
	records := h.engine.List()
	require.Len(t, records, 1)
	require.Equal(t, chat.StatusPending, records[0].Status)
}

func TestSettleIdempotent(t *testing.T) {
	h := newHarness(t)
	h.engine.OpenOrGet(testChat("chat-id"))

	req := h.waitAssign(t)
	req.settle(nil, chat.OperatorRef{ID: "first"})
	req.settle(nil, chat.OperatorRef{ID: "second"})
	req.settle(ErrTimeout, chat.OperatorRef{})

	found := h.waitSignal(t, SignalFound)
	require.Equal(t, "first", found.Operator)

	// no further found/miss may arrive for the duplicate settlements
	select {
	case s := <-h.signals:
		if s.Kind == SignalFound || s.Kind == SignalMiss {
			t.Fatalf("duplicate settlement produced %q signal", s.Kind)
		}
	case <-time.After(50 * time.Millisecond):
	}

	records := h.engine.List()
	require.Equal(t, "first", records[0].Operator.ID)
}

func TestSettleAfterTimeoutIsNoop(t *testing.T) {
	h := newHarness(t, WithTimeout(15*time.Millisecond))
	h.engine.OpenOrGet(testChat("chat-id"))

	req := h.waitAssign(t)
	h.waitSignal(t, SignalMiss)

	req.settle(nil, chat.OperatorRef{ID: "late-operator"})

	records := h.engine.List()
	require.Equal(t, chat.StatusPending, records[0].Status)
	require.Nil(t, records[0].Operator)
}

func TestDisconnectAbandons(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b", "c"} {
		h.engine.OpenOrGet(testChat(id))
		req := h.waitAssign(t)
		op := "op-1"
		if id == "c" {
			op = "op-2"
		}
		req.settle(nil, chat.OperatorRef{ID: op})
		h.waitSignal(t, SignalFound)
	}

	h.engine.DisconnectOperator("op-1")

	byID := map[string]chat.Record{}
	for _, rec := range h.engine.List() {
		byID[rec.Chat.ID] = rec
	}
	require.Equal(t, chat.StatusAbandoned, byID["a"].Status)
	require.Equal(t, chat.StatusAbandoned, byID["b"].Status)
	require.Equal(t, chat.StatusAssigned, byID["c"].Status)
	// operator reference is retained for recovery matching
	require.Equal(t, "op-1", byID["a"].Operator.ID)
	require.Equal(t, "op-1", byID["b"].Operator.ID)
}

func TestRecoverReassignsAbandoned(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b", "c"} {
		h.engine.OpenOrGet(testChat(id))
		req := h.waitAssign(t)
		req.settle(nil, chat.OperatorRef{ID: "op-1", Connection: "old-conn"})
		h.waitSignal(t, SignalFound)
	}
	h.engine.DisconnectOperator("op-1")

	h.engine.Recover(chat.OperatorRef{ID: "op-1", Connection: "new-conn"})

	var req recoverRequest
	select {
	case req = <-h.operators.recovers:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for recovery instruction")
	}
	require.Equal(t, "op-1", req.op.ID)
	require.Len(t, req.chats, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{req.chats[0].ID, req.chats[1].ID, req.chats[2].ID})
	req.complete()
	req.complete() // idempotent

	for _, rec := range h.engine.List() {
		require.Equal(t, chat.StatusAssigned, rec.Status)
		require.Equal(t, "new-conn", rec.Operator.Connection)
	}

	// exactly one instruction
	select {
	case <-h.operators.recovers:
		t.Fatal("expected a single recovery instruction")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRecoverWithoutAbandonedChats(t *testing.T) {
	h := newHarness(t)
	h.engine.Recover(chat.OperatorRef{ID: "op-1"})

	select {
	case <-h.operators.recovers:
		t.Fatal("no recovery instruction expected for an operator with no abandoned chats")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListOrdering(t *testing.T) {
	h := newHarness(t)

	// abandoned first in creation order, then assigned, then pending
	h.engine.OpenOrGet(testChat("abandoned-1"))
	h.waitAssign(t).settle(nil, chat.OperatorRef{ID: "gone"})
	h.waitSignal(t, SignalFound)
	h.engine.DisconnectOperator("gone")

	h.engine.OpenOrGet(testChat("assigned-1"))
	h.waitAssign(t).settle(nil, chat.OperatorRef{ID: "op"})
	h.waitSignal(t, SignalFound)

	h.engine.OpenOrGet(testChat("pending-1"))
	h.waitAssign(t)
	h.engine.OpenOrGet(testChat("pending-2"))
	h.waitAssign(t)

	var got []string
	for _, rec := range h.engine.List() {
		got = append(got, rec.Chat.ID)
	}
	require.Equal(t, []string{"assigned-1", "pending-1", "pending-2", "abandoned-1"}, got)
}

func TestTransferSuccess(t *testing.T) {
	h := newHarness(t)
	h.engine.OpenOrGet(testChat("the-id"))
	h.waitAssign(t).settle(nil, chat.OperatorRef{ID: "operator_id"})
	h.waitSignal(t, SignalFound)

	from := chat.OperatorRef{ID: "operator_id"}
	to := chat.OperatorRef{ID: "new-operator"}
	h.engine.Transfer("the-id", from, to)

	var req transferRequest
	select {
	case req = <-h.operators.transfers:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transfer request")
	}
	require.Equal(t, "the-id", req.chat.ID)
	require.Equal(t, "new-operator", req.to.ID)

	req.settle(nil, "new-operator")

	sig := h.waitSignal(t, SignalTransfer)
	require.Equal(t, "the-id", sig.Chat.ID)
	require.Equal(t, "new-operator", sig.Operator)

	var ev eventMessage
	select {
	case ev = <-h.messages:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transfer event message")
	}
	require.Equal(t, "chat transferred", ev.msg.Text)
	require.Equal(t, chat.AuthorEvent, ev.msg.Author.Type)
	require.Equal(t, "operator_id", ev.msg.Meta["from"])
	require.Equal(t, "new-operator", ev.msg.Meta["to"])
	require.NotEmpty(t, ev.msg.ID)
	require.NotZero(t, ev.msg.Timestamp)

	records := h.engine.List()
	require.Equal(t, "new-operator", records[0].Operator.ID)
}

func TestTransferTimeout(t *testing.T) {
	h := newHarness(t, WithTimeout(20*time.Millisecond))
	h.engine.OpenOrGet(testChat("the-id"))
	h.waitAssign(t).settle(nil, chat.OperatorRef{ID: "operator_id"})
	h.waitSignal(t, SignalFound)

	h.engine.Transfer("the-id", chat.OperatorRef{ID: "operator_id"}, chat.OperatorRef{ID: "unavailable"})
	<-h.operators.transfers

	miss := h.waitSignal(t, SignalMiss)
	require.Equal(t, "the-id", miss.Chat.ID)
	require.EqualError(t, miss.Err, "timeout")

	// operator left unchanged
	records := h.engine.List()
	require.Equal(t, "operator_id", records[0].Operator.ID)
}

func TestCloseRemovesChat(t *testing.T) {
	h := newHarness(t)
	h.engine.OpenOrGet(testChat("the-id"))
	h.waitAssign(t).settle(nil, chat.OperatorRef{ID: "operator_id"})
	h.waitSignal(t, SignalFound)

	h.engine.Close("the-id", chat.OperatorRef{ID: "op-id"})

	var req closeRequest
	select {
	case req = <-h.operators.closes:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close instruction")
	}
	require.Equal(t, "the-id", req.chat.ID)
	require.Equal(t, "customers/the-id", req.room)
	require.Equal(t, "op-id", req.by.ID)

	var ev eventMessage
	select {
	case ev = <-h.messages:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close event message")
	}
	require.Equal(t, chat.AuthorEvent, ev.msg.Author.Type)
	require.Equal(t, "op-id", ev.msg.Meta["by"])

	require.Empty(t, h.engine.List())
}

func TestCloseCancelsOutstandingTimer(t *testing.T) {
	h := newHarness(t, WithTimeout(30*time.Millisecond))
	h.engine.OpenOrGet(testChat("chat-id"))
	h.waitAssign(t)

	h.engine.Close("chat-id", chat.OperatorRef{ID: "op"})

	// the superseded assignment must not fire a stale miss
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case s := <-h.signals:
			require.NotEqual(t, SignalMiss, s.Kind, "stale miss after close")
		case <-deadline:
			return
		}
	}
}

func TestJoinAndLeaveNotices(t *testing.T) {
	h := newHarness(t)
	h.engine.OpenOrGet(testChat("the-id"))
	h.waitAssign(t)

	h.engine.Join("the-id", chat.OperatorRef{ID: "joining-operator"})
	ev := <-h.messages
	require.Equal(t, "the-id", ev.chat.ID)
	require.Equal(t, "joining-operator", ev.msg.Meta["operator"])
	require.NotEmpty(t, ev.msg.ID)

	h.engine.Leave("the-id", chat.OperatorRef{ID: "leaving-operator"})
	ev = <-h.messages
	require.Equal(t, "leaving-operator", ev.msg.Meta["operator"])

	// status untouched by join/leave notices
	records := h.engine.List()
	require.Equal(t, chat.StatusPending, records[0].Status)

	// notices for unknown chats are dropped
	h.engine.Join("nope", chat.OperatorRef{ID: "op"})
	select {
	case <-h.messages:
		t.Fatal("unknown chat must not produce a notice")
	case <-time.After(50 * time.Millisecond):
	}
}
