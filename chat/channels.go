package chat

// SettleOperator completes an assignment request. It is single-use:
// calls after the first are discarded.
type SettleOperator func(err error, op OperatorRef)

// SettleTransfer completes a transfer request with the accepting
// operator's id. Single-use, same discipline as SettleOperator.
type SettleTransfer func(err error, operatorID string)

// OperatorChannel is the outbound contract to connected operators.
type OperatorChannel interface {
	// Assign broadcasts an assignment request for a pending chat. The
	// first operator to accept settles it.
	Assign(c Chat, room string, settle SettleOperator)
	// Transfer asks a specific operator to take over a chat.
	Transfer(c Chat, to OperatorRef, settle SettleTransfer)
	// Recover tells a reconnected operator to rejoin its abandoned
	// chats. complete is invoked once the transport has regrouped them.
	Recover(op OperatorRef, chats []Chat, complete func())
	// Close tells the transport to drop room membership for a closed chat.
	Close(c Chat, room string, by OperatorRef)
	// SendChatList delivers the full chat list to a newly connected
	// operator, ordered assigned, pending, abandoned.
	SendChatList(op OperatorRef, records []Record)
	// SendLog replays a chat's history to an operator joining it.
	SendLog(op OperatorRef, c Chat, history []Message)
	// Receive broadcasts a routed message to the chat's operators.
	Receive(c Chat, op OperatorRef, m Message)
}

// CustomerChannel is the outbound contract to connected customers.
type CustomerChannel interface {
	// Receive broadcasts a routed message to the chat's customer
	// connections.
	Receive(c Chat, m Message)
	// SendLog replays chat history to one joining connection.
	SendLog(connection string, history []Message)
}

// AgentChannel is the outbound contract to external integration agents.
type AgentChannel interface {
	Receive(m AgentMessage)
	CustomerJoin(u CustomerProfile)
	CustomerLeave(u CustomerProfile)
}
