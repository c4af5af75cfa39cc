package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/nicebartender/switchboard/dispatch"
)

// Envelope is the wire form of a dispatch signal published for external
// consumers (monitoring, workforce tooling).
type Envelope struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	ChatID     string `json:"chat_id"`
	CustomerID string `json:"customer_id,omitempty"`
	OperatorID string `json:"operator_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	At         int64  `json:"at"`
}

// Publisher fans dispatch signals to an AMQP topic exchange. Routing key
// is "chat.<kind>". Best-effort: publish failures are logged, never
// surfaced to the engine.
type Publisher struct {
	conn     *amqp091.Connection
	exchange string
	log      *slog.Logger
}

func New(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	return &Publisher{
		conn:     conn,
		exchange: exchange,
		log:      logger,
	}, nil
}

// HandleSignal is registered with Engine.Notify.
func (p *Publisher) HandleSignal(s dispatch.Signal) {
	env := Envelope{
		ID:         uuid.NewString(),
		Kind:       string(s.Kind),
		ChatID:     s.Chat.ID,
		CustomerID: s.Chat.Customer.ID,
		OperatorID: s.Operator,
		Status:     string(s.Status),
		At:         time.Now().Unix(),
	}
	if s.Err != nil {
		env.Error = s.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.publish(ctx, "chat."+env.Kind, env); err != nil {
		p.log.Error("signal publish failed", "kind", env.Kind, "chat", env.ChatID, "err", err)
	}
}

func (p *Publisher) publish(ctx context.Context, key string, env Envelope) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		MessageId:    env.ID,
		Timestamp:    time.Unix(env.At, 0),
		DeliveryMode: amqp091.Persistent,
		Body:         body,
	})
}

func (p *Publisher) Close() error {
	return p.conn.Close()
}
