package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/thakursanju/smartToll/tollbooth"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RoutingKey is the topic a wallet's payments are published under.
func RoutingKey(wallet string) string {
	return "payment." + normalize(wallet)
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher forwards ledger records to a RabbitMQ topic exchange so
// other services can follow payments per wallet.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
}

func NewAMQPPublisher(amqpURL, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, rec tollbooth.PaymentRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		RoutingKey(rec.WalletAddress),
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    rec.TxHash,
			Body:         body,
			Timestamp:    time.Now(),
			DeliveryMode: amqp.Persistent,
		},
	)
}

func (p *AMQPPublisher) Close() {
	p.channel.Close()
	if p.conn != nil {
		p.conn.Close()
	}
}
