package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

// Envelope is the wire format shared by every transport.
type Envelope struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	CreatedAt   time.Time       `json:"created_at"`
	Payload     json.RawMessage `json:"payload"`
}

func envelopeOf(entry OutboxEntry) ([]byte, error) {
	return json.Marshal(Envelope{
		ID:          entry.ID.String(),
		Type:        entry.Type,
		AggregateID: entry.AggregateID,
		CreatedAt:   entry.CreatedAt,
		Payload:     entry.Payload,
	})
}

// Fanout delivers to every handler and fails if any of them does. Handlers
// must tolerate redelivery since a partial failure retries all of them.
func Fanout(handlers ...DeliveryHandler) DeliveryHandler {
	var active []DeliveryHandler
	for _, h := range handlers {
		if h != nil {
			active = append(active, h)
		}
	}
	return HandlerFunc(func(ctx context.Context, entry OutboxEntry) error {
		var errs []error
		for _, h := range active {
			if err := h.Handle(ctx, entry); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// LogHandler writes each event to the log. Used when no broker is configured.
func LogHandler(logger *logging.Logger) DeliveryHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return HandlerFunc(func(_ context.Context, entry OutboxEntry) error {
		logger.Info("event", "event_id", entry.ID, "type", entry.Type, "aggregate_id", entry.AggregateID)
		return nil
	})
}

type sqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends each event to an SQS queue.
type SQSPublisher struct {
	client   sqsSender
	queueURL string
}

func NewSQSPublisher(client sqsSender, queueURL string) *SQSPublisher {
	if client == nil {
		panic("events: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("events: SQS queueURL cannot be empty")
	}
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Handle(ctx context.Context, entry OutboxEntry) error {
	body, err := envelopeOf(entry)
	if err != nil {
		return fmt.Errorf("events: encode envelope: %w", err)
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(entry.Type)},
		},
	}
	if strings.HasSuffix(p.queueURL, ".fifo") {
		input.MessageGroupId = aws.String(entry.AggregateID)
		input.MessageDeduplicationId = aws.String(entry.ID.String())
	}
	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("events: failed to send SQS message: %w", err)
	}
	return nil
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes each event to a topic exchange, routed by event type.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
}

// DialAMQP connects and declares the exchange.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

func newAMQPPublisher(ch amqpChannel, exchange string) *AMQPPublisher {
	return &AMQPPublisher{channel: ch, exchange: exchange}
}

func (p *AMQPPublisher) Handle(ctx context.Context, entry OutboxEntry) error {
	body, err := envelopeOf(entry)
	if err != nil {
		return fmt.Errorf("events: encode envelope: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    entry.ID.String(),
		Type:         entry.Type,
		Timestamp:    entry.CreatedAt,
		Body:         body,
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, entry.Type, false, false, msg); err != nil {
		return fmt.Errorf("events: amqp publish: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	if p == nil || p.channel == nil {
		return nil
	}
	err := p.channel.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}
