package events

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// RabbitOptions configures queue publishing.
type RabbitOptions struct {
	URL            string
	Queue          string
	QueuePrefix    string
	SpecificEvents []string
}

type rabbitPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	queue    string
	prefix   string
	specific map[string]bool
	declared map[string]bool
}

func newRabbitPublisher(opts RabbitOptions) (*rabbitPublisher, error) {
	queue := opts.Queue
	if queue == "" {
		queue = "teams_events"
	}
	prefix := opts.QueuePrefix
	if prefix == "" {
		prefix = "teamsbridge"
	}

	specific := make(map[string]bool)
	for _, e := range opts.SpecificEvents {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !IsValidEventType(e) {
			return nil, fmt.Errorf("unknown event type %q in specific events", e)
		}
		specific[e] = true
	}
	if len(specific) > 0 {
		log.Info().Interface("specificEvents", specific).Msg("Specific RabbitMQ events configured")
	}

	conn, err := amqp091.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}

	log.Info().Str("queue", queue).Str("prefix", prefix).Msg("RabbitMQ connection established")
	return &rabbitPublisher{
		conn:     conn,
		channel:  ch,
		queue:    queue,
		prefix:   prefix,
		specific: specific,
		declared: make(map[string]bool),
	}, nil
}

// queueName returns the per-event queue for configured events, the shared queue otherwise.
func (p *rabbitPublisher) queueName(eventType string) string {
	if p.specific[eventType] {
		return p.prefix + "_" + strings.ReplaceAll(strings.ToLower(eventType), ".", "_")
	}
	return p.prefix + "_" + p.queue
}

func (p *rabbitPublisher) publish(ctx context.Context, eventType string, body []byte) error {
	queueName := p.queueName(eventType)

	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[queueName] {
		_, err := p.channel.QueueDeclare(
			queueName,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			log.Error().Err(err).Str("queue", queueName).Msg("Could not declare RabbitMQ queue")
			return err
		}
		p.declared[queueName] = true
	}

	err := p.channel.PublishWithContext(ctx,
		"",        // default exchange
		queueName, // routing key = queue
		false,     // mandatory
		false,     // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Type:         eventType,
			Body:         body,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("queue", queueName).Str("eventType", eventType).Msg("Could not publish to RabbitMQ")
		return err
	}
	log.Debug().Str("queue", queueName).Str("eventType", eventType).Msg("Published event to RabbitMQ")
	return nil
}

func (p *rabbitPublisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
