package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host              string
	Port              int
	User              string
	Password          string
	VHost             string
	ExchangeName      string
	ExchangeType      string
	ExchangeDurable   bool
	QueueName         string
	DeadLetterQueue   string // defaults to "<QueueName>.dlq"
	RoutingKey        string
	PrefetchCount     int
	ReceiveTimeout    time.Duration
	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
}

// Delivery is a single received message plus the broker metadata the
// consumer needs to settle it.
type Delivery struct {
	Body          string
	MessageID     string
	ContentType   string
	DeliveryCount int

	tag uint64
}

// Client represents a RabbitMQ client implementing the pipeline's
// work-queue contract: at-least-once delivery, a broker-tracked delivery
// count, and complete/abandon/dead-letter settlement.
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	isConnected bool

	consumeOnce sync.Once
	deliveries  <-chan amqp.Delivery
	consumeErr  error
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	if config.DeadLetterQueue == "" {
		config.DeadLetterQueue = config.QueueName + ".dlq"
	}

	client := &Client{
		config:    config,
		logger:    logger,
		closeChan: make(chan *amqp.Error),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	for attempt := 1; attempt <= c.config.RetryAttempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.config.RetryAttempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < c.config.RetryAttempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", c.config.RetryAttempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup exchange and queues: %w", err)
	}

	c.closeChan = make(chan *amqp.Error)
	c.channel.NotifyClose(c.closeChan)
	c.isConnected = true

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.String("dead_letter_queue", c.config.DeadLetterQueue),
	)

	return nil
}

// setup declares the exchange, the main quorum queue, the dead-letter queue,
// and the binding. The quorum queue type is required: it is what makes the
// broker track x-delivery-count across redeliveries.
func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,    // name
		c.config.ExchangeType,    // type
		c.config.ExchangeDurable, // durable
		false,                    // auto-deleted
		false,                    // internal
		false,                    // no-wait
		nil,                      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = c.channel.QueueDeclare(
		c.config.QueueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-queue-type": "quorum"},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	_, err = c.channel.QueueDeclare(
		c.config.DeadLetterQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}

	err = c.channel.QueueBind(
		c.config.QueueName,
		c.config.RoutingKey,
		c.config.ExchangeName,
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	return nil
}

// Publish publishes a persistent message. The message ID doubles as the
// correlation ID so a queue browser can trace a job back to its image.
func (c *Client) Publish(ctx context.Context, messageID string, body []byte, contentType string) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	err := c.channel.PublishWithContext(
		ctx,
		c.config.ExchangeName,
		c.config.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   contentType,
			Body:          body,
			DeliveryMode:  amqp.Persistent,
			MessageId:     messageID,
			CorrelationId: messageID,
			Timestamp:     time.Now(),
		},
	)

	if err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ",
			slog.Any("error", err),
			slog.String("message_id", messageID),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("message_id", messageID),
		slog.Int("body_size", len(body)),
	)

	return nil
}

// Receive waits up to the configured receive timeout for a single message.
// A timeout is not an error: it returns (nil, nil), meaning no work is
// currently available.
func (c *Client) Receive(ctx context.Context) (*Delivery, error) {
	if !c.isConnected {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	c.consumeOnce.Do(func() {
		if err := c.channel.Qos(c.config.PrefetchCount, 0, false); err != nil {
			c.consumeErr = fmt.Errorf("failed to set QoS: %w", err)
			return
		}

		deliveries, err := c.channel.Consume(
			c.config.QueueName,
			"",    // consumer tag, broker-generated
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,   // args
		)
		if err != nil {
			c.consumeErr = fmt.Errorf("failed to start consuming: %w", err)
			return
		}

		c.deliveries = deliveries
		c.logger.Info("Started consuming messages from RabbitMQ",
			slog.String("queue", c.config.QueueName),
			slog.Int("prefetch_count", c.config.PrefetchCount),
		)
	})
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}

	timeout := c.config.ReceiveTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, fmt.Errorf("rabbitmq delivery channel closed")
		}
		return &Delivery{
			Body:          string(d.Body),
			MessageID:     d.MessageId,
			ContentType:   d.ContentType,
			DeliveryCount: deliveryCount(d),
			tag:           d.DeliveryTag,
		}, nil
	}
}

// deliveryCount maps the quorum-queue x-delivery-count header (prior failed
// deliveries, absent on the first attempt) onto a 1-based attempt counter.
func deliveryCount(d amqp.Delivery) int {
	if d.Headers == nil {
		return 1
	}

	switch v := d.Headers["x-delivery-count"].(type) {
	case int32:
		return int(v) + 1
	case int64:
		return int(v) + 1
	case int:
		return v + 1
	default:
		return 1
	}
}

// Complete acknowledges the delivery, permanently removing it from the queue.
func (c *Client) Complete(d *Delivery) error {
	if err := c.channel.Ack(d.tag, false); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", d.MessageID, err)
	}
	return nil
}

// Abandon returns the delivery to the queue for redelivery. The broker
// increments the delivery count.
func (c *Client) Abandon(d *Delivery) error {
	if err := c.channel.Nack(d.tag, false, true); err != nil {
		return fmt.Errorf("failed to nack message %s: %w", d.MessageID, err)
	}
	return nil
}

// DeadLetter moves the delivery to the dead-letter queue with a reason and
// removes it from the main queue. AMQP has no native reason field, so the
// message is republished to the DLQ with reason headers and then acked.
func (c *Client) DeadLetter(ctx context.Context, d *Delivery, reason, description string) error {
	err := c.channel.PublishWithContext(
		ctx,
		"", // default exchange routes directly to the queue
		c.config.DeadLetterQueue,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   d.ContentType,
			Body:          []byte(d.Body),
			DeliveryMode:  amqp.Persistent,
			MessageId:     d.MessageID,
			CorrelationId: d.MessageID,
			Timestamp:     time.Now(),
			Headers: amqp.Table{
				"x-dead-letter-reason":      reason,
				"x-dead-letter-description": description,
				"x-delivery-count":          int64(d.DeliveryCount),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to dead-letter queue: %w", err)
	}

	if err := c.channel.Ack(d.tag, false); err != nil {
		return fmt.Errorf("failed to ack dead-lettered message %s: %w", d.MessageID, err)
	}

	c.logger.Warn("Message dead-lettered",
		slog.String("message_id", d.MessageID),
		slog.String("reason", reason),
		slog.Int("delivery_count", d.DeliveryCount),
	)

	return nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.isConnected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}
