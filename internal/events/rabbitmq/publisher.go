// Package rabbitmq 通过 RabbitMQ 持久化队列发布邮件事件。
package rabbitmq

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mailsink/backend/internal/events"
)

const (
	// ExchangeDeadLetter 死信交换机
	ExchangeDeadLetter = "mailsink.dead-letter"
	// RoutingKeyDeadLetter 死信路由键
	RoutingKeyDeadLetter = "dead-letter"

	DefaultMessageTTL          = 72 * time.Hour // 超过 TTL 的消息转入死信队列
	DefaultMaxRetries          = 3
	DefaultPublishTimeout      = 5 * time.Second
	DefaultReconnectBackoff    = time.Second
	DefaultMaxReconnectBackoff = 30 * time.Second
)

// Config 发布者配置
type Config struct {
	URL                 string
	Exchange            string // topic 交换机
	RoutingKey          string
	Queue               string // 为空时使用 Exchange + "." + RoutingKey
	MessageTTL          time.Duration
	MaxRetries          int
	PublishTimeout      time.Duration
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
}

func (c *Config) setDefaults() {
	if c.Queue == "" {
		c.Queue = c.Exchange + "." + c.RoutingKey
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = DefaultMessageTTL
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.MaxReconnectBackoff <= 0 {
		c.MaxReconnectBackoff = DefaultMaxReconnectBackoff
	}
}

// Publisher RabbitMQ 发布者，开启 publisher confirms，断线后自动重连
type Publisher struct {
	cfg Config
	log *zap.Logger

	connectionMutex sync.Mutex
	connection      *amqp091.Connection

	publishMutex   sync.Mutex
	publishChannel *amqp091.Channel
	confirms       chan amqp091.Confirmation

	closed chan struct{}
}

// NewPublisher 连接 RabbitMQ 并声明交换机和队列
func NewPublisher(cfg Config, log *zap.Logger) (*Publisher, error) {
	if cfg.URL == "" || cfg.Exchange == "" || cfg.RoutingKey == "" {
		return nil, errors.New("rabbitmq url, exchange and routing key are required")
	}
	cfg.setDefaults()

	p := &Publisher{
		cfg:    cfg,
		log:    log,
		closed: make(chan struct{}),
	}

	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// Publish 发布事件，失败时按配置重试
func (p *Publisher) Publish(ctx context.Context, evt *events.EmailReceived) error {
	msg, err := newPublishing(evt)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		lastErr = p.publishWithConfirm(ctx, msg)
		if lastErr == nil {
			return nil
		}

		p.log.Warn("publish attempt failed",
			zap.Int("attempt", attempt+1),
			zap.String("email_id", evt.EmailID),
			zap.Error(lastErr),
		)
		if attempt < p.cfg.MaxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond * time.Duration(attempt+1)):
			}
		}
	}

	return errors.Wrap(lastErr, "failed to publish message after all retries")
}

// newPublishing 构造持久化的 JSON 消息
func newPublishing(evt *events.EmailReceived) (amqp091.Publishing, error) {
	body, err := events.Encode(evt)
	if err != nil {
		return amqp091.Publishing{}, errors.Wrap(err, "failed to marshal event")
	}
	return amqp091.Publishing{
		DeliveryMode: amqp091.Persistent,
		ContentType:  "application/json",
		MessageId:    evt.EventID,
		Type:         evt.Type,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}, nil
}

func (p *Publisher) publishWithConfirm(ctx context.Context, msg amqp091.Publishing) error {
	p.publishMutex.Lock()
	defer p.publishMutex.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := p.ensureConnectionAndChannel(); err != nil {
		return err
	}

	err := p.publishChannel.PublishWithContext(ctx,
		p.cfg.Exchange,
		p.cfg.RoutingKey,
		true,  // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return errors.Wrap(err, "failed to publish message")
	}

	select {
	case confirm := <-p.confirms:
		if !confirm.Ack {
			return errors.New("message was not confirmed by server")
		}
	case <-time.After(p.cfg.PublishTimeout):
		return errors.New("publish confirmation timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Publisher) connect() error {
	p.connectionMutex.Lock()
	defer p.connectionMutex.Unlock()

	conn, err := amqp091.Dial(p.cfg.URL)
	if err != nil {
		return errors.Wrap(err, "failed to connect to RabbitMQ")
	}
	p.connection = conn

	if err := p.declareTopology(); err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to setup exchanges and queues")
	}

	if err := p.setupPublishChannel(); err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to setup publish channel")
	}

	go p.handleReconnection(conn)

	p.log.Info("connected to RabbitMQ",
		zap.String("exchange", p.cfg.Exchange),
		zap.String("queue", p.cfg.Queue),
	)
	return nil
}

func (p *Publisher) setupPublishChannel() error {
	channel, err := p.connection.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to open publish channel")
	}

	if err := channel.Confirm(false); err != nil {
		channel.Close()
		return errors.Wrap(err, "failed to enable publisher confirms")
	}

	p.confirms = channel.NotifyPublish(make(chan amqp091.Confirmation, 1))
	p.publishChannel = channel
	return nil
}

// declareTopology 声明事件交换机、带死信的持久队列及其绑定
func (p *Publisher) declareTopology() error {
	channel, err := p.connection.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to open channel for topology setup")
	}
	defer channel.Close()

	if err := channel.ExchangeDeclare(ExchangeDeadLetter, "direct", true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "failed to declare dead letter exchange")
	}
	if err := channel.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to declare exchange %s", p.cfg.Exchange)
	}

	dlq := p.cfg.Queue + "-dlq"
	if _, err := channel.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to declare DLQ %s", dlq)
	}
	if err := channel.QueueBind(dlq, RoutingKeyDeadLetter, ExchangeDeadLetter, false, nil); err != nil {
		return errors.Wrapf(err, "failed to bind DLQ %s", dlq)
	}

	args := amqp091.Table{
		"x-dead-letter-exchange":    ExchangeDeadLetter,
		"x-dead-letter-routing-key": RoutingKeyDeadLetter,
		"x-message-ttl":             p.cfg.MessageTTL.Milliseconds(),
	}
	if _, err := channel.QueueDeclare(p.cfg.Queue, true, false, false, false, args); err != nil {
		return errors.Wrapf(err, "failed to declare queue %s", p.cfg.Queue)
	}
	if err := channel.QueueBind(p.cfg.Queue, p.cfg.RoutingKey, p.cfg.Exchange, false, nil); err != nil {
		return errors.Wrapf(err, "failed to bind queue %s to exchange %s", p.cfg.Queue, p.cfg.Exchange)
	}
	return nil
}

func (p *Publisher) handleReconnection(conn *amqp091.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp091.Error, 1))

	select {
	case <-p.closed:
		return
	case amqpErr, ok := <-notifyClose:
		if !ok || amqpErr == nil {
			// 主动关闭
			return
		}
		p.log.Warn("RabbitMQ connection closed, attempting to reconnect", zap.Error(amqpErr))
	}

	backoff := p.cfg.ReconnectBackoff
	for {
		select {
		case <-p.closed:
			return
		default:
		}

		err := p.connect()
		if err == nil {
			p.log.Info("successfully reconnected to RabbitMQ")
			return
		}
		p.log.Error("failed to reconnect to RabbitMQ", zap.Duration("retry_in", backoff), zap.Error(err))

		select {
		case <-p.closed:
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > p.cfg.MaxReconnectBackoff {
			backoff = p.cfg.MaxReconnectBackoff
		}
	}
}

func (p *Publisher) ensureConnectionAndChannel() error {
	if p.connection == nil || p.connection.IsClosed() {
		if err := p.connect(); err != nil {
			return errors.Wrap(err, "failed to establish connection")
		}
	}

	if p.publishChannel == nil || p.publishChannel.IsClosed() {
		if err := p.setupPublishChannel(); err != nil {
			return errors.Wrap(err, "failed to establish channel")
		}
	}
	return nil
}

// Close 关闭通道和连接
func (p *Publisher) Close() error {
	select {
	case <-p.closed:
		return nil
	default:
		close(p.closed)
	}

	p.connectionMutex.Lock()
	defer p.connectionMutex.Unlock()

	var err error
	if p.publishChannel != nil {
		if err = p.publishChannel.Close(); err != nil {
			p.log.Error("error closing publish channel", zap.Error(err))
		}
	}
	if p.connection != nil {
		if closeErr := p.connection.Close(); closeErr != nil {
			p.log.Error("error closing connection", zap.Error(closeErr))
			if err == nil {
				err = closeErr
			}
		}
	}
	return err
}

var _ events.Publisher = (*Publisher)(nil)
