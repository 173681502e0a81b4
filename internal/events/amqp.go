package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
)

const DefaultAMQPBuffer = 1024

// AMQPConfig configures an AMQPPublisher.
type AMQPConfig struct {
	URL      string
	Exchange string

	// Buffer bounds the number of events queued for the broker. Events
	// published while the buffer is full are dropped and counted.
	Buffer int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// amqpChannel is the subset of *amqp.Channel used for publishing.
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes events as JSON to a topic exchange, using the event
// type as the routing key. Publishing happens on a background goroutine.
type AMQPPublisher struct {
	exchange string
	log      *slog.Logger
	metrics  *metrics.Metrics

	conn *amqp.Connection
	ch   amqpChannel

	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// DialAMQP connects to the broker, declares the exchange and starts the
// publish loop.
func DialAMQP(cfg AMQPConfig) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // kind
		true,         // durable
		false,        // auto-delete
		false,        // internal
		false,        // no-wait
		nil,          // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare amqp exchange %q: %w", cfg.Exchange, err)
	}

	p := newAMQPPublisher(ch, cfg)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, cfg AMQPConfig) *AMQPPublisher {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = DefaultAMQPBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &AMQPPublisher{
		exchange: cfg.Exchange,
		log:      logger,
		metrics:  cfg.Metrics,
		ch:       ch,
		queue:    make(chan Event, buffer),
		done:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *AMQPPublisher) Publish(ev Event) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.queue <- ev:
	default:
		p.metrics.Inc(metrics.EventsDropped)
	}
}

func (p *AMQPPublisher) loop() {
	defer p.wg.Done()
	for {
		select {
		case ev := <-p.queue:
			p.send(ev)
		case <-p.done:
			// Flush what is already queued; new events are refused.
			for {
				select {
				case ev := <-p.queue:
					p.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *AMQPPublisher) send(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("encode room event", "type", ev.Type, "err", err)
		return
	}
	err = p.ch.Publish(
		p.exchange, // exchange
		ev.Type,    // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   ev.Time,
			Body:        body,
		},
	)
	if err != nil {
		p.metrics.Inc(metrics.EventsDropped)
		p.log.Warn("publish room event", "type", ev.Type, "room_id", ev.RoomID, "err", err)
	}
}

// Close stops accepting events, flushes the queue and closes the broker
// connection.
func (p *AMQPPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		err = p.ch.Close()
		if p.conn != nil {
			if cerr := p.conn.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
