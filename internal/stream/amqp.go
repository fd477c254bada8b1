// Package stream publishes remote-party audio chunks to an AMQP queue for
// downstream consumers such as transcription workers.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/flowpbx/agentphone/internal/media"
)

// DefaultQueue is the queue chunks are routed to when none is configured.
const DefaultQueue = "agentphone.chunks"

// ErrClosed is returned by Deliver after Close.
var ErrClosed = errors.New("stream: publisher closed")

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// DialFunc opens a channel with the queue declared.
type DialFunc func() (Channel, io.Closer, error)

// Publisher implements media.ChunkSink. Chunks are published to the default
// exchange with the queue name as routing key. A failed publish drops the
// channel and the next chunk redials.
type Publisher struct {
	queue  string
	dial   DialFunc
	logger *slog.Logger

	mu     sync.Mutex
	conn   io.Closer
	ch     Channel
	closed bool
}

// Dial connects to url and declares a durable queue.
func Dial(url, queue string, logger *slog.Logger) (*Publisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	dial := func() (Channel, io.Closer, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to amqp: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("opening channel: %w", err)
		}
		args := amqp.Table{"x-message-ttl": int32((10 * time.Minute).Milliseconds())}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("declaring queue %s: %w", queue, err)
		}
		return ch, conn, nil
	}
	p := NewPublisher(queue, dial, logger)
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewPublisher returns a publisher that opens channels with dial on demand.
func NewPublisher(queue string, dial DialFunc, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		queue:  queue,
		dial:   dial,
		logger: logger.With("subsystem", "chunk-stream"),
	}
}

func (p *Publisher) connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked()
}

func (p *Publisher) connectLocked() error {
	ch, conn, err := p.dial()
	if err != nil {
		return err
	}
	p.ch, p.conn = ch, conn
	p.logger.Info("chunk stream connected", "queue", p.queue)
	return nil
}

func (p *Publisher) dropLocked() {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

// Deliver publishes one chunk as JSON.
func (p *Publisher) Deliver(ctx context.Context, c media.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("stream: encoding chunk: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    c.SessionID + ":" + strconv.Itoa(c.Seq),
		Timestamp:    time.Now().UTC(),
		Type:         "audio.chunk",
		Headers: amqp.Table{
			"session_id": c.SessionID,
			"seq":        int32(c.Seq),
			"final":      c.Final,
		},
		Body: body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.ch == nil {
		if err := p.connectLocked(); err != nil {
			return fmt.Errorf("stream: %w", err)
		}
	}
	if err := p.ch.Publish("", p.queue, false, false, msg); err != nil {
		p.logger.Warn("chunk publish failed, dropping channel", "session_id", c.SessionID, "seq", c.Seq, "error", err)
		p.dropLocked()
		return fmt.Errorf("stream: publishing chunk: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.dropLocked()
	return nil
}
