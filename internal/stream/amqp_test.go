package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/streadway/amqp"

	"github.com/flowpbx/agentphone/internal/media"
)

type fakeChannel struct {
	msgs   []amqp.Publishing
	keys   []string
	err    error
	closed bool
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newTestPublisher(channels ...*fakeChannel) (*Publisher, *int) {
	dials := 0
	dial := func() (Channel, io.Closer, error) {
		if dials >= len(channels) {
			return nil, nil, errors.New("connection refused")
		}
		ch := channels[dials]
		dials++
		return ch, nopCloser{}, nil
	}
	return NewPublisher("chunks", dial, slog.New(slog.NewTextHandler(io.Discard, nil))), &dials
}

func TestDeliverPublishesChunk(t *testing.T) {
	ch := &fakeChannel{}
	p, dials := newTestPublisher(ch)

	c := media.Chunk{SessionID: "s-1", Seq: 3, Encoding: "PCMU", SampleRate: 8000, Data: []byte{0xff, 0x7f}, Final: true}
	if err := p.Deliver(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if *dials != 1 {
		t.Errorf("dials = %d", *dials)
	}
	if len(ch.msgs) != 1 || ch.keys[0] != "chunks" {
		t.Fatalf("published %d messages to %v", len(ch.msgs), ch.keys)
	}
	msg := ch.msgs[0]
	if msg.MessageId != "s-1:3" || msg.DeliveryMode != amqp.Persistent || msg.Headers["final"] != true {
		t.Errorf("publishing = %+v", msg)
	}
	var got media.Chunk
	if err := json.Unmarshal(msg.Body, &got); err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "s-1" || got.Seq != 3 || string(got.Data) != string(c.Data) {
		t.Errorf("body = %+v", got)
	}
}

func TestDeliverRedialsAfterFailure(t *testing.T) {
	broken := &fakeChannel{err: amqp.ErrClosed}
	healthy := &fakeChannel{}
	p, dials := newTestPublisher(broken, healthy)

	if err := p.Deliver(context.Background(), media.Chunk{SessionID: "s-1"}); !errors.Is(err, amqp.ErrClosed) {
		t.Fatalf("first deliver = %v", err)
	}
	if !broken.closed {
		t.Error("failed channel not closed")
	}
	if err := p.Deliver(context.Background(), media.Chunk{SessionID: "s-1", Seq: 1}); err != nil {
		t.Fatal(err)
	}
	if *dials != 2 || len(healthy.msgs) != 1 {
		t.Errorf("dials = %d, published %d", *dials, len(healthy.msgs))
	}
}

func TestDeliverAfterClose(t *testing.T) {
	p, _ := newTestPublisher(&fakeChannel{})
	p.Close()
	if err := p.Deliver(context.Background(), media.Chunk{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
}

func TestDeliverHonoursContext(t *testing.T) {
	p, dials := newTestPublisher(&fakeChannel{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Deliver(ctx, media.Chunk{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if *dials != 0 {
		t.Error("dialed with a cancelled context")
	}
}

var _ media.ChunkSink = (*Publisher)(nil)
