package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memChunkSink struct {
	mu     sync.Mutex
	chunks []Chunk
	err    error
}

func (s *memChunkSink) Deliver(ctx context.Context, c Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, c)
	return s.err
}

func (s *memChunkSink) all() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Chunk(nil), s.chunks...)
}

type memRecorder struct {
	mu      sync.Mutex
	frames  int
	stopped int
	path    string
	block   chan struct{}
}

func (r *memRecorder) Feed(f Frame) {
	r.mu.Lock()
	r.frames++
	r.mu.Unlock()
}

func (r *memRecorder) Stop(ctx context.Context) (Recording, error) {
	r.mu.Lock()
	r.stopped++
	block := r.block
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Recording{}, &RecorderError{Recorder: "mem", Err: ctx.Err()}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return Recording{Path: r.path, Duration: Duration(r.frames * FrameSamples)}, nil
}

func (r *memRecorder) counts() (frames, stopped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames, r.stopped
}

func TestChunkRecorder_PeriodicFlush(t *testing.T) {
	sink := &memChunkSink{}
	rec := NewChunkRecorder("s1", 20*time.Millisecond, sink, nil, testLogger())

	rec.Feed(Silence())
	time.Sleep(60 * time.Millisecond)
	rec.Feed(Silence())
	rec.Feed(Silence())

	if _, err := rec.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	chunks := sink.all()
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want at least 2", len(chunks))
	}
	total := 0
	for i, c := range chunks {
		if c.Seq != i {
			t.Errorf("chunk %d seq = %d", i, c.Seq)
		}
		if c.SessionID != "s1" {
			t.Errorf("chunk %d session = %q", i, c.SessionID)
		}
		if c.Encoding != "audio/PCMU" || c.SampleRate != SampleRate {
			t.Errorf("chunk %d format = %s/%d", i, c.Encoding, c.SampleRate)
		}
		total += len(c.Data)
	}
	if total != 3*FrameSamples {
		t.Errorf("total bytes = %d, want %d", total, 3*FrameSamples)
	}
	last := chunks[len(chunks)-1]
	if !last.Final {
		t.Error("last chunk not marked final")
	}
	for _, c := range chunks[:len(chunks)-1] {
		if c.Final {
			t.Errorf("chunk %d marked final early", c.Seq)
		}
	}
	// u-law is one byte per sample, so offsets track cumulative bytes.
	seen := 0
	for _, c := range chunks {
		if want := Duration(seen); c.Offset != want {
			t.Errorf("chunk %d offset = %v, want %v", c.Seq, c.Offset, want)
		}
		seen += len(c.Data)
	}
}

func TestChunkRecorder_FinalChunkAlwaysSent(t *testing.T) {
	sink := &memChunkSink{}
	rec := NewChunkRecorder("s2", time.Hour, sink, nil, testLogger())
	if _, err := rec.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	chunks := sink.all()
	if len(chunks) != 1 || !chunks[0].Final {
		t.Fatalf("chunks = %+v, want one final chunk", chunks)
	}
}

func TestChunkRecorder_SinkErrorIsSoft(t *testing.T) {
	sink := &memChunkSink{err: errors.New("broker down")}
	archive := &memRecorder{path: "/tmp/remote.wav"}
	rec := NewChunkRecorder("s3", time.Hour, sink, archive, testLogger())
	rec.Feed(Silence())

	got, err := rec.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got.Path != "/tmp/remote.wav" {
		t.Errorf("archive path = %q", got.Path)
	}
	if frames, stopped := archive.counts(); frames != 1 || stopped != 1 {
		t.Errorf("archive frames=%d stopped=%d, want 1/1", frames, stopped)
	}
}

func TestChunkRecorder_StopIdempotent(t *testing.T) {
	sink := &memChunkSink{}
	rec := NewChunkRecorder("s4", time.Hour, sink, nil, testLogger())
	rec.Stop(context.Background())
	rec.Stop(context.Background())
	rec.Feed(Silence())
	if n := len(sink.all()); n != 1 {
		t.Errorf("chunks = %d, want 1", n)
	}
}
