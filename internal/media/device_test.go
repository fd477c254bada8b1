package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
)

func writeTestWAV(t *testing.T, path string, samples []int16) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, SampleRate, 16, 1, 1)
	if err := enc.Write(intBuffer(samples)); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func TestWAVMicrophone_Loops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mic.wav")
	samples := make([]int16, 100)
	for i := range samples {
		samples[i] = int16(i)
	}
	writeTestWAV(t, path, samples)

	mic, err := OpenWAVMicrophone(path)()
	if err != nil {
		t.Fatalf("OpenWAVMicrophone: %v", err)
	}
	defer mic.Close()

	f, err := mic.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(f) != FrameSamples {
		t.Fatalf("frame len = %d, want %d", len(f), FrameSamples)
	}
	// 160 samples from a 100-sample file wrap around once.
	if f[99] != 99 || f[100] != 0 || f[159] != 59 {
		t.Errorf("unexpected loop content: f[99]=%d f[100]=%d f[159]=%d", f[99], f[100], f[159])
	}
}

func TestWAVMicrophone_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	if err := os.WriteFile(path, []byte("not a wav"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenWAVMicrophone(path)(); err == nil {
		t.Error("expected error for invalid wav")
	}
	if _, err := OpenWAVMicrophone(filepath.Join(t.TempDir(), "missing.wav"))(); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMicProvider_RetriesAfterFailure(t *testing.T) {
	calls := 0
	p := NewMicProvider(func() (Microphone, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("busy device")
		}
		return NewSilentMicrophone(), nil
	})
	defer p.Close()

	if _, err := p.Acquire(); err == nil {
		t.Fatal("first Acquire should fail")
	}
	m1, err := p.Acquire()
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	m2, _ := p.Acquire()
	if m1 != m2 {
		t.Error("Acquire returned a different microphone")
	}
	if calls != 2 {
		t.Errorf("open calls = %d, want 2", calls)
	}
}

func TestSilentMicrophone_Close(t *testing.T) {
	m := NewSilentMicrophone()
	if _, err := m.ReadFrame(context.Background()); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	m.Close()
	if _, err := m.ReadFrame(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame after close = %v, want io.EOF", err)
	}
}

func TestWAVPlayback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	p, err := NewWAVPlayback(path)
	if err != nil {
		t.Fatalf("NewWAVPlayback: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := p.WriteFrame(Silence()); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.WriteFrame(Silence()); err == nil {
		t.Error("WriteFrame after Close should fail")
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	buf, err := wav.NewDecoder(f).FullPCMBuffer()
	if err != nil {
		t.Fatalf("FullPCMBuffer: %v", err)
	}
	if len(buf.Data) != 5*FrameSamples {
		t.Errorf("samples = %d, want %d", len(buf.Data), 5*FrameSamples)
	}
}
