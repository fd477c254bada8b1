package dialer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/agentphone/internal/call"
	"github.com/flowpbx/agentphone/internal/disposition"
)

type fakePlacer struct {
	mu       sync.Mutex
	dialed   []string
	observer func(call.Session)
	err      error
}

func (f *fakePlacer) OnChange(fn func(call.Session)) { f.observer = fn }

func (f *fakePlacer) PlaceCall(ctx context.Context, destination, campaign string) (call.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return call.Snapshot{}, f.err
	}
	f.dialed = append(f.dialed, destination)
	id := fmt.Sprintf("s%d", len(f.dialed))
	return call.Snapshot{Session: call.Session{ID: id, State: call.StateDialing, Destination: destination, Direction: call.Outbound}}, nil
}

func (f *fakePlacer) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dialed...)
}

func (f *fakePlacer) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// finish drives the observer through a completed session for number.
func (f *fakePlacer) finish(id, number string, label disposition.Label) {
	s := call.Session{ID: id, Direction: call.Outbound, Destination: number, State: call.StateRinging}
	f.observer(s)
	s.State = call.StateNoAnswer
	s.Disposition = label
	f.observer(s)
	f.observer(call.Session{State: call.StateIdle})
}

func waitCalls(t *testing.T, f *fakePlacer, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.calls(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("placed %d calls, want %d", len(f.calls()), n)
	return nil
}

func prospects(numbers ...string) []Prospect {
	out := make([]Prospect, len(numbers))
	for i, n := range numbers {
		out[i] = Prospect{Number: n}
	}
	return out
}

func TestDialerWorksThroughQueue(t *testing.T) {
	f := &fakePlacer{}
	d := New(f, Options{Delay: 20 * time.Millisecond})
	if err := d.Load(prospects("+14155550001", "+14155550002")); err != nil {
		t.Fatal(err)
	}
	if err := d.Start("spring"); err != nil {
		t.Fatal(err)
	}

	waitCalls(t, f, 1)
	if st := d.Status(); st.Current == nil || st.Current.Number != "+14155550001" || st.Pending != 1 {
		t.Fatalf("status while dialing = %+v", st)
	}

	start := time.Now()
	f.finish("s1", "+14155550001", disposition.NoAnswer)
	got := waitCalls(t, f, 2)
	if time.Since(start) < 20*time.Millisecond {
		t.Error("next call placed before the delay elapsed")
	}
	if got[1] != "+14155550002" {
		t.Errorf("second call to %q", got[1])
	}

	first := d.Prospects()[0]
	if first.Status != StatusDone || first.SessionID != "s1" || first.Disposition != string(disposition.NoAnswer) {
		t.Errorf("first prospect = %+v", first)
	}

	f.finish("s2", "+14155550002", disposition.Answered)
	deadline := time.Now().Add(2 * time.Second)
	for d.Status().State != Stopped && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if st := d.Status(); st.State != Stopped || st.Pending != 0 {
		t.Errorf("status after queue drained = %+v", st)
	}
}

func TestDialerPauseAndResume(t *testing.T) {
	f := &fakePlacer{}
	d := New(f, Options{Delay: 10 * time.Millisecond})
	if err := d.Load(prospects("5550001001", "5550001002")); err != nil {
		t.Fatal(err)
	}
	if err := d.Start(""); err != nil {
		t.Fatal(err)
	}
	waitCalls(t, f, 1)

	if err := d.Pause(); err != nil {
		t.Fatal(err)
	}
	f.finish("s1", "5550001001", disposition.Busy)
	time.Sleep(50 * time.Millisecond)
	if n := len(f.calls()); n != 1 {
		t.Fatalf("paused dialer placed %d calls", n)
	}
	if err := d.Pause(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Pause = %v", err)
	}

	if err := d.Resume(); err != nil {
		t.Fatal(err)
	}
	waitCalls(t, f, 2)
}

func TestDialerSkip(t *testing.T) {
	f := &fakePlacer{}
	d := New(f, Options{Delay: 10 * time.Millisecond})
	if err := d.Load(prospects("5550001001", "5550001002", "5550001003")); err != nil {
		t.Fatal(err)
	}
	skipped, err := d.Skip()
	if err != nil {
		t.Fatal(err)
	}
	if skipped.Number != "5550001001" {
		t.Errorf("skipped %q", skipped.Number)
	}
	if err := d.Start(""); err != nil {
		t.Fatal(err)
	}
	if got := waitCalls(t, f, 1); got[0] != "5550001002" {
		t.Errorf("dialed %q, want the prospect after the skipped one", got[0])
	}
}

func TestDialerWaitsForActiveSession(t *testing.T) {
	f := &fakePlacer{}
	d := New(f, Options{Delay: 10 * time.Millisecond})
	if err := d.Load(prospects("5550001001")); err != nil {
		t.Fatal(err)
	}

	// An inbound call is in progress.
	f.observer(call.Session{ID: "in1", Direction: call.Inbound, State: call.StateInCall})
	if err := d.Start(""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if n := len(f.calls()); n != 0 {
		t.Fatalf("dialed during an active session")
	}

	f.observer(call.Session{State: call.StateIdle})
	waitCalls(t, f, 1)
}

func TestDialerRecordsPlaceFailure(t *testing.T) {
	f := &fakePlacer{}
	f.setErr(errors.New("registration failed: no response from pbx"))
	d := New(f, Options{Delay: time.Hour})
	if err := d.Load(prospects("5550001001", "5550001002")); err != nil {
		t.Fatal(err)
	}
	if err := d.Start(""); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.Prospects()[0].Status != StatusFailed && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	p := d.Prospects()[0]
	if p.Status != StatusFailed || !strings.Contains(p.Error, "no response") {
		t.Errorf("prospect = %+v", p)
	}
	if st := d.Status(); st.NextDialAt == nil {
		t.Error("next dial not scheduled after a failure")
	}
	d.Stop()
	if st := d.Status(); st.State != Stopped || st.NextDialAt != nil {
		t.Errorf("status after stop = %+v", st)
	}
}

func TestDialerGuards(t *testing.T) {
	f := &fakePlacer{}
	d := New(f, Options{Delay: time.Hour})
	if err := d.Start(""); !errors.Is(err, ErrEmptyQueue) {
		t.Errorf("Start on empty queue = %v", err)
	}
	if err := d.Resume(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Resume while stopped = %v", err)
	}
	if err := d.Load(prospects("5550001001")); err != nil {
		t.Fatal(err)
	}
	if err := d.Start(""); err != nil {
		t.Fatal(err)
	}
	if err := d.Load(prospects("5550001002")); !errors.Is(err, ErrRunning) {
		t.Errorf("Load while running = %v", err)
	}
	if err := d.Start(""); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start = %v", err)
	}
}
