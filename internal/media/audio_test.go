package media

import (
	"math"
	"testing"
	"time"
)

func TestMix(t *testing.T) {
	a := make(Frame, FrameSamples)
	b := make(Frame, FrameSamples)
	for i := range a {
		a[i] = 1000
		b[i] = -250
	}
	out := Mix(a, b)
	if len(out) != FrameSamples {
		t.Fatalf("len = %d, want %d", len(out), FrameSamples)
	}
	if out[0] != 750 {
		t.Errorf("out[0] = %d, want 750", out[0])
	}
}

func TestMix_Saturates(t *testing.T) {
	hi := make(Frame, FrameSamples)
	lo := make(Frame, FrameSamples)
	for i := range hi {
		hi[i] = 30000
		lo[i] = -30000
	}
	if got := Mix(hi, hi)[10]; got != math.MaxInt16 {
		t.Errorf("positive overflow = %d, want %d", got, math.MaxInt16)
	}
	if got := Mix(lo, lo)[10]; got != math.MinInt16 {
		t.Errorf("negative overflow = %d, want %d", got, math.MinInt16)
	}
}

func TestMix_ShortAndEmpty(t *testing.T) {
	out := Mix()
	for i, v := range out {
		if v != 0 {
			t.Fatalf("Mix() sample %d = %d, want 0", i, v)
		}
	}
	short := Frame{5, 5}
	out = Mix(short)
	if out[0] != 5 || out[2] != 0 {
		t.Errorf("short frame mix = %v..., want [5 5 0 ...]", out[:3])
	}
}

func TestCodecRoundTrip(t *testing.T) {
	in := make(Frame, FrameSamples)
	for i := range in {
		in[i] = int16((i - 80) * 200)
	}
	payload := EncodeUlaw(in)
	if len(payload) != FrameSamples {
		t.Fatalf("payload len = %d, want %d", len(payload), FrameSamples)
	}
	out, ok := Decode(PayloadPCMU, payload)
	if !ok {
		t.Fatal("Decode(PCMU) not ok")
	}
	for i := range in {
		diff := int(in[i]) - int(out[i])
		if diff < 0 {
			diff = -diff
		}
		// u-law quantization error grows with magnitude; 1/16 is generous.
		tol := int(math.Abs(float64(in[i])))/16 + 16
		if diff > tol {
			t.Errorf("sample %d: in %d out %d, diff %d > %d", i, in[i], out[i], diff, tol)
		}
	}

	if _, ok := Decode(18, payload); ok {
		t.Error("Decode(G729) should not be supported")
	}
}

func TestDuration(t *testing.T) {
	if got := Duration(8000); got != time.Second {
		t.Errorf("Duration(8000) = %v, want 1s", got)
	}
	if got := Duration(FrameSamples); got != FrameDuration {
		t.Errorf("Duration(FrameSamples) = %v, want %v", got, FrameDuration)
	}
}
