package tensor

import (
	"testing"
)

func TestDropout_InferenceMode(t *testing.T) {
	SetDropoutSeed(42)

	in, _ := FromSlice([]float32{1, 2, 3, 4, 5}, 5)
	out := in.Dropout(0.5, false)

	if !out.Equals(in, 0) {
		t.Error("Inference-mode dropout must be the identity")
	}
	if &out.Data[0] == &in.Data[0] {
		t.Error("Dropout should return a copy, not the input storage")
	}
}

func TestDropout_ZeroProbability(t *testing.T) {
	SetDropoutSeed(42)

	in, _ := FromSlice([]float32{1, 2, 3, 4, 5}, 5)
	out := in.Dropout(0, true)
	if !out.Equals(in, 0) {
		t.Error("p=0 dropout must keep every value unchanged")
	}
}

func TestDropout_DropRateAndScaling(t *testing.T) {
	SetDropoutSeed(42)

	in := New(1000)
	for i := range in.Data {
		in.Data[i] = 1
	}

	p := float32(0.3)
	out := in.Dropout(p, true)

	keep := 1 / (1 - p)
	dropped := 0
	for i, v := range out.Data {
		switch v {
		case 0:
			dropped++
		case keep:
		default:
			t.Fatalf("Data[%d] = %v, want 0 or %v", i, v, keep)
		}
	}

	rate := float32(dropped) / float32(in.Size())
	if rate < 0.2 || rate > 0.4 {
		t.Errorf("Drop rate %v too far from p=%v", rate, p)
	}
}

func TestDropoutMask_SeedReproducible(t *testing.T) {
	SetDropoutSeed(7)
	a := DropoutMask(0.5, 4, 4)
	SetDropoutSeed(7)
	b := DropoutMask(0.5, 4, 4)

	if !a.Equals(b, 0) {
		t.Error("Same seed must draw the same mask")
	}
}

func TestDropoutMask_InvalidProbability(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for p=1")
		}
	}()
	DropoutMask(1, 3)
}
