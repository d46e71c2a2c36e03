package bloom

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestFilter_AddContains(t *testing.T) {
	f := NewWithEstimates(1000, 0.01)
	for s := int64(0); s < 1000; s++ {
		f.Add(s * 7)
	}
	for s := int64(0); s < 1000; s++ {
		if !f.Contains(s * 7) {
			t.Fatalf("false negative for session %d", s*7)
		}
	}
	if f.Count() != 1000 {
		t.Errorf("expected count 1000, got %d", f.Count())
	}

	falsePositives := 0
	for s := int64(1_000_000); s < 1_010_000; s++ {
		if f.Contains(s) {
			falsePositives++
		}
	}
	if rate := float64(falsePositives) / 10000; rate > 0.03 {
		t.Errorf("false positive rate %.4f exceeds 3%%", rate)
	}
}

func TestOptimalParameters(t *testing.T) {
	bits, hashes := OptimalParameters(1000, 0.01)
	if bits < 9585 || bits > 9600 {
		t.Errorf("expected ~9586 bits, got %d", bits)
	}
	if hashes != 7 {
		t.Errorf("expected 7 hashes, got %d", hashes)
	}

	bits, hashes = OptimalParameters(0, 2)
	if bits <= 0 || hashes <= 0 {
		t.Errorf("expected defaults for invalid input, got %d bits %d hashes", bits, hashes)
	}
}

func TestFilter_EncodeDecode(t *testing.T) {
	f := NewWithEstimates(100, 0.01)
	for s := int64(1); s <= 100; s++ {
		f.Add(s)
	}

	enc, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if enc.Algorithm != Algorithm || enc.Count != 100 {
		t.Errorf("unexpected encoded header: %+v", enc)
	}

	decoded, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.NumBits() != f.NumBits() || decoded.NumHashes() != f.NumHashes() || decoded.Count() != 100 {
		t.Errorf("decoded parameters differ: bits=%d hashes=%d count=%d",
			decoded.NumBits(), decoded.NumHashes(), decoded.Count())
	}
	for s := int64(1); s <= 100; s++ {
		if !decoded.Contains(s) {
			t.Fatalf("decoded filter lost session %d", s)
		}
	}
}

func TestDecode_Invalid(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Error("expected error for nil filter")
	}
	if _, err := Decode(&Encoded{Base64Data: "!!"}); err == nil {
		t.Error("expected error for bad base64")
	}
	if _, err := Decode(&Encoded{Base64Data: "AAAA"}); err == nil {
		t.Error("expected error for short data")
	}
	if _, err := Decode(&Encoded{Algorithm: "fnv"}); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}

func TestProperty_NoFalseNegatives(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("added sessions are always contained", prop.ForAll(
		func(sessions []int64) bool {
			f := NewWithEstimates(len(sessions), 0.01)
			for _, s := range sessions {
				f.Add(s)
			}
			for _, s := range sessions {
				if !f.Contains(s) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64()),
	))

	properties.TestingRun(t)
}
