package hashfn

import (
	"fmt"
	"math/bits"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input   string
		want    Kind
		wantErr bool
	}{
		{input: "sha256", want: SHA256},
		{input: "SHA-256", want: SHA256},
		{input: "fnv1a", want: FNV1a},
		{input: "fnv", want: FNV1a},
		{input: " murmur3 ", want: Murmur3},
		{input: "xxhash", want: XXHash},
		{input: "md5", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Parse(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestKind_StringRoundTrip(t *testing.T) {
	for _, k := range All() {
		got, err := Parse(k.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", k.String(), err)
		}
		if got != k {
			t.Errorf("round trip of %v gave %v", k, got)
		}
	}
}

func TestKind_Deterministic(t *testing.T) {
	for _, k := range All() {
		a := k.Sum64String("node-a:17")
		b := k.Sum64([]byte("node-a:17"))
		if a != b {
			t.Errorf("%v: Sum64String and Sum64 disagree: %d vs %d", k, a, b)
		}
		if a != k.Sum64String("node-a:17") {
			t.Errorf("%v: hash is not deterministic", k)
		}
	}
}

// Known FNV-1a 64 vector, pins the byte order and variant.
func TestFNV1a_KnownVector(t *testing.T) {
	if got := FNV1a.Sum64([]byte("a")); got != 0xaf63dc4c8601ec8c {
		t.Errorf("fnv1a(\"a\") = %#x", got)
	}
}

// Flipping one input bit should flip roughly half the output bits on average.
func TestKind_Avalanche(t *testing.T) {
	const samples = 2000
	for _, k := range All() {
		total := 0
		for i := 0; i < samples; i++ {
			a := []byte(fmt.Sprintf("key-%d", i))
			b := append([]byte(nil), a...)
			b[0] ^= 0x01
			total += bits.OnesCount64(k.Sum64(a) ^ k.Sum64(b))
		}
		avg := float64(total) / samples
		if avg < 24 || avg > 40 {
			t.Errorf("%v: average flipped bits %.2f, want about 32", k, avg)
		}
	}
}

func TestKind_InvalidPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for invalid kind")
		}
	}()
	Kind(42).Sum64([]byte("x"))
}
