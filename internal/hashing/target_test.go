package hashing

import (
	"math/big"
	"math/rand"
	"testing"
)

func TestPassesMatchesBigIntComparison(t *testing.T) {
	// Passes must agree with a full 256-bit unsigned comparison digest <= target
	// for arbitrary inputs.
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 5000; i++ {
		var digest [32]byte
		rng.Read(digest[:])

		var target Target
		for w := range target {
			target[w] = rng.Uint32()
		}
		// Bias some iterations toward near-equal values to hit the word-by-word
		// tie-break paths.
		if i%3 == 0 {
			tb := target.Big().Bytes()
			var full [32]byte
			copy(full[32-len(tb):], tb)
			digest = full
			if i%6 == 0 && digest[31] > 0 {
				digest[31]--
			}
		}

		want := new(big.Int).SetBytes(digest[:]).Cmp(target.Big()) <= 0
		if got := Passes(digest, target); got != want {
			t.Fatalf("Passes mismatch at iteration %d: got %v, want %v (digest=%x)", i, got, want, digest)
		}
	}
}

func TestPassesScenarios(t *testing.T) {
	easyTarget := Target{
		0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF,
		0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF, 0x0000FFFF,
	}

	tests := []struct {
		name   string
		digest [32]byte
		target Target
		want   bool
	}{
		{
			name: "most significant word zero passes regardless of remaining words",
			digest: [32]byte{
				0x00, 0x00, 0x00, 0x00, // word 7
				0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
				0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
				0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
				0xFF, 0xFF, 0xFF, 0xFF,
			},
			target: easyTarget,
			want:   true,
		},
		{
			name: "most significant word above target fails",
			digest: [32]byte{
				0x00, 0x01, 0x00, 0x00, // word 7 = 0x00010000 > 0x0000FFFF
			},
			target: easyTarget,
			want:   false,
		},
		{
			name:   "equal digest and target passes",
			digest: [32]byte{0x00, 0x00, 0xFF, 0xFF},
			target: Target{0, 0, 0, 0, 0, 0, 0, 0x0000FFFF},
			want:   true,
		},
		{
			name:   "all-zero target rejects nonzero digest",
			digest: [32]byte{31: 0x01},
			target: Target{},
			want:   false,
		},
		{
			name:   "all-zero target accepts all-zero digest",
			digest: [32]byte{},
			target: Target{},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Passes(tt.digest, tt.target); got != tt.want {
				t.Errorf("Passes() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDifficultyToTarget(t *testing.T) {
	tests := []struct {
		name       string
		difficulty float64
		want       Target
		wantErr    bool
	}{
		{
			name:       "difficulty one is 2^224",
			difficulty: 1,
			want:       Target{0, 0, 0, 0, 0, 0, 0, 0x00000001},
		},
		{
			name:       "difficulty 256 shifts down 8 bits",
			difficulty: 256,
			want:       Target{0, 0, 0, 0, 0, 0, 0x01000000, 0},
		},
		{
			name:       "fractional difficulty raises the target",
			difficulty: 0.5,
			want:       Target{0, 0, 0, 0, 0, 0, 0, 0x00000002},
		},
		{
			name:       "zero difficulty rejected",
			difficulty: 0,
			wantErr:    true,
		},
		{
			name:       "negative difficulty rejected",
			difficulty: -3,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DifficultyToTarget(tt.difficulty)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DifficultyToTarget() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("DifficultyToTarget() = %08x, want %08x", got, tt.want)
			}
		})
	}
}

func TestTargetBigRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		var target Target
		for w := range target {
			target[w] = rng.Uint32()
		}
		if got := TargetFromBig(target.Big()); got != target {
			t.Fatalf("round trip mismatch: got %08x, want %08x", got, target)
		}
	}
}
