// Package hashing implements the proof-of-work primitives of the bridge:
// target derivation from pool difficulty, the share acceptance rule, and the
// nonce-scanning engine shared by the miner and the pool simulator.
package hashing

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// Target is a 256-bit share target as 8 32-bit words. Word index 0 is the
// least significant word, index 7 the most significant.
type Target [8]uint32

// maxTarget is 2^256 - 1, the clamp for sub-1 difficulties.
var maxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// diffOneTarget is 2^224, the target corresponding to difficulty 1.
var diffOneTarget = new(big.Int).Lsh(big.NewInt(1), 224)

// DifficultyToTarget converts a pool difficulty into a share target using
// target = 2^224 / difficulty.
func DifficultyToTarget(difficulty float64) (Target, error) {
	if difficulty <= 0 {
		return Target{}, fmt.Errorf("difficulty must be positive, got %g", difficulty)
	}

	num := new(big.Float).SetInt(diffOneTarget)
	quo := new(big.Float).Quo(num, big.NewFloat(difficulty))

	t, _ := quo.Int(nil)
	if t.Cmp(maxTarget) > 0 {
		t.Set(maxTarget)
	}

	return TargetFromBig(t), nil
}

// TargetFromBig packs a 256-bit integer into target words. Values wider than
// 256 bits are truncated to the low 256 bits.
func TargetFromBig(v *big.Int) Target {
	var t Target
	word := new(big.Int)
	mask := big.NewInt(0xFFFFFFFF)
	for i := 0; i < 8; i++ {
		word.Rsh(v, uint(32*i))
		word.And(word, mask)
		t[i] = uint32(word.Uint64())
	}
	return t
}

// Big returns the target as a 256-bit integer.
func (t Target) Big() *big.Int {
	v := new(big.Int)
	word := new(big.Int)
	for i := 7; i >= 0; i-- {
		v.Lsh(v, 32)
		word.SetUint64(uint64(t[i]))
		v.Or(v, word)
	}
	return v
}

// DigestWords splits a 32-byte digest into 8 big-endian 32-bit words, word
// index 7 holding the most significant word of the 256-bit value.
func DigestWords(digest [32]byte) [8]uint32 {
	var w [8]uint32
	for i := 0; i < 8; i++ {
		w[7-i] = binary.BigEndian.Uint32(digest[i*4:])
	}
	return w
}

// Passes reports whether a digest meets the target: a 256-bit unsigned
// magnitude comparison digest <= target, decided at the first unequal word
// scanning from the most significant word down. An all-zero target passes
// only an all-zero digest.
func Passes(digest [32]byte, target Target) bool {
	words := DigestWords(digest)
	for i := 7; i >= 0; i-- {
		if words[i] > target[i] {
			return false
		}
		if words[i] < target[i] {
			return true
		}
	}
	return true
}
