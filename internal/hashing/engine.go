package hashing

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the fixed block header length in bytes.
	HeaderLen = 80
	// NonceOffset is the byte offset of the little-endian nonce field.
	NonceOffset = 76
)

// ErrHashComputationFailed reports that the underlying hash primitive
// signaled an internal failure. The engine does not retry; retry policy
// belongs to the caller.
var ErrHashComputationFailed = errors.New("hash computation failed")

// HashFunc is the opaque proof-of-work primitive: a deterministic digest
// over an 80-byte header. Implementations must be safe for concurrent use.
type HashFunc func(header []byte) ([32]byte, error)

// ScanResult is the outcome of a nonce range scan.
type ScanResult struct {
	Found       bool
	Nonce       uint32
	HashesTried uint64
}

// Engine wraps a hash primitive with single-hash and ranged nonce-scan
// operations. Engine holds no mutable state and is safe for concurrent use.
type Engine struct {
	hash HashFunc
}

// NewEngine creates an engine over the given primitive.
func NewEngine(hash HashFunc) *Engine {
	return &Engine{hash: hash}
}

// ComputeHash computes a single digest over an 80-byte header.
func (e *Engine) ComputeHash(header []byte) ([32]byte, error) {
	if len(header) != HeaderLen {
		return [32]byte{}, fmt.Errorf("header must be %d bytes, got %d", HeaderLen, len(header))
	}

	digest, err := e.hash(header)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrHashComputationFailed, err)
	}
	return digest, nil
}

// ScanRange scans nonces in increasing order from startNonce through
// endNonce inclusive, returning on the first digest that passes the target.
// Only the nonce field of the working header changes between attempts; the
// caller's header is never modified. HashesTried counts every digest
// actually computed, including the successful one.
func (e *Engine) ScanRange(header []byte, target Target, startNonce, endNonce uint32) (ScanResult, error) {
	if len(header) != HeaderLen {
		return ScanResult{}, fmt.Errorf("header must be %d bytes, got %d", HeaderLen, len(header))
	}
	if endNonce < startNonce {
		return ScanResult{}, fmt.Errorf("invalid nonce range [%d, %d]", startNonce, endNonce)
	}

	var buf [HeaderLen]byte
	copy(buf[:], header)

	var tried uint64
	nonce := startNonce
	for {
		binary.LittleEndian.PutUint32(buf[NonceOffset:], nonce)

		digest, err := e.hash(buf[:])
		if err != nil {
			return ScanResult{HashesTried: tried}, fmt.Errorf("%w: %v", ErrHashComputationFailed, err)
		}
		tried++

		if Passes(digest, target) {
			return ScanResult{Found: true, Nonce: nonce, HashesTried: tried}, nil
		}

		if nonce == endNonce {
			return ScanResult{HashesTried: tried}, nil
		}
		nonce++
	}
}

// BuildHeader assembles an 80-byte header from its little-endian fields:
// version(4) + prevHash(32) + merkleRoot(32) + time(4) + bits(4) + nonce(4).
func BuildHeader(version uint32, prevHash, merkleRoot [32]byte, ntime, bits, nonce uint32) [HeaderLen]byte {
	var h [HeaderLen]byte
	binary.LittleEndian.PutUint32(h[0:], version)
	copy(h[4:36], prevHash[:])
	copy(h[36:68], merkleRoot[:])
	binary.LittleEndian.PutUint32(h[68:], ntime)
	binary.LittleEndian.PutUint32(h[72:], bits)
	binary.LittleEndian.PutUint32(h[NonceOffset:], nonce)
	return h
}
