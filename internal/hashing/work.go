package hashing

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// CoinbaseMerkleRoot computes the merkle root for a share. The coinbase is
// assembled from the job's two halves with the session extranonce spliced
// between them, double-hashed, then folded left to right through the
// branch hashes.
func CoinbaseMerkleRoot(coinb1, extraNonce1, extraNonce2, coinb2 string, branch []string) ([32]byte, error) {
	coinbase, err := hex.DecodeString(coinb1 + extraNonce1 + extraNonce2 + coinb2)
	if err != nil {
		return [32]byte{}, fmt.Errorf("invalid coinbase hex: %w", err)
	}

	root := chainhash.DoubleHashH(coinbase)
	for _, node := range branch {
		h, err := chainhash.NewHashFromStr(node)
		if err != nil {
			return [32]byte{}, fmt.Errorf("invalid merkle branch %q: %w", node, err)
		}
		combined := make([]byte, 0, chainhash.HashSize*2)
		combined = append(combined, root[:]...)
		combined = append(combined, h[:]...)
		root = chainhash.DoubleHashH(combined)
	}

	return [32]byte(root), nil
}

// ParseHexField parses an 8-character hex header field such as version,
// nbits or ntime.
func ParseHexField(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("field must be 8 hex characters, got %d", len(s))
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex field %q: %w", s, err)
	}
	return uint32(v), nil
}

// AssembleHeader builds the 80-byte header from a job's wire fields plus a
// share's merkle root and nonce. The prevhash uses the reversed display
// encoding jobs carry on the wire.
func AssembleHeader(versionHex, prevHashHex, ntimeHex, nbitsHex string, merkleRoot [32]byte, nonce uint32) ([HeaderLen]byte, error) {
	var zero [HeaderLen]byte

	version, err := ParseHexField(versionHex)
	if err != nil {
		return zero, fmt.Errorf("version: %w", err)
	}
	ntime, err := ParseHexField(ntimeHex)
	if err != nil {
		return zero, fmt.Errorf("ntime: %w", err)
	}
	bits, err := ParseHexField(nbitsHex)
	if err != nil {
		return zero, fmt.Errorf("nbits: %w", err)
	}

	prev, err := chainhash.NewHashFromStr(prevHashHex)
	if err != nil {
		return zero, fmt.Errorf("invalid prevhash: %w", err)
	}

	return BuildHeader(version, [32]byte(*prev), merkleRoot, ntime, bits, nonce), nil
}
