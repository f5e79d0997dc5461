package hashing

import (
	sha256 "github.com/minio/sha256-simd"
)

// DoubleSHA256 is the stand-in hash primitive used by the pool simulator and
// local testing. Production deployments plug the memory-hard digest in via
// NewEngine; the acceptance rule in Passes is authoritative either way.
func DoubleSHA256(header []byte) ([32]byte, error) {
	first := sha256.Sum256(header)
	return sha256.Sum256(first[:]), nil
}
