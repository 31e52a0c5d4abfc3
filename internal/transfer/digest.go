package transfer

import (
	"encoding/hex"
	"hash"

	"golang.org/x/crypto/blake2b"
)

func newDigest() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only a key longer than 64 bytes fails
		panic(err)
	}
	return h
}

func digestHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
