// Package hashing computes the content identifiers files are addressed by.
package hashing

import (
	"fmt"

	"github.com/multiformats/go-multihash"
)

// Calculate returns the base58 sha2-256 multihash ("Qm...") of data.
func Calculate(data []byte) (string, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hashing content: %w", err)
	}
	return mh.B58String(), nil
}

// MustCalculate is Calculate for inputs known to hash, such as in tests.
func MustCalculate(data []byte) string {
	h, err := Calculate(data)
	if err != nil {
		panic(err)
	}
	return h
}
