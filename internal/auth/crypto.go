package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

const signatureLength = 65

var errMalformedSignature = errors.New("malformed signature")

// PersonalMessageHash is the keccak256 digest wallets sign for personal_sign.
func PersonalMessageHash(message string) []byte {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return h.Sum(nil)
}

// AddressOf returns the lowercase 0x address of a public key.
func AddressOf(pub *secp256k1.PublicKey) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub.SerializeUncompressed()[1:])
	return "0x" + hex.EncodeToString(h.Sum(nil)[12:])
}

// RecoverAddress returns the address whose key produced the [R || S || V]
// hex signature over the personal message.
func RecoverAddress(message, signature string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errMalformedSignature, err)
	}
	if len(raw) != signatureLength {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", errMalformedSignature, signatureLength, len(raw))
	}
	v := raw[64]
	if v < 27 {
		v += 27
	}
	compact := make([]byte, 0, signatureLength)
	compact = append(compact, v)
	compact = append(compact, raw[:64]...)

	pub, _, err := ecdsa.RecoverCompact(compact, PersonalMessageHash(message))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errMalformedSignature, err)
	}
	return AddressOf(pub), nil
}

// Sign produces the [R || S || V] hex signature of the personal message.
func Sign(key *secp256k1.PrivateKey, message string) string {
	compact := ecdsa.SignCompact(key, PersonalMessageHash(message), false)
	out := make([]byte, 0, signatureLength)
	out = append(out, compact[1:]...)
	out = append(out, compact[0])
	return "0x" + hex.EncodeToString(out)
}
