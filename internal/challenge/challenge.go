// Package challenge lets a node recognise itself among the servers of the
// DAO: it answers a random token no other node knows.
package challenge

import (
	"strings"

	"github.com/google/uuid"
)

// Supervisor holds the token of this node for its whole lifetime.
type Supervisor struct {
	challenge string
}

// NewSupervisor generates a fresh token.
func NewSupervisor() *Supervisor {
	return &Supervisor{challenge: uuid.NewString()}
}

// Challenge returns the token of this node.
func (s *Supervisor) Challenge() string {
	return s.challenge
}

// IsChallengeOK reports whether text is the token of this node.
func (s *Supervisor) IsChallengeOK(text string) bool {
	return strings.TrimSpace(text) == s.challenge
}
