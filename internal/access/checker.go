// Package access decides whether an address may deploy an entity over a set
// of pointers. Each entity type has its own Checker, registered by type.
package access

import (
	"context"
	"strings"
	"sync"

	"github.com/catalyst-network/catalyst/common/entity"
)

// UnknownTypeViolation is reported for entity types without a checker.
const UnknownTypeViolation = "Unknown type provided"

const defaultPointerPrefix = "default"

// Checker validates a deployment of one entity type. It returns the list of
// violations, empty when access is granted.
type Checker interface {
	CheckAccess(ctx context.Context, pointers []string, timestamp int64, signer string) []string
}

// OperatorChecker knows the address allowed to deploy over reserved pointers.
type OperatorChecker interface {
	IsOperator(address string) bool
}

// AccessChecker dispatches to the Checker registered for each entity type.
type AccessChecker struct {
	mu       sync.RWMutex
	checkers map[entity.Type]Checker
}

// NewAccessChecker returns an AccessChecker with no registered types.
func NewAccessChecker() *AccessChecker {
	return &AccessChecker{checkers: make(map[entity.Type]Checker)}
}

// Register binds the checker to the entity type, replacing any previous one.
func (a *AccessChecker) Register(t entity.Type, c Checker) *AccessChecker {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkers[t] = c
	return a
}

// HasAccess returns the violations found for signer deploying an entity of
// type t over pointers. Unknown types are refused.
func (a *AccessChecker) HasAccess(ctx context.Context, t entity.Type, pointers []string, timestamp int64, signer string) []string {
	a.mu.RLock()
	c, ok := a.checkers[t]
	a.mu.RUnlock()
	if !ok {
		return []string{UnknownTypeViolation}
	}
	return c.CheckAccess(ctx, pointers, timestamp, signer)
}

func isDefaultPointer(pointer string) bool {
	return strings.HasPrefix(strings.ToLower(pointer), defaultPointerPrefix)
}
