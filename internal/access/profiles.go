package access

import (
	"context"
	"fmt"
	"strings"
)

// ProfileChecker lets addresses deploy only their own profile. Default
// profiles belong to the operator.
type ProfileChecker struct {
	operator OperatorChecker
}

func NewProfileChecker(operator OperatorChecker) *ProfileChecker {
	return &ProfileChecker{operator: operator}
}

func (p *ProfileChecker) CheckAccess(_ context.Context, pointers []string, _ int64, signer string) []string {
	var errs []string
	if len(pointers) != 1 {
		errs = append(errs, fmt.Sprintf("Only one pointer is allowed when you create a Profile. Received: %s",
			strings.Join(pointers, ",")))
	}
	if len(pointers) == 0 {
		return errs
	}

	pointer := strings.ToLower(pointers[0])
	if isDefaultPointer(pointer) {
		if !p.operator.IsOperator(signer) {
			errs = append(errs, "Only the operator can add or modify default profiles")
		}
	} else if pointer != strings.ToLower(signer) {
		errs = append(errs, "You can only alter your own profile. The pointer address and the signer address are different.")
	}
	return errs
}
