package access

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// LandRegistry answers whether an address could deploy on a parcel at a given
// time, either as owner, operator or through the estate holding it.
type LandRegistry interface {
	IsParcelAuthorized(ctx context.Context, address string, x, y int, timestamp int64) (bool, error)
}

// SceneChecker requires the signer to be authorized on every parcel. Default
// scenes belong to the operator.
type SceneChecker struct {
	operator OperatorChecker
	lands    LandRegistry
}

func NewSceneChecker(operator OperatorChecker, lands LandRegistry) *SceneChecker {
	return &SceneChecker{operator: operator, lands: lands}
}

func (s *SceneChecker) CheckAccess(ctx context.Context, pointers []string, timestamp int64, signer string) []string {
	var errs []string
	for _, pointer := range pointers {
		pointer = strings.ToLower(pointer)
		if isDefaultPointer(pointer) {
			if !s.operator.IsOperator(signer) {
				errs = append(errs, "Only the operator can add or modify default scenes")
			}
			continue
		}

		x, y, err := parseParcel(pointer)
		if err != nil {
			errs = append(errs, fmt.Sprintf("Scene pointers should only contain two integers separated by a comma, "+
				"for example (10,10) or (120,-45). Invalid pointer: %s", pointer))
			continue
		}
		ok, err := s.lands.IsParcelAuthorized(ctx, signer, x, y, timestamp)
		if err != nil {
			errs = append(errs, fmt.Sprintf("Failed to check access for parcel (%d,%d): %v", x, y, err))
			continue
		}
		if !ok {
			errs = append(errs, fmt.Sprintf("The provided Eth Address does not have access to the following parcel: (%d,%d)", x, y))
		}
	}
	return errs
}

func parseParcel(pointer string) (int, int, error) {
	parts := strings.Split(pointer, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected two coordinates, got %d", len(parts))
	}
	x, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	y, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}
