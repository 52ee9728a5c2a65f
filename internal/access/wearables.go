package access

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var wearableURN = regexp.MustCompile(`^urn:[a-z0-9-]+:[a-z0-9-]+:collections-v2:(0x[a-f0-9]+):([^:]+)$`)

// CollectionsRegistry answers whether an address may deploy an item of a
// collection.
type CollectionsRegistry interface {
	CanDeployItem(ctx context.Context, address, collection, itemURN string, timestamp int64) (bool, error)
}

// WearableChecker requires URN pointers of collections the signer manages.
type WearableChecker struct {
	collections CollectionsRegistry
}

func NewWearableChecker(collections CollectionsRegistry) *WearableChecker {
	return &WearableChecker{collections: collections}
}

func (w *WearableChecker) CheckAccess(ctx context.Context, pointers []string, timestamp int64, signer string) []string {
	var errs []string
	for _, pointer := range pointers {
		pointer = strings.ToLower(pointer)
		match := wearableURN.FindStringSubmatch(pointer)
		if match == nil {
			errs = append(errs, fmt.Sprintf("Wearable pointers should be a urn, for example "+
				"(urn:<platform>:{protocol}:collections-v2:{contract(0x[a-fA-F0-9]+)}:{name}). Invalid pointer: (%s)", pointer))
			continue
		}
		ok, err := w.collections.CanDeployItem(ctx, signer, match[1], pointer, timestamp)
		if err != nil {
			errs = append(errs, fmt.Sprintf("Failed to check access for wearable (%s): %v", pointer, err))
			continue
		}
		if !ok {
			errs = append(errs, fmt.Sprintf("The provided Eth Address does not have access to the following wearable: (%s)", pointer))
		}
	}
	return errs
}
