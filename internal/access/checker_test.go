package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/internal/auth"
)

const (
	operatorAddress = "0xoperator"
	someAddress     = "0x71c7656ec7ab88b098defb751b7401b5f6d8976f"
)

type mockLands struct{ mock.Mock }

func (m *mockLands) IsParcelAuthorized(ctx context.Context, address string, x, y int, timestamp int64) (bool, error) {
	args := m.Called(address, x, y, timestamp)
	return args.Bool(0), args.Error(1)
}

type mockCollections struct{ mock.Mock }

func (m *mockCollections) CanDeployItem(ctx context.Context, address, collection, itemURN string, timestamp int64) (bool, error) {
	args := m.Called(address, collection, itemURN, timestamp)
	return args.Bool(0), args.Error(1)
}

func newChecker(lands LandRegistry, collections CollectionsRegistry) *AccessChecker {
	operator := auth.NewAuthenticator(operatorAddress, nil)
	return NewAccessChecker().
		Register(entity.Scene, NewSceneChecker(operator, lands)).
		Register(entity.Profile, NewProfileChecker(operator)).
		Register(entity.Wearable, NewWearableChecker(collections))
}

func TestUnknownTypeIsRefused(t *testing.T) {
	c := newChecker(&mockLands{}, &mockCollections{})
	require.Equal(t, []string{UnknownTypeViolation}, c.HasAccess(context.Background(), "avatar", []string{"x"}, 1, someAddress))
}

func TestProfiles(t *testing.T) {
	ctx := context.Background()
	c := newChecker(&mockLands{}, &mockCollections{})

	require.Empty(t, c.HasAccess(ctx, entity.Profile, []string{someAddress}, 1, someAddress))
	require.Empty(t, c.HasAccess(ctx, entity.Profile, []string{"0x71C7656EC7AB88B098DEFB751B7401B5F6D8976F"}, 1, someAddress))

	errs := c.HasAccess(ctx, entity.Profile, []string{"default10"}, 1, someAddress)
	require.Equal(t, []string{"Only the operator can add or modify default profiles"}, errs)
	require.Empty(t, c.HasAccess(ctx, entity.Profile, []string{"default10"}, 1, operatorAddress))

	errs = c.HasAccess(ctx, entity.Profile, []string{"0xsomeoneelse"}, 1, someAddress)
	require.Equal(t, []string{"You can only alter your own profile. The pointer address and the signer address are different."}, errs)

	errs = c.HasAccess(ctx, entity.Profile, []string{someAddress, "0xother"}, 1, someAddress)
	require.Contains(t, errs, "Only one pointer is allowed when you create a Profile. Received: "+someAddress+",0xother")

	errs = c.HasAccess(ctx, entity.Profile, nil, 1, someAddress)
	require.Len(t, errs, 1)
}

func TestScenes(t *testing.T) {
	ctx := context.Background()
	lands := &mockLands{}
	lands.On("IsParcelAuthorized", someAddress, 10, -3, int64(5)).Return(true, nil)
	lands.On("IsParcelAuthorized", someAddress, 11, -3, int64(5)).Return(false, nil)
	lands.On("IsParcelAuthorized", someAddress, 12, -3, int64(5)).Return(false, errors.New("timeout"))
	c := newChecker(lands, &mockCollections{})

	require.Empty(t, c.HasAccess(ctx, entity.Scene, []string{"10,-3"}, 5, someAddress))

	errs := c.HasAccess(ctx, entity.Scene, []string{"10,-3", "11,-3", "12,-3", "a,b"}, 5, someAddress)
	require.Len(t, errs, 3)
	require.Equal(t, "The provided Eth Address does not have access to the following parcel: (11,-3)", errs[0])
	require.Contains(t, errs[1], "Failed to check access for parcel (12,-3)")
	require.Contains(t, errs[2], "Invalid pointer: a,b")

	errs = c.HasAccess(ctx, entity.Scene, []string{"Default1"}, 5, someAddress)
	require.Equal(t, []string{"Only the operator can add or modify default scenes"}, errs)
	require.Empty(t, c.HasAccess(ctx, entity.Scene, []string{"default1"}, 5, operatorAddress))
	lands.AssertExpectations(t)
}

func TestWearables(t *testing.T) {
	ctx := context.Background()
	collections := &mockCollections{}
	urn := "urn:decentraland:mumbai:collections-v2:0x1b8ba74cc34c2927aac0a8af9c3b1ba2e61352f6:0"
	collections.On("CanDeployItem", someAddress, "0x1b8ba74cc34c2927aac0a8af9c3b1ba2e61352f6", urn, int64(7)).Return(true, nil)
	c := newChecker(&mockLands{}, collections)

	require.Empty(t, c.HasAccess(ctx, entity.Wearable, []string{urn}, 7, someAddress))

	errs := c.HasAccess(ctx, entity.Wearable, []string{"invalid_pointer"}, 7, someAddress)
	require.Equal(t, []string{
		"Wearable pointers should be a urn, for example (urn:<platform>:{protocol}:collections-v2:{contract(0x[a-fA-F0-9]+)}:{name}). Invalid pointer: (invalid_pointer)",
	}, errs)

	errs = c.HasAccess(ctx, entity.Wearable, []string{"Invalid_Pointer"}, 7, someAddress)
	require.Contains(t, errs[0], "Invalid pointer: (invalid_pointer)")
}

func TestWearableRegistryFailureIsAViolation(t *testing.T) {
	collections := &mockCollections{}
	urn := "urn:decentraland:ethereum:collections-v2:0xabc:hat"
	collections.On("CanDeployItem", someAddress, "0xabc", urn, int64(1)).Return(false, errors.New("unreachable"))
	c := newChecker(&mockLands{}, collections)

	errs := c.HasAccess(context.Background(), entity.Wearable, []string{urn}, 1, someAddress)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0], "unreachable")
}
