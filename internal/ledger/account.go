package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopePlatform
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCredit AccountSubType = iota

	// Platform sub-types
	SubTypePool

	// External sub-types
	SubTypeToken
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDC": 1,
		"USDT": 2,
	}
	idToAsset = map[AssetID]string{
		1: "USDC",
		2: "USDT",
	}
)

// AssetUSDC is the default value-token asset.
const AssetUSDC AssetID = 1

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (24 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID common.Address // account address for users, venue address for platform
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for a user's credit account
func NewUserAccountKey(account common.Address, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: account,
		SubType:  SubTypeCredit,
		AssetID:  assetID,
	}
}

// NewPlatformAccountKey creates a key for the platform liquidity pool
func NewPlatformAccountKey(venue common.Address, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopePlatform,
		EntityID: venue,
		SubType:  SubTypePool,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for the value-token boundary account.
// The external account absorbs the counter-leg of topups and withdrawals and
// is the only account allowed to go negative.
func NewExternalAccountKey(assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: SubTypeToken,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.EntityID.Hex(), k.subTypeName(), assetName)
	case AccountScopePlatform:
		return fmt.Sprintf("platform:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCredit:
		return "credit"
	case SubTypePool:
		return "pool"
	case SubTypeToken:
		return "token"
	default:
		return "unknown"
	}
}
