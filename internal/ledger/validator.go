package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateUserCreditNonNegative checks a user's credit balance >= 0
func (v *InvariantValidator) ValidateUserCreditNonNegative(account common.Address, assetID AssetID) error {
	return v.tracker.ValidateNonNegative(NewUserAccountKey(account, assetID))
}

// ValidatePlatformPoolNonNegative checks the platform pool >= 0
func (v *InvariantValidator) ValidatePlatformPoolNonNegative(venue common.Address, assetID AssetID) error {
	return v.tracker.ValidateNonNegative(NewPlatformAccountKey(venue, assetID))
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}
