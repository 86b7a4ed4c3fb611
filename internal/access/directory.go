package access

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrPermissionDenied is returned when a caller lacks the role an
// operation requires.
var ErrPermissionDenied = errors.New("access: permission denied")

// RoleID is the 32-byte identifier of a role, derived from its name.
type RoleID [32]byte

// Role derives a RoleID from a role name (Keccak-256 of the name bytes).
func Role(name string) RoleID {
	return RoleID(crypto.Keccak256Hash([]byte(name)))
}

// Well-known roles. Engines receive these as constants; deployments grant
// them through the directory.
var (
	RoleBooker      = Role("BOOKER_ROLE")
	RoleResolver    = Role("RESOLVER_ROLE")
	RoleOperator    = Role("OPERATOR_ROLE")
	RoleSigner      = Role("SIGNER_ROLE")
	RoleBatcher     = Role("BATCHER_ROLE")
	RoleBatchCloser = Role("BATCHER_CLOSE_ROLE")
	RoleBatchBurner = Role("BATCHER_BURN_ROLE")
)

// Directory resolves roles and named addresses. Every engine takes a
// Directory at construction; there is no process-global registry.
type Directory interface {
	HasRole(role RoleID, identity common.Address) bool
	GetAddress(name RoleID) (common.Address, bool)
}

// Admin extends Directory with mutation, used by bootstrap and tests.
type Admin interface {
	Directory
	GrantRole(role RoleID, identity common.Address)
	RevokeRole(role RoleID, identity common.Address)
	SetAddress(name RoleID, identity common.Address)
}
