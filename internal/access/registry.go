package access

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry is the in-process Directory implementation. Reads are frequent
// (every privileged command), mutations are rare (bootstrap and admin), so a
// single RWMutex is enough.
type Registry struct {
	mu        sync.RWMutex
	roles     map[RoleID]map[common.Address]struct{}
	addresses map[RoleID]common.Address
}

func NewRegistry() *Registry {
	return &Registry{
		roles:     make(map[RoleID]map[common.Address]struct{}),
		addresses: make(map[RoleID]common.Address),
	}
}

func (r *Registry) HasRole(role RoleID, identity common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[role][identity]
	return ok
}

func (r *Registry) GetAddress(name RoleID) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.addresses[name]
	return addr, ok
}

func (r *Registry) GrantRole(role RoleID, identity common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.roles[role]
	if !ok {
		members = make(map[common.Address]struct{})
		r.roles[role] = members
	}
	members[identity] = struct{}{}
}

func (r *Registry) RevokeRole(role RoleID, identity common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.roles[role], identity)
}

func (r *Registry) SetAddress(name RoleID, identity common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addresses[name] = identity
}
