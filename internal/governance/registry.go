// Package governance holds the permission capability consumed by the vault.
// The workflow that decides who holds which permission lives elsewhere;
// this package only answers predicates.
package governance

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Permissions is the read-only predicate set the vault checks at call time.
type Permissions interface {
	IsGovernor(caller string) bool
	IsHandler(caller string) bool
	IsLiquidator(caller string) bool
	IsApprovedRouter(account, caller string) bool
}

// Permission is a bit in an identity's capability set
type Permission uint8

const (
	PermGovernor Permission = 1 << iota
	PermHandler
	PermLiquidator
)

func (p Permission) String() string {
	var names []string
	if p&PermGovernor != 0 {
		names = append(names, "governor")
	}
	if p&PermHandler != 0 {
		names = append(names, "handler")
	}
	if p&PermLiquidator != 0 {
		names = append(names, "liquidator")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParsePermission maps a name to its bit.
func ParsePermission(name string) (Permission, error) {
	switch strings.ToLower(name) {
	case "governor":
		return PermGovernor, nil
	case "handler":
		return PermHandler, nil
	case "liquidator":
		return PermLiquidator, nil
	default:
		return 0, fmt.Errorf("unknown permission %q", name)
	}
}

// Registry is a capability map: identity -> permission bits, plus per-account
// approved routers.
type Registry struct {
	mu      sync.RWMutex
	grants  map[string]Permission
	routers map[string]map[string]bool // account -> router -> approved
}

func NewRegistry() *Registry {
	return &Registry{
		grants:  make(map[string]Permission),
		routers: make(map[string]map[string]bool),
	}
}

// Grant adds perm to identity.
func (r *Registry) Grant(identity string, perm Permission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants[identity] |= perm
}

// Revoke removes perm from identity.
func (r *Registry) Revoke(identity string, perm Permission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants[identity] &^= perm
	if r.grants[identity] == 0 {
		delete(r.grants, identity)
	}
}

// ApproveRouter lets router act on behalf of account.
func (r *Registry) ApproveRouter(account, router string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.routers[account] == nil {
		r.routers[account] = make(map[string]bool)
	}
	r.routers[account][router] = true
}

// DenyRouter withdraws a router approval.
func (r *Registry) DenyRouter(account, router string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routers[account], router)
	if len(r.routers[account]) == 0 {
		delete(r.routers, account)
	}
}

func (r *Registry) has(identity string, perm Permission) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.grants[identity]&perm != 0
}

func (r *Registry) IsGovernor(caller string) bool   { return r.has(caller, PermGovernor) }
func (r *Registry) IsHandler(caller string) bool    { return r.has(caller, PermHandler) }
func (r *Registry) IsLiquidator(caller string) bool { return r.has(caller, PermLiquidator) }

func (r *Registry) IsApprovedRouter(account, caller string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routers[account][caller]
}

// Grants returns identity -> permission names, sorted by identity.
func (r *Registry) Grants() []Grant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Grant, 0, len(r.grants))
	for id, perm := range r.grants {
		out = append(out, Grant{Identity: id, Permissions: perm.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Grant is one row of the capability map
type Grant struct {
	Identity    string `json:"identity"`
	Permissions string `json:"permissions"`
}

// RouterApproval is one approved (account, router) pair
type RouterApproval struct {
	Account string `json:"account"`
	Router  string `json:"router"`
}

// Routers returns every router approval, sorted by account then router.
func (r *Registry) Routers() []RouterApproval {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []RouterApproval
	for account, routers := range r.routers {
		for router := range routers {
			out = append(out, RouterApproval{Account: account, Router: router})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Router < out[j].Router
	})
	return out
}

// ParsePermissions parses a Permission.String rendering such as
// "governor|handler".
func ParsePermissions(s string) (Permission, error) {
	if s == "" || s == "none" {
		return 0, nil
	}
	var perm Permission
	for _, name := range strings.Split(s, "|") {
		p, err := ParsePermission(name)
		if err != nil {
			return 0, err
		}
		perm |= p
	}
	return perm, nil
}

// Restore replaces every grant and router approval.
func (r *Registry) Restore(grants []Grant, routers []RouterApproval) error {
	next := make(map[string]Permission, len(grants))
	for _, g := range grants {
		perm, err := ParsePermissions(g.Permissions)
		if err != nil {
			return fmt.Errorf("grant %s: %w", g.Identity, err)
		}
		if perm != 0 {
			next[g.Identity] = perm
		}
	}
	nextRouters := make(map[string]map[string]bool)
	for _, ra := range routers {
		if nextRouters[ra.Account] == nil {
			nextRouters[ra.Account] = make(map[string]bool)
		}
		nextRouters[ra.Account][ra.Router] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants = next
	r.routers = nextRouters
	return nil
}
