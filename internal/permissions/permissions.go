// Package permissions resolves wallet access. Owner and admin roles bypass
// the matrix; members are resolved through (user groups x contact groups x
// action) rows with union semantics across memberships and deny-overrides.
// The resolver is a pure function of a loaded ACL snapshot so it can be
// tested without a database and precomputed for batch pull filtering.
package permissions

import "context"

import "github.com/debitum-app/debitum/pkg/event"

// Role is a wallet membership role. member < admin < owner.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

var roleRank = map[Role]int{RoleMember: 0, RoleAdmin: 1, RoleOwner: 2}

// Valid reports whether the role is one of the closed set.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r grants everything other does.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other]
}

// Effect is the outcome a matrix row contributes.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// MatrixRow is one permission matrix entry.
type MatrixRow struct {
	UserGroupID    string
	ContactGroupID string
	Action         event.Action
	Effect         Effect
}

// ResourceScope tags what the action targets.
type ResourceScope int

const (
	ScopeWallet ResourceScope = iota
	ScopeContact
	ScopeTransaction
)

// ACL is the permission-relevant wallet state, loaded in one batch. It must
// be reloaded after any membership, group, or matrix mutation; the resolver
// itself never caches.
type ACL struct {
	WalletID string

	Roles map[string]Role // user id -> wallet role

	AllUsersGroupID    string
	AllContactsGroupID string

	UserGroupsByUser     map[string][]string // user id -> explicit user group ids
	ContactGroupsByContact map[string][]string // contact id -> explicit contact group ids

	// ContactIDs lists the wallet's non-deleted contacts, used to expand
	// read contexts into explicit id sets when deny rows are present.
	ContactIDs []string

	// TransactionContacts maps transaction aggregate ids to their contact.
	TransactionContacts map[string]string

	Rows []MatrixRow
}

// Source loads the ACL snapshot for a wallet.
type Source interface {
	LoadACL(ctx context.Context, walletID string) (*ACL, error)
}

// RoleOf returns the user's wallet role.
func (a *ACL) RoleOf(userID string) (Role, bool) {
	role, ok := a.Roles[userID]
	return role, ok
}

// userGroups returns {all_users} plus the user's explicit groups.
func (a *ACL) userGroups(userID string) map[string]struct{} {
	groups := map[string]struct{}{}
	if a.AllUsersGroupID != "" {
		groups[a.AllUsersGroupID] = struct{}{}
	}
	for _, g := range a.UserGroupsByUser[userID] {
		groups[g] = struct{}{}
	}
	return groups
}

// contactGroups returns {all_contacts} plus the contact's explicit groups.
// An empty contactID yields the wallet scope {all_contacts}.
func (a *ACL) contactGroups(contactID string) map[string]struct{} {
	groups := map[string]struct{}{}
	if a.AllContactsGroupID != "" {
		groups[a.AllContactsGroupID] = struct{}{}
	}
	if contactID != "" {
		for _, g := range a.ContactGroupsByContact[contactID] {
			groups[g] = struct{}{}
		}
	}
	return groups
}

// aliases returns the action names interchangeable with action.
func aliases(action event.Action) []event.Action {
	switch action {
	case event.ActionContactUpdate:
		return []event.Action{event.ActionContactUpdate, event.ActionContactEdit}
	case event.ActionContactEdit:
		return []event.Action{event.ActionContactEdit, event.ActionContactUpdate}
	}
	return []event.Action{action}
}

// Can resolves one (user, action, resource) decision. scope/resourceID pick
// the contact-group side: wallet-scoped actions see only all_contacts,
// contact-scoped actions add the contact's groups, transaction-scoped actions
// use the transaction's contact's groups.
func (a *ACL) Can(userID string, action event.Action, scope ResourceScope, resourceID string) bool {
	role, ok := a.RoleOf(userID)
	if !ok {
		return false
	}
	if role.AtLeast(RoleAdmin) {
		return true
	}

	contactID := ""
	switch scope {
	case ScopeContact:
		contactID = resourceID
	case ScopeTransaction:
		contactID = a.TransactionContacts[resourceID]
	}
	return a.decide(userID, action, contactID)
}

// CanOnContact resolves an action against a specific contact's groups. Used
// for transaction writes, which inherit their contact's groups before the
// transaction exists in any projection.
func (a *ACL) CanOnContact(userID string, action event.Action, contactID string) bool {
	role, ok := a.RoleOf(userID)
	if !ok {
		return false
	}
	if role.AtLeast(RoleAdmin) {
		return true
	}
	return a.decide(userID, action, contactID)
}

func (a *ACL) decide(userID string, action event.Action, contactID string) bool {
	userGroups := a.userGroups(userID)
	contactGroups := a.contactGroups(contactID)
	names := aliases(action)

	allowed := false
	for _, row := range a.Rows {
		if _, ok := userGroups[row.UserGroupID]; !ok {
			continue
		}
		if _, ok := contactGroups[row.ContactGroupID]; !ok {
			continue
		}
		match := false
		for _, name := range names {
			if row.Action == name {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		if row.Effect == EffectDeny {
			return false
		}
		allowed = true
	}
	return allowed
}
