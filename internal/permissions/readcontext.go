package permissions

import "github.com/debitum-app/debitum/pkg/event"

// SyncReadContext is the precomputed read filter for one (user, wallet). A
// nil id set means globally allowed; an empty set means nothing is visible.
type SyncReadContext struct {
	ContactIDsAllowed            map[string]struct{}
	TransactionContactIDsAllowed map[string]struct{}
	HasEventsRead                bool
}

// ReadContext precomputes the read filter in one pass over the ACL. When the
// user holds an unqualified contact:read (allow on all_contacts, no deny rows
// in reach) the contact set is nil; otherwise it is the explicit set of
// contacts the resolver admits, so deny rows carve holes out of broad grants.
func (a *ACL) ReadContext(userID string) SyncReadContext {
	role, ok := a.RoleOf(userID)
	if !ok {
		return SyncReadContext{
			ContactIDsAllowed:            map[string]struct{}{},
			TransactionContactIDsAllowed: map[string]struct{}{},
		}
	}
	if role.AtLeast(RoleAdmin) {
		return SyncReadContext{HasEventsRead: true}
	}

	return SyncReadContext{
		ContactIDsAllowed:            a.allowedContacts(userID, event.ActionContactRead),
		TransactionContactIDsAllowed: a.allowedContacts(userID, event.ActionTransactionRead),
		HasEventsRead:                a.decide(userID, event.ActionEventsRead, ""),
	}
}

// allowedContacts returns nil for a clean global grant, else the explicit set.
func (a *ACL) allowedContacts(userID string, action event.Action) map[string]struct{} {
	userGroups := a.userGroups(userID)

	globalAllow := false
	hasDeny := false
	for _, row := range a.Rows {
		if row.Action != action {
			continue
		}
		if _, ok := userGroups[row.UserGroupID]; !ok {
			continue
		}
		if row.Effect == EffectDeny {
			hasDeny = true
			continue
		}
		if row.ContactGroupID == a.AllContactsGroupID {
			globalAllow = true
		}
	}
	if globalAllow && !hasDeny {
		return nil
	}

	allowed := map[string]struct{}{}
	for _, contactID := range a.ContactIDs {
		if a.decide(userID, action, contactID) {
			allowed[contactID] = struct{}{}
		}
	}
	return allowed
}

// AdmitsContact reports whether a contact aggregate is readable.
func (rc SyncReadContext) AdmitsContact(contactID string) bool {
	if rc.ContactIDsAllowed == nil {
		return true
	}
	_, ok := rc.ContactIDsAllowed[contactID]
	return ok
}

// AdmitsTransaction reports whether a transaction with the given contact is
// readable. Transactions have no groups of their own; visibility follows the
// contact's groups.
func (rc SyncReadContext) AdmitsTransaction(contactID string) bool {
	if rc.TransactionContactIDsAllowed == nil {
		return true
	}
	_, ok := rc.TransactionContactIDsAllowed[contactID]
	return ok
}
