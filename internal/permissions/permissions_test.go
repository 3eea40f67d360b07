package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debitum-app/debitum/pkg/event"
)

const (
	allUsers    = "ug-all-users"
	allContacts = "cg-all-contacts"
	groupFriends = "ug-friends"
	groupFamily  = "cg-family"
)

func testACL() *ACL {
	return &ACL{
		WalletID: "w1",
		Roles: map[string]Role{
			"owner-1":  RoleOwner,
			"admin-1":  RoleAdmin,
			"member-1": RoleMember,
			"member-2": RoleMember,
		},
		AllUsersGroupID:    allUsers,
		AllContactsGroupID: allContacts,
		UserGroupsByUser: map[string][]string{
			"member-1": {groupFriends},
		},
		ContactGroupsByContact: map[string][]string{
			"contact-a": {groupFamily},
		},
		ContactIDs:          []string{"contact-a", "contact-b"},
		TransactionContacts: map[string]string{"txn-1": "contact-a"},
	}
}

func TestRoleHierarchy(t *testing.T) {
	assert.True(t, RoleOwner.AtLeast(RoleAdmin))
	assert.True(t, RoleAdmin.AtLeast(RoleMember))
	assert.False(t, RoleMember.AtLeast(RoleAdmin))
	assert.True(t, RoleMember.AtLeast(RoleMember))
	assert.False(t, Role("stranger").Valid())
}

func TestOwnerAndAdminBypassMatrix(t *testing.T) {
	acl := testACL()
	// No rows at all; owner and admin still pass, member does not.
	assert.True(t, acl.Can("owner-1", event.ActionContactDelete, ScopeContact, "contact-a"))
	assert.True(t, acl.Can("admin-1", event.ActionContactDelete, ScopeContact, "contact-a"))
	assert.False(t, acl.Can("member-1", event.ActionContactDelete, ScopeContact, "contact-a"))
}

func TestUnknownUserForbidden(t *testing.T) {
	acl := testACL()
	acl.Rows = []MatrixRow{{UserGroupID: allUsers, ContactGroupID: allContacts, Action: event.ActionContactRead, Effect: EffectAllow}}
	assert.False(t, acl.Can("stranger", event.ActionContactRead, ScopeContact, "contact-a"))
}

func TestMatrixAllow(t *testing.T) {
	acl := testACL()
	acl.Rows = []MatrixRow{
		{UserGroupID: allUsers, ContactGroupID: allContacts, Action: event.ActionContactRead, Effect: EffectAllow},
	}
	assert.True(t, acl.Can("member-1", event.ActionContactRead, ScopeContact, "contact-a"))
	assert.True(t, acl.Can("member-2", event.ActionContactRead, ScopeContact, "contact-b"))
	assert.False(t, acl.Can("member-1", event.ActionContactUpdate, ScopeContact, "contact-a"))
}

func TestDenyOverridesAllow(t *testing.T) {
	acl := testACL()
	acl.Rows = []MatrixRow{
		{UserGroupID: allUsers, ContactGroupID: allContacts, Action: event.ActionContactRead, Effect: EffectAllow},
		{UserGroupID: groupFriends, ContactGroupID: groupFamily, Action: event.ActionContactRead, Effect: EffectDeny},
	}
	// member-1 is in friends; contact-a is in family: the deny row wins over
	// the broad allow.
	assert.False(t, acl.Can("member-1", event.ActionContactRead, ScopeContact, "contact-a"))
	// contact-b is not in family, so only the allow matches.
	assert.True(t, acl.Can("member-1", event.ActionContactRead, ScopeContact, "contact-b"))
	// member-2 is not in friends; deny row never matches.
	assert.True(t, acl.Can("member-2", event.ActionContactRead, ScopeContact, "contact-a"))
}

func TestUnionAcrossGroupMemberships(t *testing.T) {
	acl := testACL()
	acl.Rows = []MatrixRow{
		{UserGroupID: groupFriends, ContactGroupID: groupFamily, Action: event.ActionContactUpdate, Effect: EffectAllow},
	}
	// Granted only through the custom pair.
	assert.True(t, acl.Can("member-1", event.ActionContactUpdate, ScopeContact, "contact-a"))
	assert.False(t, acl.Can("member-1", event.ActionContactUpdate, ScopeContact, "contact-b"))
	assert.False(t, acl.Can("member-2", event.ActionContactUpdate, ScopeContact, "contact-a"))
}

func TestContactEditAlias(t *testing.T) {
	acl := testACL()
	acl.Rows = []MatrixRow{
		{UserGroupID: allUsers, ContactGroupID: allContacts, Action: event.ActionContactEdit, Effect: EffectAllow},
	}
	assert.True(t, acl.Can("member-1", event.ActionContactUpdate, ScopeContact, "contact-a"))
	assert.True(t, acl.Can("member-1", event.ActionContactEdit, ScopeContact, "contact-a"))
}

func TestTransactionScopeFollowsContactGroups(t *testing.T) {
	acl := testACL()
	acl.Rows = []MatrixRow{
		{UserGroupID: groupFriends, ContactGroupID: groupFamily, Action: event.ActionTransactionUpdate, Effect: EffectAllow},
	}
	// txn-1 belongs to contact-a which is in family.
	assert.True(t, acl.Can("member-1", event.ActionTransactionUpdate, ScopeTransaction, "txn-1"))
	// Unknown transaction falls back to the wallet scope: only all_contacts
	// rows would match, and there are none.
	assert.False(t, acl.Can("member-1", event.ActionTransactionUpdate, ScopeTransaction, "txn-unknown"))
	// CanOnContact resolves the same grant for a not-yet-projected write.
	assert.True(t, acl.CanOnContact("member-1", event.ActionTransactionUpdate, "contact-a"))
}

func TestReadContextGlobalAllow(t *testing.T) {
	acl := testACL()
	acl.Rows = []MatrixRow{
		{UserGroupID: allUsers, ContactGroupID: allContacts, Action: event.ActionContactRead, Effect: EffectAllow},
		{UserGroupID: allUsers, ContactGroupID: allContacts, Action: event.ActionTransactionRead, Effect: EffectAllow},
		{UserGroupID: allUsers, ContactGroupID: allContacts, Action: event.ActionEventsRead, Effect: EffectAllow},
	}
	rc := acl.ReadContext("member-2")
	assert.Nil(t, rc.ContactIDsAllowed)
	assert.Nil(t, rc.TransactionContactIDsAllowed)
	assert.True(t, rc.HasEventsRead)
	assert.True(t, rc.AdmitsContact("anything"))
	assert.True(t, rc.AdmitsTransaction("anything"))
}

func TestReadContextExplicitSet(t *testing.T) {
	acl := testACL()
	acl.Rows = []MatrixRow{
		{UserGroupID: groupFriends, ContactGroupID: groupFamily, Action: event.ActionContactRead, Effect: EffectAllow},
		{UserGroupID: groupFriends, ContactGroupID: groupFamily, Action: event.ActionTransactionRead, Effect: EffectAllow},
	}
	rc := acl.ReadContext("member-1")
	require.NotNil(t, rc.ContactIDsAllowed)
	assert.True(t, rc.AdmitsContact("contact-a"))
	assert.False(t, rc.AdmitsContact("contact-b"))
	assert.True(t, rc.AdmitsTransaction("contact-a"))
	assert.False(t, rc.AdmitsTransaction("contact-b"))
	assert.False(t, rc.HasEventsRead)
}

func TestReadContextDenyCarvesHoleOutOfGlobalGrant(t *testing.T) {
	acl := testACL()
	acl.Rows = []MatrixRow{
		{UserGroupID: allUsers, ContactGroupID: allContacts, Action: event.ActionContactRead, Effect: EffectAllow},
		{UserGroupID: groupFriends, ContactGroupID: groupFamily, Action: event.ActionContactRead, Effect: EffectDeny},
	}
	rc := acl.ReadContext("member-1")
	require.NotNil(t, rc.ContactIDsAllowed, "deny rows force an explicit set")
	assert.False(t, rc.AdmitsContact("contact-a"))
	assert.True(t, rc.AdmitsContact("contact-b"))
}

func TestReadContextNoMembership(t *testing.T) {
	acl := testACL()
	rc := acl.ReadContext("stranger")
	require.NotNil(t, rc.ContactIDsAllowed)
	assert.Empty(t, rc.ContactIDsAllowed)
	assert.False(t, rc.AdmitsContact("contact-a"))
}

func TestReadContextAdmin(t *testing.T) {
	rc := testACL().ReadContext("admin-1")
	assert.Nil(t, rc.ContactIDsAllowed)
	assert.Nil(t, rc.TransactionContactIDsAllowed)
	assert.True(t, rc.HasEventsRead)
}
