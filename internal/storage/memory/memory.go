// Package memory implements the storage contracts in process memory. It backs
// tests and DSN-less development runs of the server.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/debitum-app/debitum/internal/permissions"
	"github.com/debitum-app/debitum/internal/storage"
	"github.com/debitum-app/debitum/pkg/event"
	"github.com/debitum-app/debitum/pkg/projection"
)

// Store keeps all wallet metadata in maps behind one mutex.
type Store struct {
	mu sync.RWMutex

	wallets     map[string]storage.Wallet
	users       map[string]storage.User
	usersByName map[string]string
	memberships map[string]map[string]storage.Membership // wallet -> user -> membership

	userGroups    map[string]map[string]storage.Group // wallet -> group id -> group
	contactGroups map[string]map[string]storage.Group
	userMembers   map[string]map[string]struct{} // group id -> user ids
	contactMembers map[string]map[string]struct{} // group id -> contact ids

	matrix  map[string][]permissions.MatrixRow // wallet -> rows
	invites map[string]storage.InviteCode

	projections map[string]*projection.State

	snapshots    map[string][]storage.Snapshot
	nextSnapshot int64
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		wallets:        make(map[string]storage.Wallet),
		users:          make(map[string]storage.User),
		usersByName:    make(map[string]string),
		memberships:    make(map[string]map[string]storage.Membership),
		userGroups:     make(map[string]map[string]storage.Group),
		contactGroups:  make(map[string]map[string]storage.Group),
		userMembers:    make(map[string]map[string]struct{}),
		contactMembers: make(map[string]map[string]struct{}),
		matrix:         make(map[string][]permissions.MatrixRow),
		invites:        make(map[string]storage.InviteCode),
		projections:    make(map[string]*projection.State),
		snapshots:      make(map[string][]storage.Snapshot),
		nextSnapshot:   1,
	}
}

// --- WalletStore ------------------------------------------------------------

func (s *Store) CreateWallet(_ context.Context, w storage.Wallet) (storage.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.IsActive = true
	w.CreatedAt = now
	w.UpdatedAt = now
	s.wallets[w.ID] = w

	s.memberships[w.ID] = map[string]storage.Membership{
		w.CreatedBy: {WalletID: w.ID, UserID: w.CreatedBy, Role: permissions.RoleOwner, CreatedAt: now},
	}
	s.seedWalletLocked(w.ID)
	return w, nil
}

// seedWalletLocked creates the system groups and the default matrix: every
// wallet member gets the full action set on every contact until an admin
// narrows it.
func (s *Store) seedWalletLocked(walletID string) {
	allUsers := storage.Group{ID: uuid.NewString(), WalletID: walletID, Name: storage.SystemAllUsers, IsSystem: true}
	allContacts := storage.Group{ID: uuid.NewString(), WalletID: walletID, Name: storage.SystemAllContacts, IsSystem: true}
	s.userGroups[walletID] = map[string]storage.Group{allUsers.ID: allUsers}
	s.contactGroups[walletID] = map[string]storage.Group{allContacts.ID: allContacts}

	rows := make([]permissions.MatrixRow, 0, len(event.Actions))
	for _, action := range event.Actions {
		rows = append(rows, permissions.MatrixRow{
			UserGroupID:    allUsers.ID,
			ContactGroupID: allContacts.ID,
			Action:         action,
			Effect:         permissions.EffectAllow,
		})
	}
	s.matrix[walletID] = rows
}

func (s *Store) GetWallet(_ context.Context, id string) (storage.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return storage.Wallet{}, storage.ErrNotFound
	}
	return w, nil
}

func (s *Store) UpdateWallet(_ context.Context, w storage.Wallet) (storage.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.wallets[w.ID]
	if !ok {
		return storage.Wallet{}, storage.ErrNotFound
	}
	existing.Name = w.Name
	existing.Description = w.Description
	existing.IsActive = w.IsActive
	existing.UpdatedAt = time.Now().UTC()
	s.wallets[w.ID] = existing
	return existing, nil
}

func (s *Store) ListWalletsForUser(_ context.Context, userID string) ([]storage.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.Wallet
	for walletID, members := range s.memberships {
		if _, ok := members[userID]; ok {
			if w, exists := s.wallets[walletID]; exists && w.IsActive {
				out = append(out, w)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListWallets(_ context.Context) ([]storage.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) EnsureUser(_ context.Context, u storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		return fmt.Errorf("user id required")
	}
	s.users[u.ID] = u
	if u.Username != "" {
		s.usersByName[u.Username] = u.ID
	}
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByName[username]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return s.users[id], nil
}

func (s *Store) UpsertMembership(_ context.Context, walletID, userID string, role permissions.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.memberships[walletID]
	if !ok {
		return storage.ErrNotFound
	}
	if existing, present := members[userID]; present && existing.Role == permissions.RoleOwner && role != permissions.RoleOwner {
		if s.ownerCountLocked(walletID) <= 1 {
			return storage.ErrLastOwner
		}
	}
	created := time.Now().UTC()
	if existing, present := members[userID]; present {
		created = existing.CreatedAt
	}
	members[userID] = storage.Membership{WalletID: walletID, UserID: userID, Role: role, CreatedAt: created}
	return nil
}

func (s *Store) RemoveMembership(_ context.Context, walletID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.memberships[walletID]
	if !ok {
		return storage.ErrNotFound
	}
	m, present := members[userID]
	if !present {
		return storage.ErrNotFound
	}
	if m.Role == permissions.RoleOwner && s.ownerCountLocked(walletID) <= 1 {
		return storage.ErrLastOwner
	}
	delete(members, userID)
	return nil
}

func (s *Store) ownerCountLocked(walletID string) int {
	count := 0
	for _, m := range s.memberships[walletID] {
		if m.Role == permissions.RoleOwner {
			count++
		}
	}
	return count
}

func (s *Store) GetRole(_ context.Context, walletID, userID string) (permissions.Role, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[walletID][userID]
	if !ok {
		return "", false, nil
	}
	return m.Role, true, nil
}

func (s *Store) ListMembers(_ context.Context, walletID string) ([]storage.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.Membership
	for _, m := range s.memberships[walletID] {
		m.Username = s.users[m.UserID].Username
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- GroupStore -------------------------------------------------------------

func (s *Store) CreateUserGroup(_ context.Context, g storage.Group) (storage.Group, error) {
	return s.createGroup(s.userGroups, g)
}

func (s *Store) CreateContactGroup(_ context.Context, g storage.Group) (storage.Group, error) {
	return s.createGroup(s.contactGroups, g)
}

func (s *Store) createGroup(groups map[string]map[string]storage.Group, g storage.Group) (storage.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[g.WalletID]; !ok {
		return storage.Group{}, storage.ErrNotFound
	}
	for _, existing := range groups[g.WalletID] {
		if existing.Name == g.Name {
			return storage.Group{}, fmt.Errorf("group %q already exists", g.Name)
		}
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.IsSystem = false
	if groups[g.WalletID] == nil {
		groups[g.WalletID] = make(map[string]storage.Group)
	}
	groups[g.WalletID][g.ID] = g
	return g, nil
}

func (s *Store) ListUserGroups(_ context.Context, walletID string) ([]storage.Group, error) {
	return s.listGroups(s.userGroups, walletID)
}

func (s *Store) ListContactGroups(_ context.Context, walletID string) ([]storage.Group, error) {
	return s.listGroups(s.contactGroups, walletID)
}

func (s *Store) listGroups(groups map[string]map[string]storage.Group, walletID string) ([]storage.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.Group
	for _, g := range groups[walletID] {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsSystem != out[j].IsSystem {
			return out[i].IsSystem
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) RenameUserGroup(_ context.Context, walletID, groupID, name string) error {
	return s.renameGroup(s.userGroups, walletID, groupID, name)
}

func (s *Store) RenameContactGroup(_ context.Context, walletID, groupID, name string) error {
	return s.renameGroup(s.contactGroups, walletID, groupID, name)
}

func (s *Store) renameGroup(groups map[string]map[string]storage.Group, walletID, groupID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := groups[walletID][groupID]
	if !ok {
		return storage.ErrNotFound
	}
	if g.IsSystem {
		return fmt.Errorf("system group cannot be renamed")
	}
	g.Name = name
	groups[walletID][groupID] = g
	return nil
}

func (s *Store) DeleteUserGroup(_ context.Context, walletID, groupID string) error {
	return s.deleteGroup(s.userGroups, s.userMembers, walletID, groupID)
}

func (s *Store) DeleteContactGroup(_ context.Context, walletID, groupID string) error {
	return s.deleteGroup(s.contactGroups, s.contactMembers, walletID, groupID)
}

func (s *Store) deleteGroup(groups map[string]map[string]storage.Group, members map[string]map[string]struct{}, walletID, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := groups[walletID][groupID]
	if !ok {
		return storage.ErrNotFound
	}
	if g.IsSystem {
		return fmt.Errorf("system group cannot be deleted")
	}
	delete(groups[walletID], groupID)
	delete(members, groupID)

	rows := s.matrix[walletID][:0]
	for _, row := range s.matrix[walletID] {
		if row.UserGroupID != groupID && row.ContactGroupID != groupID {
			rows = append(rows, row)
		}
	}
	s.matrix[walletID] = rows
	return nil
}

func (s *Store) AddUserGroupMember(_ context.Context, walletID, groupID, userID string) error {
	return s.addGroupMember(s.userGroups, s.userMembers, walletID, groupID, userID)
}

func (s *Store) RemoveUserGroupMember(_ context.Context, walletID, groupID, userID string) error {
	return s.removeGroupMember(s.userGroups, s.userMembers, walletID, groupID, userID)
}

func (s *Store) ListUserGroupMembers(_ context.Context, walletID, groupID string) ([]string, error) {
	return s.listGroupMembers(s.userGroups, s.userMembers, walletID, groupID)
}

func (s *Store) AddContactGroupMember(_ context.Context, walletID, groupID, contactID string) error {
	return s.addGroupMember(s.contactGroups, s.contactMembers, walletID, groupID, contactID)
}

func (s *Store) RemoveContactGroupMember(_ context.Context, walletID, groupID, contactID string) error {
	return s.removeGroupMember(s.contactGroups, s.contactMembers, walletID, groupID, contactID)
}

func (s *Store) ListContactGroupMembers(_ context.Context, walletID, groupID string) ([]string, error) {
	return s.listGroupMembers(s.contactGroups, s.contactMembers, walletID, groupID)
}

func (s *Store) addGroupMember(groups map[string]map[string]storage.Group, members map[string]map[string]struct{}, walletID, groupID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := groups[walletID][groupID]
	if !ok {
		return storage.ErrNotFound
	}
	if g.IsSystem {
		return fmt.Errorf("system group membership is implicit")
	}
	if members[groupID] == nil {
		members[groupID] = make(map[string]struct{})
	}
	members[groupID][memberID] = struct{}{}
	return nil
}

func (s *Store) removeGroupMember(groups map[string]map[string]storage.Group, members map[string]map[string]struct{}, walletID, groupID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := groups[walletID][groupID]; !ok {
		return storage.ErrNotFound
	}
	delete(members[groupID], memberID)
	return nil
}

func (s *Store) listGroupMembers(groups map[string]map[string]storage.Group, members map[string]map[string]struct{}, walletID, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := groups[walletID][groupID]; !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]string, 0, len(members[groupID]))
	for id := range members[groupID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// --- MatrixStore ------------------------------------------------------------

func (s *Store) GetMatrix(_ context.Context, walletID string) ([]permissions.MatrixRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]permissions.MatrixRow, len(s.matrix[walletID]))
	copy(out, s.matrix[walletID])
	return out, nil
}

func (s *Store) ReplaceMatrix(_ context.Context, walletID string, rows []permissions.MatrixRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[walletID]; !ok {
		return storage.ErrNotFound
	}
	s.matrix[walletID] = append([]permissions.MatrixRow(nil), rows...)
	return nil
}

// --- InviteStore ------------------------------------------------------------

func (s *Store) CreateInvite(_ context.Context, invite storage.InviteCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[invite.WalletID]; !ok {
		return storage.ErrNotFound
	}
	s.invites[invite.Code] = invite
	return nil
}

func (s *Store) RedeemInvite(_ context.Context, code, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invites[code]
	if !ok {
		return "", storage.ErrNotFound
	}
	if invite.ConsumedBy != "" {
		return "", storage.ErrInviteConsumed
	}
	now := time.Now().UTC()
	invite.ConsumedBy = userID
	invite.ConsumedAt = &now
	s.invites[code] = invite

	members := s.memberships[invite.WalletID]
	if members == nil {
		return "", storage.ErrNotFound
	}
	if _, present := members[userID]; !present {
		members[userID] = storage.Membership{
			WalletID: invite.WalletID, UserID: userID, Role: permissions.RoleMember, CreatedAt: now,
		}
	}
	return invite.WalletID, nil
}

// --- ProjectionStore --------------------------------------------------------

func (s *Store) ReplaceProjection(_ context.Context, walletID string, state *projection.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projections[walletID] = state.Clone()
	return nil
}

func (s *Store) LoadProjection(_ context.Context, walletID string) (*projection.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.projections[walletID]
	if !ok {
		return projection.NewState(), nil
	}
	return state.Clone(), nil
}

// --- SnapshotStore ----------------------------------------------------------

func (s *Store) SaveSnapshot(_ context.Context, snap storage.Snapshot) (storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.ID = s.nextSnapshot
	s.nextSnapshot++
	existing := s.snapshots[snap.WalletID]
	var maxIndex int64 = -1
	for _, sn := range existing {
		if sn.SnapshotIndex > maxIndex {
			maxIndex = sn.SnapshotIndex
		}
	}
	snap.SnapshotIndex = maxIndex + 1
	snap.CreatedAt = time.Now().UTC()
	s.snapshots[snap.WalletID] = append(existing, snap)
	return snap, nil
}

func (s *Store) SnapshotBefore(_ context.Context, walletID string, seq int64) (storage.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best storage.Snapshot
	found := false
	for _, sn := range s.snapshots[walletID] {
		if sn.ServerSeqAtSnapshot < seq && (!found || sn.SnapshotIndex > best.SnapshotIndex) {
			best = sn
			found = true
		}
	}
	return best, found, nil
}

func (s *Store) LatestSnapshot(_ context.Context, walletID string) (storage.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best storage.Snapshot
	found := false
	for _, sn := range s.snapshots[walletID] {
		if !found || sn.SnapshotIndex > best.SnapshotIndex {
			best = sn
			found = true
		}
	}
	return best, found, nil
}

func (s *Store) CountSnapshots(_ context.Context, walletID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.snapshots[walletID])), nil
}

func (s *Store) PruneSnapshots(_ context.Context, walletID string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[walletID]
	if len(snaps) <= keep {
		return nil
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].SnapshotIndex < snaps[j].SnapshotIndex })
	s.snapshots[walletID] = append([]storage.Snapshot(nil), snaps[len(snaps)-keep:]...)
	return nil
}

// --- permissions.Source -----------------------------------------------------

func (s *Store) LoadACL(_ context.Context, walletID string) (*permissions.ACL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.wallets[walletID]; !ok {
		return nil, storage.ErrNotFound
	}

	acl := &permissions.ACL{
		WalletID:               walletID,
		Roles:                  make(map[string]permissions.Role),
		UserGroupsByUser:       make(map[string][]string),
		ContactGroupsByContact: make(map[string][]string),
		TransactionContacts:    make(map[string]string),
	}
	for userID, m := range s.memberships[walletID] {
		acl.Roles[userID] = m.Role
	}
	for id, g := range s.userGroups[walletID] {
		if g.Name == storage.SystemAllUsers {
			acl.AllUsersGroupID = id
			continue
		}
		for userID := range s.userMembers[id] {
			acl.UserGroupsByUser[userID] = append(acl.UserGroupsByUser[userID], id)
		}
	}
	for id, g := range s.contactGroups[walletID] {
		if g.Name == storage.SystemAllContacts {
			acl.AllContactsGroupID = id
			continue
		}
		for contactID := range s.contactMembers[id] {
			acl.ContactGroupsByContact[contactID] = append(acl.ContactGroupsByContact[contactID], id)
		}
	}
	acl.Rows = append(acl.Rows, s.matrix[walletID]...)

	if state, ok := s.projections[walletID]; ok {
		for id, c := range state.Contacts {
			if !c.IsDeleted {
				acl.ContactIDs = append(acl.ContactIDs, id)
			}
		}
		for id, t := range state.Transactions {
			acl.TransactionContacts[id] = t.ContactID
		}
	}
	sort.Strings(acl.ContactIDs)
	return acl, nil
}
