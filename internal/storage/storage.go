// Package storage defines the store contracts for wallet metadata, groups,
// the permission matrix, invite codes, projections, and snapshots. The
// postgres and memory sub-packages implement all of them on one Store type.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/debitum-app/debitum/internal/permissions"
	"github.com/debitum-app/debitum/pkg/projection"
)

// System group names. Every wallet owns one of each; membership is implicit
// (every wallet member / every contact) and never materialized.
const (
	SystemAllUsers    = "all_users"
	SystemAllContacts = "all_contacts"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrLastOwner is returned when a change would leave a wallet without an owner.
var ErrLastOwner = errors.New("storage: wallet must keep at least one owner")

// ErrInviteConsumed is returned when redeeming an already-used invite code.
var ErrInviteConsumed = errors.New("storage: invite code already consumed")

// Wallet is the tenant boundary. Every other entity carries its id.
type Wallet struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// User is the minimal principal record the core needs; credential handling
// lives outside the core.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Membership binds a user to a wallet with a role.
type Membership struct {
	WalletID  string           `json:"wallet_id"`
	UserID    string           `json:"user_id"`
	Username  string           `json:"username,omitempty"`
	Role      permissions.Role `json:"role"`
	CreatedAt time.Time        `json:"created_at"`
}

// Group is a named user or contact set within a wallet.
type Group struct {
	ID       string `json:"id"`
	WalletID string `json:"wallet_id"`
	Name     string `json:"name"`
	IsSystem bool   `json:"is_system"`
}

// InviteCode is a short-lived 4-digit join code bound to a wallet.
type InviteCode struct {
	Code       string     `json:"code"`
	WalletID   string     `json:"wallet_id"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	ConsumedBy string     `json:"consumed_by,omitempty"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// Snapshot is a cached projection at a known event sequence.
type Snapshot struct {
	ID                  int64     `json:"id"`
	WalletID            string    `json:"wallet_id"`
	SnapshotIndex       int64     `json:"snapshot_index"`
	ServerSeqAtSnapshot int64     `json:"server_seq_at_snapshot"`
	EventCount          int64     `json:"event_count"`
	ContactsJSON        []byte    `json:"-"`
	TransactionsJSON    []byte    `json:"-"`
	CreatedAt           time.Time `json:"created_at"`
}

// State restores the snapshot's projection.
func (s Snapshot) State() (*projection.State, error) {
	return projection.Unmarshal(s.ContactsJSON, s.TransactionsJSON)
}

// WalletStore manages wallets, users, and memberships.
type WalletStore interface {
	CreateWallet(ctx context.Context, w Wallet) (Wallet, error)
	GetWallet(ctx context.Context, id string) (Wallet, error)
	UpdateWallet(ctx context.Context, w Wallet) (Wallet, error)
	ListWalletsForUser(ctx context.Context, userID string) ([]Wallet, error)
	ListWallets(ctx context.Context) ([]Wallet, error)

	EnsureUser(ctx context.Context, u User) error
	GetUserByUsername(ctx context.Context, username string) (User, error)

	UpsertMembership(ctx context.Context, walletID, userID string, role permissions.Role) error
	RemoveMembership(ctx context.Context, walletID, userID string) error
	GetRole(ctx context.Context, walletID, userID string) (permissions.Role, bool, error)
	ListMembers(ctx context.Context, walletID string) ([]Membership, error)
}

// GroupStore manages custom groups and their explicit members.
type GroupStore interface {
	CreateUserGroup(ctx context.Context, g Group) (Group, error)
	CreateContactGroup(ctx context.Context, g Group) (Group, error)
	ListUserGroups(ctx context.Context, walletID string) ([]Group, error)
	ListContactGroups(ctx context.Context, walletID string) ([]Group, error)
	RenameUserGroup(ctx context.Context, walletID, groupID, name string) error
	RenameContactGroup(ctx context.Context, walletID, groupID, name string) error
	DeleteUserGroup(ctx context.Context, walletID, groupID string) error
	DeleteContactGroup(ctx context.Context, walletID, groupID string) error

	AddUserGroupMember(ctx context.Context, walletID, groupID, userID string) error
	RemoveUserGroupMember(ctx context.Context, walletID, groupID, userID string) error
	ListUserGroupMembers(ctx context.Context, walletID, groupID string) ([]string, error)

	AddContactGroupMember(ctx context.Context, walletID, groupID, contactID string) error
	RemoveContactGroupMember(ctx context.Context, walletID, groupID, contactID string) error
	ListContactGroupMembers(ctx context.Context, walletID, groupID string) ([]string, error)
}

// MatrixStore manages the group permission matrix.
type MatrixStore interface {
	GetMatrix(ctx context.Context, walletID string) ([]permissions.MatrixRow, error)
	ReplaceMatrix(ctx context.Context, walletID string, rows []permissions.MatrixRow) error
}

// InviteStore manages wallet invite codes.
type InviteStore interface {
	CreateInvite(ctx context.Context, invite InviteCode) error
	// RedeemInvite consumes the code and returns its wallet id.
	RedeemInvite(ctx context.Context, code, userID string) (string, error)
}

// ProjectionStore persists the current projected state per wallet. Replace is
// atomic: readers see the old projection or the new one, never a mix.
type ProjectionStore interface {
	ReplaceProjection(ctx context.Context, walletID string, state *projection.State) error
	LoadProjection(ctx context.Context, walletID string) (*projection.State, error)
}

// SnapshotStore persists projection snapshots with bounded retention.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) (Snapshot, error)
	// SnapshotBefore returns the newest snapshot with
	// server_seq_at_snapshot < seq.
	SnapshotBefore(ctx context.Context, walletID string, seq int64) (Snapshot, bool, error)
	LatestSnapshot(ctx context.Context, walletID string) (Snapshot, bool, error)
	CountSnapshots(ctx context.Context, walletID string) (int64, error)
	// PruneSnapshots deletes all but the newest keep snapshots.
	PruneSnapshots(ctx context.Context, walletID string, keep int) error
}

// Store is the full contract implemented by both backends.
type Store interface {
	WalletStore
	GroupStore
	MatrixStore
	InviteStore
	ProjectionStore
	SnapshotStore
	permissions.Source
}
