// Package postgres implements the storage contracts backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/debitum-app/debitum/internal/permissions"
	"github.com/debitum-app/debitum/internal/storage"
	"github.com/debitum-app/debitum/pkg/event"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- WalletStore ------------------------------------------------------------

func (s *Store) CreateWallet(ctx context.Context, w storage.Wallet) (storage.Wallet, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.IsActive = true
	w.CreatedAt = now
	w.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Wallet{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (id, name, description, is_active, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, true, $4, $5, $6)
	`, w.ID, w.Name, w.Description, w.CreatedBy, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return storage.Wallet{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_users (wallet_id, user_id, role, created_at)
		VALUES ($1, $2, 'owner', $3)
	`, w.ID, w.CreatedBy, now)
	if err != nil {
		return storage.Wallet{}, err
	}

	if err := seedWallet(ctx, tx, w.ID); err != nil {
		return storage.Wallet{}, err
	}
	if err := tx.Commit(); err != nil {
		return storage.Wallet{}, err
	}
	return w, nil
}

// seedWallet creates the system groups and the default full-access matrix for
// a new wallet.
func seedWallet(ctx context.Context, tx *sql.Tx, walletID string) error {
	allUsersID := uuid.NewString()
	allContactsID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_groups (id, wallet_id, name, is_system) VALUES ($1, $2, $3, true)
	`, allUsersID, walletID, storage.SystemAllUsers); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO contact_groups (id, wallet_id, name, is_system) VALUES ($1, $2, $3, true)
	`, allContactsID, walletID, storage.SystemAllContacts); err != nil {
		return err
	}
	for _, action := range event.Actions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_permission_matrix (user_group_id, contact_group_id, permission_action_id, effect)
			SELECT $1, $2, id, 'allow' FROM permission_actions WHERE name = $3
		`, allUsersID, allContactsID, string(action)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, id string) (storage.Wallet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description, ''), is_active, created_by, created_at, updated_at
		FROM wallets WHERE id = $1
	`, id)
	var w storage.Wallet
	if err := row.Scan(&w.ID, &w.Name, &w.Description, &w.IsActive, &w.CreatedBy, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Wallet{}, storage.ErrNotFound
		}
		return storage.Wallet{}, err
	}
	return w, nil
}

func (s *Store) UpdateWallet(ctx context.Context, w storage.Wallet) (storage.Wallet, error) {
	w.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE wallets SET name = $2, description = $3, is_active = $4, updated_at = $5
		WHERE id = $1
	`, w.ID, w.Name, w.Description, w.IsActive, w.UpdatedAt)
	if err != nil {
		return storage.Wallet{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.Wallet{}, storage.ErrNotFound
	}
	return s.GetWallet(ctx, w.ID)
}

func (s *Store) ListWalletsForUser(ctx context.Context, userID string) ([]storage.Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.name, COALESCE(w.description, ''), w.is_active, w.created_by, w.created_at, w.updated_at
		FROM wallets w
		JOIN wallet_users wu ON wu.wallet_id = w.id
		WHERE wu.user_id = $1 AND w.is_active = true
		ORDER BY w.created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Wallet
	for rows.Next() {
		var w storage.Wallet
		if err := rows.Scan(&w.ID, &w.Name, &w.Description, &w.IsActive, &w.CreatedBy, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) ListWallets(ctx context.Context) ([]storage.Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(description, ''), is_active, created_by, created_at, updated_at
		FROM wallets
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Wallet
	for rows.Next() {
		var w storage.Wallet
		if err := rows.Scan(&w.ID, &w.Name, &w.Description, &w.IsActive, &w.CreatedBy, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) EnsureUser(ctx context.Context, u storage.User) error {
	if u.ID == "" {
		return fmt.Errorf("user id required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username
	`, u.ID, u.Username)
	return err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (storage.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username FROM users WHERE username = $1`, username)
	var u storage.User
	if err := row.Scan(&u.ID, &u.Username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.User{}, storage.ErrNotFound
		}
		return storage.User{}, err
	}
	return u, nil
}

func (s *Store) UpsertMembership(ctx context.Context, walletID, userID string, role permissions.Role) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var currentRole sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT role FROM wallet_users WHERE wallet_id = $1 AND user_id = $2 FOR UPDATE
	`, walletID, userID).Scan(&currentRole)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if currentRole.Valid && currentRole.String == string(permissions.RoleOwner) && role != permissions.RoleOwner {
		owners, err := countOwners(ctx, tx, walletID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return storage.ErrLastOwner
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_users (wallet_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (wallet_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, walletID, userID, string(role))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RemoveMembership(ctx context.Context, walletID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var role string
	err = tx.QueryRowContext(ctx, `
		SELECT role FROM wallet_users WHERE wallet_id = $1 AND user_id = $2 FOR UPDATE
	`, walletID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if role == string(permissions.RoleOwner) {
		owners, err := countOwners(ctx, tx, walletID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return storage.ErrLastOwner
		}
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM wallet_users WHERE wallet_id = $1 AND user_id = $2
	`, walletID, userID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func countOwners(ctx context.Context, tx *sql.Tx, walletID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM wallet_users WHERE wallet_id = $1 AND role = 'owner'
	`, walletID).Scan(&count)
	return count, err
}

func (s *Store) GetRole(ctx context.Context, walletID, userID string) (permissions.Role, bool, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM wallet_users WHERE wallet_id = $1 AND user_id = $2
	`, walletID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return permissions.Role(role), true, nil
}

func (s *Store) ListMembers(ctx context.Context, walletID string) ([]storage.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wu.wallet_id, wu.user_id, COALESCE(u.username, ''), wu.role, wu.created_at
		FROM wallet_users wu
		LEFT JOIN users u ON u.id = wu.user_id
		WHERE wu.wallet_id = $1
		ORDER BY wu.created_at
	`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Membership
	for rows.Next() {
		var m storage.Membership
		var role string
		if err := rows.Scan(&m.WalletID, &m.UserID, &m.Username, &role, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = permissions.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}
