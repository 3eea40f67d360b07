package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/debitum-app/debitum/internal/storage"
)

// --- GroupStore -------------------------------------------------------------

func (s *Store) CreateUserGroup(ctx context.Context, g storage.Group) (storage.Group, error) {
	return s.createGroup(ctx, "user_groups", g)
}

func (s *Store) CreateContactGroup(ctx context.Context, g storage.Group) (storage.Group, error) {
	return s.createGroup(ctx, "contact_groups", g)
}

func (s *Store) createGroup(ctx context.Context, table string, g storage.Group) (storage.Group, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.IsSystem = false
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (id, wallet_id, name, is_system) VALUES ($1, $2, $3, false)
	`, g.ID, g.WalletID, g.Name)
	if err != nil {
		return storage.Group{}, err
	}
	return g, nil
}

func (s *Store) ListUserGroups(ctx context.Context, walletID string) ([]storage.Group, error) {
	return s.listGroups(ctx, "user_groups", walletID)
}

func (s *Store) ListContactGroups(ctx context.Context, walletID string) ([]storage.Group, error) {
	return s.listGroups(ctx, "contact_groups", walletID)
}

func (s *Store) listGroups(ctx context.Context, table, walletID string) ([]storage.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_id, name, is_system FROM `+table+`
		WHERE wallet_id = $1
		ORDER BY is_system DESC, name
	`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Group
	for rows.Next() {
		var g storage.Group
		if err := rows.Scan(&g.ID, &g.WalletID, &g.Name, &g.IsSystem); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) RenameUserGroup(ctx context.Context, walletID, groupID, name string) error {
	return s.renameGroup(ctx, "user_groups", walletID, groupID, name)
}

func (s *Store) RenameContactGroup(ctx context.Context, walletID, groupID, name string) error {
	return s.renameGroup(ctx, "contact_groups", walletID, groupID, name)
}

func (s *Store) renameGroup(ctx context.Context, table, walletID, groupID, name string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE `+table+` SET name = $3
		WHERE wallet_id = $1 AND id = $2 AND is_system = false
	`, walletID, groupID, name)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return s.groupMissingOrSystem(ctx, table, walletID, groupID)
	}
	return nil
}

func (s *Store) DeleteUserGroup(ctx context.Context, walletID, groupID string) error {
	return s.deleteGroup(ctx, "user_groups", walletID, groupID)
}

func (s *Store) DeleteContactGroup(ctx context.Context, walletID, groupID string) error {
	return s.deleteGroup(ctx, "contact_groups", walletID, groupID)
}

func (s *Store) deleteGroup(ctx context.Context, table, walletID, groupID string) error {
	// Matrix rows and memberships go with the group via ON DELETE CASCADE.
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM `+table+`
		WHERE wallet_id = $1 AND id = $2 AND is_system = false
	`, walletID, groupID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return s.groupMissingOrSystem(ctx, table, walletID, groupID)
	}
	return nil
}

func (s *Store) groupMissingOrSystem(ctx context.Context, table, walletID, groupID string) error {
	var isSystem bool
	err := s.db.QueryRowContext(ctx, `
		SELECT is_system FROM `+table+` WHERE wallet_id = $1 AND id = $2
	`, walletID, groupID).Scan(&isSystem)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if isSystem {
		return fmt.Errorf("system group cannot be modified")
	}
	return storage.ErrNotFound
}

func (s *Store) AddUserGroupMember(ctx context.Context, walletID, groupID, userID string) error {
	if err := s.requireCustomGroup(ctx, "user_groups", walletID, groupID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_group_members (user_group_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, groupID, userID)
	return err
}

func (s *Store) RemoveUserGroupMember(ctx context.Context, walletID, groupID, userID string) error {
	if err := s.requireCustomGroup(ctx, "user_groups", walletID, groupID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM user_group_members WHERE user_group_id = $1 AND user_id = $2
	`, groupID, userID)
	return err
}

func (s *Store) ListUserGroupMembers(ctx context.Context, walletID, groupID string) ([]string, error) {
	if err := s.requireGroup(ctx, "user_groups", walletID, groupID); err != nil {
		return nil, err
	}
	return s.listMemberIDs(ctx, `
		SELECT user_id FROM user_group_members WHERE user_group_id = $1 ORDER BY user_id
	`, groupID)
}

func (s *Store) AddContactGroupMember(ctx context.Context, walletID, groupID, contactID string) error {
	if err := s.requireCustomGroup(ctx, "contact_groups", walletID, groupID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_group_members (contact_group_id, contact_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, groupID, contactID)
	return err
}

func (s *Store) RemoveContactGroupMember(ctx context.Context, walletID, groupID, contactID string) error {
	if err := s.requireCustomGroup(ctx, "contact_groups", walletID, groupID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM contact_group_members WHERE contact_group_id = $1 AND contact_id = $2
	`, groupID, contactID)
	return err
}

func (s *Store) ListContactGroupMembers(ctx context.Context, walletID, groupID string) ([]string, error) {
	if err := s.requireGroup(ctx, "contact_groups", walletID, groupID); err != nil {
		return nil, err
	}
	return s.listMemberIDs(ctx, `
		SELECT contact_id FROM contact_group_members WHERE contact_group_id = $1 ORDER BY contact_id
	`, groupID)
}

func (s *Store) requireGroup(ctx context.Context, table, walletID, groupID string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM `+table+` WHERE wallet_id = $1 AND id = $2)
	`, walletID, groupID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) requireCustomGroup(ctx context.Context, table, walletID, groupID string) error {
	var isSystem bool
	err := s.db.QueryRowContext(ctx, `
		SELECT is_system FROM `+table+` WHERE wallet_id = $1 AND id = $2
	`, walletID, groupID).Scan(&isSystem)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if isSystem {
		return fmt.Errorf("system group membership is implicit")
	}
	return nil
}

func (s *Store) listMemberIDs(ctx context.Context, query, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
