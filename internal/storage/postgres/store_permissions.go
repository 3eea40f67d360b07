package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/debitum-app/debitum/internal/permissions"
	"github.com/debitum-app/debitum/internal/storage"
	"github.com/debitum-app/debitum/pkg/event"
)

// --- MatrixStore ------------------------------------------------------------

func (s *Store) GetMatrix(ctx context.Context, walletID string) ([]permissions.MatrixRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.user_group_id, m.contact_group_id, pa.name, m.effect
		FROM group_permission_matrix m
		JOIN permission_actions pa ON pa.id = m.permission_action_id
		JOIN user_groups ug ON ug.id = m.user_group_id
		WHERE ug.wallet_id = $1
		ORDER BY m.user_group_id, m.contact_group_id, pa.name
	`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []permissions.MatrixRow
	for rows.Next() {
		var row permissions.MatrixRow
		var action, effect string
		if err := rows.Scan(&row.UserGroupID, &row.ContactGroupID, &action, &effect); err != nil {
			return nil, err
		}
		row.Action = event.Action(action)
		row.Effect = permissions.Effect(effect)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) ReplaceMatrix(ctx context.Context, walletID string, matrixRows []permissions.MatrixRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM group_permission_matrix m
		USING user_groups ug
		WHERE m.user_group_id = ug.id AND ug.wallet_id = $1
	`, walletID); err != nil {
		return err
	}

	for _, row := range matrixRows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_permission_matrix (user_group_id, contact_group_id, permission_action_id, effect)
			SELECT $1, $2, id, $4 FROM permission_actions WHERE name = $3
		`, row.UserGroupID, row.ContactGroupID, string(row.Action), string(row.Effect)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- InviteStore ------------------------------------------------------------

func (s *Store) CreateInvite(ctx context.Context, invite storage.InviteCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invite_codes (code, wallet_id, created_by, created_at)
		VALUES ($1, $2, $3, $4)
	`, invite.Code, invite.WalletID, invite.CreatedBy, time.Now().UTC())
	return err
}

func (s *Store) RedeemInvite(ctx context.Context, code, userID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var walletID string
	var consumedBy sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT wallet_id, consumed_by FROM invite_codes WHERE code = $1 FOR UPDATE
	`, code).Scan(&walletID, &consumedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if consumedBy.Valid {
		return "", storage.ErrInviteConsumed
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE invite_codes SET consumed_by = $2, consumed_at = now() WHERE code = $1
	`, code, userID); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_users (wallet_id, user_id, role) VALUES ($1, $2, 'member')
		ON CONFLICT (wallet_id, user_id) DO NOTHING
	`, walletID, userID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return walletID, nil
}

// --- permissions.Source -----------------------------------------------------

// LoadACL batches the permission-relevant wallet state: roles, system group
// ids, explicit memberships, matrix rows, non-deleted contacts, and the
// transaction -> contact mapping.
func (s *Store) LoadACL(ctx context.Context, walletID string) (*permissions.ACL, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM wallets WHERE id = $1)`, walletID,
	).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, storage.ErrNotFound
	}

	acl := &permissions.ACL{
		WalletID:               walletID,
		Roles:                  make(map[string]permissions.Role),
		UserGroupsByUser:       make(map[string][]string),
		ContactGroupsByContact: make(map[string][]string),
		TransactionContacts:    make(map[string]string),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, role FROM wallet_users WHERE wallet_id = $1`, walletID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var userID, role string
		if err := rows.Scan(&userID, &role); err != nil {
			rows.Close()
			return nil, err
		}
		acl.Roles[userID] = permissions.Role(role)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM user_groups WHERE wallet_id = $1 AND name = $2`,
		walletID, storage.SystemAllUsers,
	).Scan(&acl.AllUsersGroupID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM contact_groups WHERE wallet_id = $1 AND name = $2`,
		walletID, storage.SystemAllContacts,
	).Scan(&acl.AllContactsGroupID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT ugm.user_id, ugm.user_group_id
		FROM user_group_members ugm
		JOIN user_groups ug ON ug.id = ugm.user_group_id
		WHERE ug.wallet_id = $1
	`, walletID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var userID, groupID string
		if err := rows.Scan(&userID, &groupID); err != nil {
			rows.Close()
			return nil, err
		}
		acl.UserGroupsByUser[userID] = append(acl.UserGroupsByUser[userID], groupID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT cgm.contact_id, cgm.contact_group_id
		FROM contact_group_members cgm
		JOIN contact_groups cg ON cg.id = cgm.contact_group_id
		WHERE cg.wallet_id = $1
	`, walletID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var contactID, groupID string
		if err := rows.Scan(&contactID, &groupID); err != nil {
			rows.Close()
			return nil, err
		}
		acl.ContactGroupsByContact[contactID] = append(acl.ContactGroupsByContact[contactID], groupID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	acl.Rows, err = s.GetMatrix(ctx, walletID)
	if err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id FROM contacts_projection WHERE wallet_id = $1 AND is_deleted = false ORDER BY id
	`, walletID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		acl.ContactIDs = append(acl.ContactIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, contact_id FROM transactions_projection WHERE wallet_id = $1
	`, walletID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id, contactID string
		if err := rows.Scan(&id, &contactID); err != nil {
			rows.Close()
			return nil, err
		}
		acl.TransactionContacts[id] = contactID
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return acl, nil
}
