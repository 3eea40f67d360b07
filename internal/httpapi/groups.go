package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	apperrors "github.com/debitum-app/debitum/internal/platform/errors"
	"github.com/debitum-app/debitum/internal/platform/httputil"
	"github.com/debitum-app/debitum/internal/permissions"
	"github.com/debitum-app/debitum/internal/storage"
	"github.com/debitum-app/debitum/pkg/event"
)

// Group and matrix management is admin territory: these mutations change who
// can see and touch what, so the role gate sits in front of every write.

type groupPayload struct {
	Name string `json:"name"`
}

func decodeGroupName(w http.ResponseWriter, r *http.Request) (string, bool) {
	var payload groupPayload
	if err := httputil.DecodeJSON(r.Body, &payload); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", err.Error()))
		return "", false
	}
	name := strings.TrimSpace(payload.Name)
	if name == "" {
		httputil.WriteError(w, apperrors.MissingParameter("name"))
		return "", false
	}
	if name == storage.SystemAllUsers || name == storage.SystemAllContacts {
		httputil.WriteError(w, apperrors.InvalidInput("name", "reserved group name"))
		return "", false
	}
	return name, true
}

func (s *Service) listUserGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListUserGroups(r.Context(), walletIDFromCtx(r.Context()))
	writeGroups(w, groups, err)
}

func (s *Service) listContactGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListContactGroups(r.Context(), walletIDFromCtx(r.Context()))
	writeGroups(w, groups, err)
}

func writeGroups(w http.ResponseWriter, groups []storage.Group, err error) {
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("list groups", err))
		return
	}
	if groups == nil {
		groups = []storage.Group{}
	}
	httputil.WriteJSON(w, http.StatusOK, groups)
}

func (s *Service) createUserGroup(w http.ResponseWriter, r *http.Request) {
	s.createGroup(w, r, s.store.CreateUserGroup)
}

func (s *Service) createContactGroup(w http.ResponseWriter, r *http.Request) {
	s.createGroup(w, r, s.store.CreateContactGroup)
}

func (s *Service) createGroup(w http.ResponseWriter, r *http.Request, create func(context.Context, storage.Group) (storage.Group, error)) {
	if !requireRole(w, r, permissions.RoleAdmin) {
		return
	}
	name, ok := decodeGroupName(w, r)
	if !ok {
		return
	}
	group, err := create(r.Context(), storage.Group{WalletID: walletIDFromCtx(r.Context()), Name: name})
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("create group", err))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, group)
}

func (s *Service) renameUserGroup(w http.ResponseWriter, r *http.Request) {
	s.renameGroup(w, r, s.store.RenameUserGroup)
}

func (s *Service) renameContactGroup(w http.ResponseWriter, r *http.Request) {
	s.renameGroup(w, r, s.store.RenameContactGroup)
}

func (s *Service) renameGroup(w http.ResponseWriter, r *http.Request, rename func(ctx context.Context, walletID, groupID, name string) error) {
	if !requireRole(w, r, permissions.RoleAdmin) {
		return
	}
	name, ok := decodeGroupName(w, r)
	if !ok {
		return
	}
	groupID := mux.Vars(r)["groupID"]
	if err := rename(r.Context(), walletIDFromCtx(r.Context()), groupID, name); err != nil {
		writeGroupError(w, err, groupID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"id": groupID, "name": name})
}

func (s *Service) deleteUserGroup(w http.ResponseWriter, r *http.Request) {
	s.deleteGroup(w, r, s.store.DeleteUserGroup)
}

func (s *Service) deleteContactGroup(w http.ResponseWriter, r *http.Request) {
	s.deleteGroup(w, r, s.store.DeleteContactGroup)
}

func (s *Service) deleteGroup(w http.ResponseWriter, r *http.Request, del func(ctx context.Context, walletID, groupID string) error) {
	if !requireRole(w, r, permissions.RoleAdmin) {
		return
	}
	groupID := mux.Vars(r)["groupID"]
	if err := del(r.Context(), walletIDFromCtx(r.Context()), groupID); err != nil {
		writeGroupError(w, err, groupID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeGroupError(w http.ResponseWriter, err error, groupID string) {
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteError(w, apperrors.NotFound("group", groupID))
		return
	}
	httputil.WriteError(w, apperrors.InvalidInput("group", err.Error()))
}

// --- group members ----------------------------------------------------------

type memberPayload struct {
	UserID    string `json:"user_id,omitempty"`
	ContactID string `json:"contact_id,omitempty"`
}

func (s *Service) listUserGroupMembers(w http.ResponseWriter, r *http.Request) {
	s.listGroupMembers(w, r, s.store.ListUserGroupMembers)
}

func (s *Service) listContactGroupMembers(w http.ResponseWriter, r *http.Request) {
	s.listGroupMembers(w, r, s.store.ListContactGroupMembers)
}

func (s *Service) listGroupMembers(w http.ResponseWriter, r *http.Request, list func(ctx context.Context, walletID, groupID string) ([]string, error)) {
	groupID := mux.Vars(r)["groupID"]
	members, err := list(r.Context(), walletIDFromCtx(r.Context()), groupID)
	if err != nil {
		writeGroupError(w, err, groupID)
		return
	}
	if members == nil {
		members = []string{}
	}
	httputil.WriteJSON(w, http.StatusOK, members)
}

func (s *Service) addUserGroupMember(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, permissions.RoleAdmin) {
		return
	}
	var payload memberPayload
	if err := httputil.DecodeJSON(r.Body, &payload); err != nil || payload.UserID == "" {
		httputil.WriteError(w, apperrors.MissingParameter("user_id"))
		return
	}
	groupID := mux.Vars(r)["groupID"]
	if err := s.store.AddUserGroupMember(r.Context(), walletIDFromCtx(r.Context()), groupID, payload.UserID); err != nil {
		writeGroupError(w, err, groupID)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Service) removeUserGroupMember(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, permissions.RoleAdmin) {
		return
	}
	vars := mux.Vars(r)
	if err := s.store.RemoveUserGroupMember(r.Context(), walletIDFromCtx(r.Context()), vars["groupID"], vars["memberID"]); err != nil {
		writeGroupError(w, err, vars["groupID"])
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) addContactGroupMember(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, permissions.RoleAdmin) {
		return
	}
	var payload memberPayload
	if err := httputil.DecodeJSON(r.Body, &payload); err != nil || payload.ContactID == "" {
		httputil.WriteError(w, apperrors.MissingParameter("contact_id"))
		return
	}
	groupID := mux.Vars(r)["groupID"]
	if err := s.store.AddContactGroupMember(r.Context(), walletIDFromCtx(r.Context()), groupID, payload.ContactID); err != nil {
		writeGroupError(w, err, groupID)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Service) removeContactGroupMember(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, permissions.RoleAdmin) {
		return
	}
	vars := mux.Vars(r)
	if err := s.store.RemoveContactGroupMember(r.Context(), walletIDFromCtx(r.Context()), vars["groupID"], vars["memberID"]); err != nil {
		writeGroupError(w, err, vars["groupID"])
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- permission matrix ------------------------------------------------------

type matrixEntry struct {
	UserGroupID    string `json:"user_group_id"`
	ContactGroupID string `json:"contact_group_id"`
	Action         string `json:"action"`
	Effect         string `json:"effect,omitempty"`
}

func (s *Service) listPermissionActions(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, event.Actions)
}

func (s *Service) getPermissionMatrix(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.GetMatrix(r.Context(), walletIDFromCtx(r.Context()))
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("get matrix", err))
		return
	}
	out := make([]matrixEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, matrixEntry{
			UserGroupID:    row.UserGroupID,
			ContactGroupID: row.ContactGroupID,
			Action:         string(row.Action),
			Effect:         string(row.Effect),
		})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Service) putPermissionMatrix(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, permissions.RoleAdmin) {
		return
	}
	var entries []matrixEntry
	if err := httputil.DecodeJSON(r.Body, &entries); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}

	known := map[string]struct{}{}
	for _, a := range event.Actions {
		known[string(a)] = struct{}{}
	}

	rows := make([]permissions.MatrixRow, 0, len(entries))
	for _, entry := range entries {
		if _, ok := known[entry.Action]; !ok {
			httputil.WriteError(w, apperrors.InvalidInput("action", entry.Action))
			return
		}
		effect := permissions.Effect(entry.Effect)
		if effect == "" {
			effect = permissions.EffectAllow
		}
		if effect != permissions.EffectAllow && effect != permissions.EffectDeny {
			httputil.WriteError(w, apperrors.InvalidInput("effect", entry.Effect))
			return
		}
		rows = append(rows, permissions.MatrixRow{
			UserGroupID:    entry.UserGroupID,
			ContactGroupID: entry.ContactGroupID,
			Action:         event.Action(entry.Action),
			Effect:         effect,
		})
	}

	if err := s.store.ReplaceMatrix(r.Context(), walletIDFromCtx(r.Context()), rows); err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("replace matrix", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"rows": len(rows)})
}
