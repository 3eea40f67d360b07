package httpapi

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	apperrors "github.com/debitum-app/debitum/internal/platform/errors"
	"github.com/debitum-app/debitum/internal/platform/httputil"
	"github.com/debitum-app/debitum/internal/permissions"
	"github.com/debitum-app/debitum/internal/storage"
)

// requireRole enforces the wallet role hierarchy for management endpoints.
func requireRole(w http.ResponseWriter, r *http.Request, min permissions.Role) bool {
	if roleFromCtx(r.Context()).AtLeast(min) {
		return true
	}
	httputil.WriteError(w, apperrors.InsufficientWalletPermission())
	return false
}

func (s *Service) listWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.store.ListWalletsForUser(r.Context(), userIDFromCtx(r.Context()))
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("list wallets", err))
		return
	}
	if wallets == nil {
		wallets = []storage.Wallet{}
	}
	httputil.WriteJSON(w, http.StatusOK, wallets)
}

func (s *Service) createWallet(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := httputil.DecodeJSON(r.Body, &payload); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}
	if strings.TrimSpace(payload.Name) == "" {
		httputil.WriteError(w, apperrors.MissingParameter("name"))
		return
	}

	wallet, err := s.store.CreateWallet(r.Context(), storage.Wallet{
		Name:        strings.TrimSpace(payload.Name),
		Description: payload.Description,
		CreatedBy:   userIDFromCtx(r.Context()),
	})
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("create wallet", err))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, wallet)
}

func (s *Service) getWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.GetWallet(r.Context(), walletIDFromCtx(r.Context()))
	if err != nil {
		httputil.WriteError(w, apperrors.NotFound("wallet", walletIDFromCtx(r.Context())))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wallet)
}

func (s *Service) updateWallet(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, permissions.RoleAdmin) {
		return
	}
	var payload struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		IsActive    *bool   `json:"is_active"`
	}
	if err := httputil.DecodeJSON(r.Body, &payload); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}

	wallet, err := s.store.GetWallet(r.Context(), walletIDFromCtx(r.Context()))
	if err != nil {
		httputil.WriteError(w, apperrors.NotFound("wallet", walletIDFromCtx(r.Context())))
		return
	}
	if payload.Name != nil {
		wallet.Name = strings.TrimSpace(*payload.Name)
	}
	if payload.Description != nil {
		wallet.Description = *payload.Description
	}
	if payload.IsActive != nil {
		// Deactivation is owner-only; it hides the wallet from every member.
		if !*payload.IsActive && !requireRole(w, r, permissions.RoleOwner) {
			return
		}
		wallet.IsActive = *payload.IsActive
	}

	updated, err := s.store.UpdateWallet(r.Context(), wallet)
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("update wallet", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

func (s *Service) listMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.store.ListMembers(r.Context(), walletIDFromCtx(r.Context()))
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("list members", err))
		return
	}
	if members == nil {
		members = []storage.Membership{}
	}
	httputil.WriteJSON(w, http.StatusOK, members)
}

func (s *Service) addMember(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, permissions.RoleAdmin) {
		return
	}
	var payload struct {
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	if err := httputil.DecodeJSON(r.Body, &payload); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}
	role := permissions.Role(payload.Role)
	if payload.Role == "" {
		role = permissions.RoleMember
	}
	if !role.Valid() {
		httputil.WriteError(w, apperrors.InvalidInput("role", "must be owner, admin, or member"))
		return
	}

	user, err := s.store.GetUserByUsername(r.Context(), payload.Username)
	if err != nil {
		httputil.WriteError(w, apperrors.NotFound("user", payload.Username))
		return
	}
	if err := s.store.UpsertMembership(r.Context(), walletIDFromCtx(r.Context()), user.ID, role); err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("add member", err))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"user_id": user.ID, "role": string(role)})
}

func (s *Service) updateMember(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, permissions.RoleAdmin) {
		return
	}
	var payload struct {
		Role string `json:"role"`
	}
	if err := httputil.DecodeJSON(r.Body, &payload); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}
	role := permissions.Role(payload.Role)
	if !role.Valid() {
		httputil.WriteError(w, apperrors.InvalidInput("role", "must be owner, admin, or member"))
		return
	}

	targetID := mux.Vars(r)["userID"]
	err := s.store.UpsertMembership(r.Context(), walletIDFromCtx(r.Context()), targetID, role)
	if errors.Is(err, storage.ErrLastOwner) {
		httputil.WriteError(w, apperrors.Conflict("wallet must keep at least one owner"))
		return
	}
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("update member", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"user_id": targetID, "role": string(role)})
}

func (s *Service) removeMember(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, permissions.RoleAdmin) {
		return
	}
	targetID := mux.Vars(r)["userID"]
	err := s.store.RemoveMembership(r.Context(), walletIDFromCtx(r.Context()), targetID)
	if errors.Is(err, storage.ErrLastOwner) {
		httputil.WriteError(w, apperrors.Conflict("wallet must keep at least one owner"))
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteError(w, apperrors.NotFound("membership", targetID))
		return
	}
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("remove member", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) createInvite(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, permissions.RoleAdmin) {
		return
	}
	// 4-digit short codes; collisions are retried a few times before giving up.
	var code string
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		code = fmt.Sprintf("%04d", rand.Intn(10000))
		err = s.store.CreateInvite(r.Context(), storage.InviteCode{
			Code:      code,
			WalletID:  walletIDFromCtx(r.Context()),
			CreatedBy: userIDFromCtx(r.Context()),
		})
		if err == nil {
			break
		}
	}
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("create invite", err))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"code": code})
}

func (s *Service) joinWallet(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Code string `json:"code"`
	}
	if err := httputil.DecodeJSON(r.Body, &payload); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}
	walletID, err := s.store.RedeemInvite(r.Context(), strings.TrimSpace(payload.Code), userIDFromCtx(r.Context()))
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteError(w, apperrors.NotFound("invite", payload.Code))
		return
	}
	if errors.Is(err, storage.ErrInviteConsumed) {
		httputil.WriteError(w, apperrors.Conflict("invite code already used"))
		return
	}
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("redeem invite", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"wallet_id": walletID})
}
