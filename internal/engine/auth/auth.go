// Package auth resolves actor roles and permissions for the API and CLI.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"maintline/internal/config"
	"maintline/internal/domain"
	"maintline/internal/repo"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	ActorID    string
	Permission string
}

func (e ForbiddenError) Error() string {
	if e.ActorID == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("actor %s lacks permission %s", e.ActorID, e.Permission)
}

// Service maps actors to roles (actor_roles table) and roles to permissions (rbac.roles config).
type Service struct {
	Repo   repo.Repo
	Config *config.Config
}

// Roles returns the token-supplied roles when present, otherwise the stored ones.
func (s Service) Roles(ctx context.Context, actorID string, tokenRoles []string) ([]string, error) {
	if len(tokenRoles) > 0 {
		out := append([]string(nil), tokenRoles...)
		sort.Strings(out)
		return out, nil
	}
	return s.Repo.ActorRoles(ctx, nil, actorID)
}

func (s Service) Permissions(ctx context.Context, actorID string, tokenRoles []string) ([]string, error) {
	roles, err := s.Roles(ctx, actorID, tokenRoles)
	if err != nil {
		return nil, err
	}
	return s.Config.RolePermissions(roles), nil
}

// Require fails with ForbiddenError unless perms contains perm.
func Require(actorID string, perms []string, perm string) error {
	for _, p := range perms {
		if p == perm {
			return nil
		}
	}
	return ForbiddenError{ActorID: actorID, Permission: perm}
}

func (s Service) knownRole(role string) error {
	if _, ok := s.Config.RBAC.Roles[role]; !ok {
		known := make([]string, 0, len(s.Config.RBAC.Roles))
		for r := range s.Config.RBAC.Roles {
			known = append(known, r)
		}
		sort.Strings(known)
		return domain.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %s (known: %s)", role, strings.Join(known, ", "))}
	}
	return nil
}

func (s Service) GrantRole(ctx context.Context, actorID, role string) error {
	if strings.TrimSpace(actorID) == "" {
		return domain.ValidationError{Field: "actor_id", Reason: "is required"}
	}
	if err := s.knownRole(role); err != nil {
		return err
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.EnsureActor(ctx, tx, actorID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := s.Repo.AssignRole(ctx, tx, actorID, role); err != nil {
		return err
	}
	return tx.Commit()
}

func (s Service) RevokeRole(ctx context.Context, actorID, role string) error {
	if err := s.knownRole(role); err != nil {
		return err
	}
	return s.Repo.RevokeRole(ctx, nil, actorID, role)
}

// Bootstrap grants admin to actorID when no actor holds it yet.
func (s Service) Bootstrap(ctx context.Context, actorID string) (bool, error) {
	actors, err := s.Repo.ActorRoleMap(ctx)
	if err != nil {
		return false, err
	}
	for _, roles := range actors {
		for _, r := range roles {
			if r == "admin" {
				return false, nil
			}
		}
	}
	if err := s.GrantRole(ctx, actorID, "admin"); err != nil {
		return false, err
	}
	return true, nil
}

// CreateAPIKey mints a key for actorID. The plaintext is returned once; only its hash is stored.
func (s Service) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", domain.ValidationError{Field: "actor_id", Reason: "is required"}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate api key: %w", err)
	}
	plain := "mtl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := s.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := s.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

func (s Service) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return s.Repo.ListAPIKeys(ctx, actorID)
}

// RevokeAPIKey deletes key id. Actors revoke their own keys; anyone else's needs rbac.manage.
func (s Service) RevokeAPIKey(ctx context.Context, actorID string, perms []string, id string) error {
	key, err := s.Repo.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	if key.ActorID != actorID {
		if err := Require(actorID, perms, "rbac.manage"); err != nil {
			return err
		}
	}
	return s.Repo.DeleteAPIKey(ctx, id)
}

// ActorForAPIKey resolves a plaintext key to its actor.
func (s Service) ActorForAPIKey(ctx context.Context, plain string) (string, error) {
	if strings.TrimSpace(plain) == "" {
		return "", domain.ValidationError{Field: "api_key", Reason: "is required"}
	}
	key, err := s.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	if err != nil {
		return "", err
	}
	return key.ActorID, nil
}
