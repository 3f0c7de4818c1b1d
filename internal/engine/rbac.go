package engine

import (
	"context"

	"github.com/google/uuid"

	"flockline/internal/domain"
	"flockline/internal/engine/auth"
	"flockline/internal/repo"
)

// WhoAmI describes an actor's standing within an organization.
type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (e Engine) WhoAmI(ctx context.Context, org domain.OrgContext, actorID string) (WhoAmI, error) {
	if actorID == "" {
		actorID = org.ActorID
	}
	roles, err := e.Repo.ActorRoles(ctx, org.OrgID, actorID)
	if err != nil {
		return WhoAmI{}, remoteErr("list roles", err)
	}
	svc := auth.Service{DB: e.DB}
	perms, err := svc.ActorPermissions(ctx, org.OrgID, actorID)
	if err != nil {
		return WhoAmI{}, remoteErr("list permissions", err)
	}
	if roles == nil {
		roles = []string{}
	}
	if perms == nil {
		perms = []string{}
	}
	return WhoAmI{ActorID: actorID, OrgID: org.OrgID, Roles: roles, Permissions: perms}, nil
}

// GrantRole assigns a configured role to an actor, creating the actor row if
// needed.
func (e Engine) GrantRole(ctx context.Context, org domain.OrgContext, targetActorID, roleID string) error {
	if isBlank(targetActorID) {
		return ValidationError{Field: "actor", Reason: "is required"}
	}
	if isBlank(roleID) {
		return ValidationError{Field: "role", Reason: "is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return remoteErr("grant role", err)
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, targetActorID, e.nowStr()); err != nil {
		return remoteErr("ensure actor", err)
	}
	if err := e.Repo.AssignRole(ctx, tx, org.OrgID, targetActorID, roleID); err != nil {
		return remoteErr("assign role", err)
	}
	if err := tx.Commit(); err != nil {
		return remoteErr("grant role", err)
	}
	return nil
}

func (e Engine) RevokeRole(ctx context.Context, org domain.OrgContext, targetActorID, roleID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return remoteErr("revoke role", err)
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, org.OrgID, targetActorID, roleID); err != nil {
		return remoteErr("revoke role", err)
	}
	if err := tx.Commit(); err != nil {
		return remoteErr("revoke role", err)
	}
	return nil
}

// CreateAPIKey mints a key for an actor and stores only its hash. The raw
// key is returned once and never persisted.
func (e Engine) CreateAPIKey(ctx context.Context, org domain.OrgContext, actorID, name string) (domain.APIKey, string, error) {
	if isBlank(actorID) {
		return domain.APIKey{}, "", ValidationError{Field: "actor", Reason: "is required"}
	}
	raw := uuid.New().String() + uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", remoteErr("create api key", err)
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
		return domain.APIKey{}, "", remoteErr("ensure actor", err)
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", remoteErr("insert api key", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", remoteErr("create api key", err)
	}
	return key, raw, nil
}
