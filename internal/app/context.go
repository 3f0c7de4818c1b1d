package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flockline/internal/config"
	"flockline/internal/engine/auth"
	"flockline/internal/repo"
)

// ResolveOrg picks the active organization and ensures the org, its config,
// and the calling actor exist in the database, seeding defaults if missing.
// It prefers the override, then the single org in the DB.
func ResolveOrg(ctx context.Context, orgOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	orgID := orgOverride
	if orgID == "" {
		orgs, err := r.ListOrgs(ctx)
		if err != nil {
			return "", nil, err
		}
		if len(orgs) == 1 {
			orgID = orgs[0].ID
		} else {
			return "", nil, fmt.Errorf("organization not specified; use --org")
		}
	}
	seedCfg := config.Default(orgID)

	if _, err := r.GetOrg(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createOrg(ctx, r, orgID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetOrgConfig(ctx, orgID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertOrgConfig(ctx, orgID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed org config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Org.ID = orgID
	return orgID, cfg, nil
}

// createOrg inserts a minimal org/rbac footprint using the seed config. The
// calling actor becomes the org's owner.
func createOrg(ctx context.Context, r repo.Repo, orgID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(orgID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureOrg(ctx, tx, orgID, seedCfg.Org.Name, now); err != nil {
		return fmt.Errorf("ensure org: %w", err)
	}
	if err := r.UpsertOrgConfigTx(ctx, tx, orgID, seedCfg); err != nil {
		return fmt.Errorf("insert org config: %w", err)
	}
	if err := auth.SeedRoles(ctx, tx, seedCfg.RBAC.Roles); err != nil {
		return fmt.Errorf("seed roles: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AssignRole(ctx, tx, orgID, actorID, "owner"); err != nil {
		return fmt.Errorf("assign owner role: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}
