package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"closeline/internal/config"
	"closeline/internal/repo"
)

// ResolveAgencyAndConfig picks the active agency and ensures an agency,
// config, and actor membership exist in the DB, seeding defaults if missing.
// It prefers the override, then a single-agency DB.
func ResolveAgencyAndConfig(ctx context.Context, agencyOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	agencyID := agencyOverride
	if agencyID == "" {
		if a, err := r.SingleAgency(ctx); err == nil {
			agencyID = a.ID
		} else {
			return "", nil, fmt.Errorf("agency not specified; use --agency")
		}
	}
	seedCfg := config.Default(agencyID)

	if _, err := r.GetAgency(ctx, agencyID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createAgency(ctx, r, agencyID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	} else if actorID != "" {
		// Returning user on an existing agency still needs membership rows.
		now := time.Now().UTC().Format(time.RFC3339)
		if err := r.EnsureActor(ctx, nil, actorID, now); err != nil {
			return "", nil, err
		}
		if err := r.AddAgencyMember(ctx, nil, agencyID, actorID, "", now); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetAgencyConfig(ctx, agencyID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertAgencyConfig(ctx, agencyID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed agency config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Agency.ID = agencyID
	return agencyID, cfg, nil
}

// createAgency inserts a minimal agency footprint using the seed config.
func createAgency(ctx context.Context, r repo.Repo, agencyID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(agencyID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureAgency(ctx, tx, agencyID, seedCfg.Agency.Name, now); err != nil {
		return fmt.Errorf("ensure agency: %w", err)
	}
	if err := r.UpsertAgencyConfigTx(ctx, tx, agencyID, seedCfg); err != nil {
		return fmt.Errorf("insert agency config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AddAgencyMember(ctx, tx, agencyID, actorID, "broker", now); err != nil {
		return fmt.Errorf("add agency member: %w", err)
	}
	return tx.Commit()
}
