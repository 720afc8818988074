// Package seed bootstraps the hub's reference data from a YAML file:
// projects, build profiles and their binary collections, source
// repositories, and the peers to enroll with on startup. Rows are matched
// by their natural keys so restarts are idempotent.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"masond/pkg/db"
	"masond/services/hub/registry"
)

// File is the root of the seed document.
type File struct {
	Projects    []Project         `yaml:"projects"`
	Enrollments []registry.Target `yaml:"enrollments"`
}

// Project groups build profiles and source repositories.
type Project struct {
	Slug         string       `yaml:"slug"`
	Name         string       `yaml:"name"`
	Description  string       `yaml:"description"`
	Profiles     []Profile    `yaml:"profiles"`
	Repositories []Repository `yaml:"repositories"`
}

// Profile is one build target: an architecture plus the package index it
// publishes to and the collections builders resolve dependencies from.
type Profile struct {
	Name     string   `yaml:"name"`
	Arch     string   `yaml:"arch"`
	IndexURI string   `yaml:"indexUri"`
	Remotes  []Remote `yaml:"remotes"`
}

// Remote is one prioritized binary collection.
type Remote struct {
	Name     string `yaml:"name"`
	IndexURI string `yaml:"indexUri"`
	Priority int64  `yaml:"priority"`
}

// Repository is a source origin tasks build from.
type Repository struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	OriginURI   string `yaml:"originUri"`
	Branch      string `yaml:"branch"`
}

// Load reads and parses a seed file.
func Load(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a seed document and checks its natural keys.
func Parse(raw []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return File{}, fmt.Errorf("parse seed file: %w", err)
	}

	for _, p := range f.Projects {
		if p.Slug == "" {
			return File{}, errors.New("seed: project slug is required")
		}
		for _, prof := range p.Profiles {
			if prof.Name == "" || prof.Arch == "" {
				return File{}, fmt.Errorf("seed: project %s: profile name and arch are required", p.Slug)
			}
		}
		for _, repo := range p.Repositories {
			if repo.Name == "" || repo.OriginURI == "" {
				return File{}, fmt.Errorf("seed: project %s: repository name and origin are required", p.Slug)
			}
		}
	}
	return f, nil
}

// Apply upserts the seed's reference rows in one transaction.
func Apply(ctx context.Context, pool *pgxpool.Pool, f File, log zerolog.Logger) error {
	err := db.Tx(ctx, pool, func(ctx context.Context, tx pgx.Tx) error {
		for _, p := range f.Projects {
			projectID, err := upsertProject(ctx, tx, p)
			if err != nil {
				return err
			}
			for _, prof := range p.Profiles {
				profileID, err := upsertProfile(ctx, tx, projectID, prof)
				if err != nil {
					return err
				}
				for _, remote := range prof.Remotes {
					if err := upsertRemote(ctx, tx, profileID, remote); err != nil {
						return err
					}
				}
			}
			for _, repo := range p.Repositories {
				if err := upsertRepository(ctx, tx, projectID, repo); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Int("projects", len(f.Projects)).Msg("seed applied")
	return nil
}

func upsertProject(ctx context.Context, tx pgx.Tx, p Project) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
        INSERT INTO project (slug, name, description)
        VALUES ($1, $2, $3)
        ON CONFLICT (slug) DO UPDATE SET
            name = EXCLUDED.name,
            description = EXCLUDED.description
        RETURNING id;`, p.Slug, p.Name, p.Description).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("seed project %s: %w", p.Slug, err)
	}
	return id, nil
}

func upsertProfile(ctx context.Context, tx pgx.Tx, projectID int64, p Profile) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
        SELECT id FROM profile WHERE project_id = $1 AND name = $2;`, projectID, p.Name).Scan(&id)
	if err == nil {
		_, err = tx.Exec(ctx, `
            UPDATE profile SET arch = $2, index_uri = $3 WHERE id = $1;`, id, p.Arch, p.IndexURI)
		if err != nil {
			return 0, fmt.Errorf("seed profile %s: %w", p.Name, err)
		}
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("seed profile %s: %w", p.Name, err)
	}

	err = tx.QueryRow(ctx, `
        INSERT INTO profile (project_id, name, arch, index_uri)
        VALUES ($1, $2, $3, $4)
        RETURNING id;`, projectID, p.Name, p.Arch, p.IndexURI).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("seed profile %s: %w", p.Name, err)
	}
	return id, nil
}

func upsertRemote(ctx context.Context, tx pgx.Tx, profileID int64, r Remote) error {
	var id int64
	err := tx.QueryRow(ctx, `
        SELECT id FROM profile_remote WHERE profile_id = $1 AND name = $2;`, profileID, r.Name).Scan(&id)
	if err == nil {
		_, err = tx.Exec(ctx, `
            UPDATE profile_remote SET index_uri = $2, priority = $3 WHERE id = $1;`, id, r.IndexURI, r.Priority)
		if err != nil {
			return fmt.Errorf("seed remote %s: %w", r.Name, err)
		}
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("seed remote %s: %w", r.Name, err)
	}

	_, err = tx.Exec(ctx, `
        INSERT INTO profile_remote (profile_id, name, index_uri, priority)
        VALUES ($1, $2, $3, $4);`, profileID, r.Name, r.IndexURI, r.Priority)
	if err != nil {
		return fmt.Errorf("seed remote %s: %w", r.Name, err)
	}
	return nil
}

func upsertRepository(ctx context.Context, tx pgx.Tx, projectID int64, r Repository) error {
	var id int64
	err := tx.QueryRow(ctx, `
        SELECT id FROM repository WHERE project_id = $1 AND name = $2;`, projectID, r.Name).Scan(&id)
	if err == nil {
		_, err = tx.Exec(ctx, `
            UPDATE repository SET description = $2, origin_uri = $3, branch = $4 WHERE id = $1;`,
			id, r.Description, r.OriginURI, r.Branch)
		if err != nil {
			return fmt.Errorf("seed repository %s: %w", r.Name, err)
		}
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("seed repository %s: %w", r.Name, err)
	}

	branch := r.Branch
	if branch == "" {
		branch = "main"
	}
	_, err = tx.Exec(ctx, `
        INSERT INTO repository (project_id, name, description, origin_uri, branch)
        VALUES ($1, $2, $3, $4, $5);`, projectID, r.Name, r.Description, r.OriginURI, branch)
	if err != nil {
		return fmt.Errorf("seed repository %s: %w", r.Name, err)
	}
	return nil
}
