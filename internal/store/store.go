// Package store persists SBOM records and projects under a per-user ownership
// model, with conditional writes enforcing the create-only and owner-match
// invariants.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	apiv1 "github.com/delvesec/delve/api/v1"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUnauthorized indicates the record exists but belongs to another user.
	// It is never conflated with ErrNotFound at this layer; the HTTP boundary
	// decides whether to present the two identically.
	ErrUnauthorized = errors.New("record owned by another user")
	// ErrAlreadyExists indicates a create-only write hit an existing key.
	ErrAlreadyExists = errors.New("record already exists")
)

type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Migrate creates the tables and secondary indexes.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		CreateSBOMTableSQL,
		CreateSBOMOwnerIndexSQL,
		CreateSBOMProjectIndexSQL,
		CreateProjectTableSQL,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	return nil
}

// PutSBOM writes a record unconditionally, keyed by record id. Ids are
// generated by the pipeline and assumed unique, so there is no ownership
// precondition here.
func (s *Store) PutSBOM(ctx context.Context, record *apiv1.SBOMRecord) error {
	object, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal SBOM record: %w", err)
	}

	var projectID *string
	if record.ProjectID != "" {
		projectID = &record.ProjectID
	}

	query, args, err := sq.Insert("sboms").
		Columns("id", "owner", "project_id", "created_at", "object").
		Values(record.ID, record.Owner, projectID, record.CreatedAt.UnixNano(), object).
		Suffix("ON CONFLICT (id) DO UPDATE SET owner = excluded.owner, project_id = excluded.project_id, created_at = excluded.created_at, object = excluded.object").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to put SBOM record: %w", err)
	}

	return nil
}

// GetSBOM fetches a record by primary key. A record owned by someone else
// fails with ErrUnauthorized, not ErrNotFound.
func (s *Store) GetSBOM(ctx context.Context, id, requestingUser string) (*apiv1.SBOMRecord, error) {
	query, args, err := sq.Select("*").From("sboms").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	row := &sbomSchema{}
	if err := s.db.GetContext(ctx, row, s.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("failed to get SBOM record: %w", err)
	}

	if row.Owner != requestingUser {
		return nil, ErrUnauthorized
	}

	record := &apiv1.SBOMRecord{}
	if err := json.Unmarshal(row.Object, record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal SBOM record: %w", err)
	}

	return record, nil
}

// DeleteSBOM removes a record, verifying ownership inside the delete condition
// itself so a concurrent ownership change cannot race a separate check. It
// returns the deleted record so the caller can cascade to the blobs.
func (s *Store) DeleteSBOM(ctx context.Context, id, requestingUser string) (*apiv1.SBOMRecord, error) {
	query, args, err := sq.Delete("sboms").
		Where(sq.Eq{"id": id, "owner": requestingUser}).
		Suffix("RETURNING object").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var object []byte
	if err := s.db.GetContext(ctx, &object, s.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.classifySBOMMiss(ctx, id)
		}

		return nil, fmt.Errorf("failed to delete SBOM record: %w", err)
	}

	record := &apiv1.SBOMRecord{}
	if err := json.Unmarshal(object, record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal SBOM record: %w", err)
	}

	return record, nil
}

// classifySBOMMiss distinguishes "absent" from "owned by someone else" after a
// conditional delete matched no rows.
func (s *Store) classifySBOMMiss(ctx context.Context, id string) error {
	query, args, err := sq.Select("COUNT(*)").From("sboms").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to probe SBOM record: %w", err)
	}

	if count > 0 {
		return ErrUnauthorized
	}

	return ErrNotFound
}

// ListSBOMsByOwner returns every record owned by the user, newest first, via
// the owner index.
func (s *Store) ListSBOMsByOwner(ctx context.Context, owner string) ([]apiv1.SBOMRecord, error) {
	query, args, err := sq.Select("*").
		From("sboms").
		Where(sq.Eq{"owner": owner}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	return s.selectSBOMs(ctx, query, args)
}

// ListSBOMsByProject returns the project's records ordered by creation time
// ascending, via the (project_id, created_at) index.
func (s *Store) ListSBOMsByProject(ctx context.Context, projectID string) ([]apiv1.SBOMRecord, error) {
	query, args, err := sq.Select("*").
		From("sboms").
		Where(sq.Eq{"project_id": projectID}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	return s.selectSBOMs(ctx, query, args)
}

func (s *Store) selectSBOMs(ctx context.Context, query string, args []any) ([]apiv1.SBOMRecord, error) {
	var rows []sbomSchema
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list SBOM records: %w", err)
	}

	records := make([]apiv1.SBOMRecord, 0, len(rows))
	for _, row := range rows {
		record := apiv1.SBOMRecord{}
		if err := json.Unmarshal(row.Object, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal SBOM record %q: %w", row.ID, err)
		}
		records = append(records, record)
	}

	return records, nil
}

// CreateProject inserts a project, rejecting the write if the composite
// (owner, project id) key already exists.
func (s *Store) CreateProject(ctx context.Context, project *apiv1.Project) error {
	object, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("failed to marshal project: %w", err)
	}

	query, args, err := sq.Insert("projects").
		Columns("owner", "project_id", "created_at", "object").
		Values(project.Owner, project.ID, project.CreatedAt.UnixNano(), object).
		Suffix("ON CONFLICT (owner, project_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAlreadyExists
	}

	return nil
}

func (s *Store) GetProject(ctx context.Context, owner, projectID string) (*apiv1.Project, error) {
	query, args, err := sq.Select("*").
		From("projects").
		Where(sq.Eq{"owner": owner, "project_id": projectID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	row := &projectSchema{}
	if err := s.db.GetContext(ctx, row, s.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	project := &apiv1.Project{}
	if err := json.Unmarshal(row.Object, project); err != nil {
		return nil, fmt.Errorf("failed to unmarshal project: %w", err)
	}

	return project, nil
}

func (s *Store) ListProjects(ctx context.Context, owner string) ([]apiv1.Project, error) {
	query, args, err := sq.Select("*").
		From("projects").
		Where(sq.Eq{"owner": owner}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var rows []projectSchema
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	projects := make([]apiv1.Project, 0, len(rows))
	for _, row := range rows {
		project := apiv1.Project{}
		if err := json.Unmarshal(row.Object, &project); err != nil {
			return nil, fmt.Errorf("failed to unmarshal project %q: %w", row.ProjectID, err)
		}
		projects = append(projects, project)
	}

	return projects, nil
}

// UpdateProject merges the patch into an existing project and refreshes the
// update timestamp. The read and the conditional write share a transaction,
// so a concurrent delete makes the loser observe ErrNotFound instead of
// silently resurrecting the project.
func (s *Store) UpdateProject(ctx context.Context, owner, projectID string, patch apiv1.ProjectPatch, now time.Time) (*apiv1.Project, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("Failed to rollback transaction", "error", err)
		}
	}()

	query, args, err := sq.Select("object").
		From("projects").
		Where(sq.Eq{"owner": owner, "project_id": projectID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var object []byte
	if err := tx.GetContext(ctx, &object, s.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	project := &apiv1.Project{}
	if err := json.Unmarshal(object, project); err != nil {
		return nil, fmt.Errorf("failed to unmarshal project: %w", err)
	}

	if patch.Name != nil {
		project.Name = *patch.Name
	}
	if patch.Description != nil {
		project.Description = *patch.Description
	}
	if patch.Tags != nil {
		project.Tags = *patch.Tags
	}
	project.UpdatedAt = now

	updated, err := json.Marshal(project)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal project: %w", err)
	}

	query, args, err = sq.Update("projects").
		Set("object", updated).
		Where(sq.Eq{"owner": owner, "project_id": projectID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	result, err := tx.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return project, nil
}

// DeleteProject removes a project if it exists. Owned SBOM records are left in
// place and keep their project id, which now points at nothing.
func (s *Store) DeleteProject(ctx context.Context, owner, projectID string) error {
	query, args, err := sq.Delete("projects").
		Where(sq.Eq{"owner": owner, "project_id": projectID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}
