package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"comfyworker/internal/models"
	apperrors "comfyworker/internal/pkg/errors"
	"comfyworker/internal/workflow"
)

var ErrTemplateNotFound = errors.New("template not found")

const schema = `
CREATE TABLE IF NOT EXISTS workflow_templates (
	name        TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	definition  JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// TemplateRepository stores workflow templates in Postgres. It also serves
// as the preparer's template source.
type TemplateRepository struct {
	db *pgxpool.Pool
}

func NewTemplateRepository(db *pgxpool.Pool) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// EnsureSchema creates the templates table when missing.
func (r *TemplateRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schema)
	return err
}

// Put inserts or replaces the template with t.Name.
func (r *TemplateRepository) Put(ctx context.Context, t *models.WorkflowTemplate) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO workflow_templates (name, description, definition)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (name) DO UPDATE
		SET description = EXCLUDED.description,
		    definition  = EXCLUDED.definition,
		    updated_at  = now()
		RETURNING created_at, updated_at
	`, t.Name, t.Description, []byte(t.Definition)).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *TemplateRepository) List(ctx context.Context) ([]models.WorkflowTemplate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT name, description, created_at, updated_at
		FROM workflow_templates
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.WorkflowTemplate{}
	for rows.Next() {
		var t models.WorkflowTemplate
		if err := rows.Scan(&t.Name, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TemplateRepository) Get(ctx context.Context, name string) (*models.WorkflowTemplate, error) {
	var t models.WorkflowTemplate
	var def []byte
	err := r.db.QueryRow(ctx, `
		SELECT name, description, definition, created_at, updated_at
		FROM workflow_templates
		WHERE name = $1
	`, name).Scan(&t.Name, &t.Description, &def, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}
	t.Definition = def
	return &t, nil
}

func (r *TemplateRepository) Delete(ctx context.Context, name string) error {
	cmd, err := r.db.Exec(ctx, `DELETE FROM workflow_templates WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

// Template implements workflow.TemplateSource.
func (r *TemplateRepository) Template(ctx context.Context, name string) (workflow.Payload, error) {
	t, err := r.Get(ctx, name)
	if err != nil {
		if errors.Is(err, ErrTemplateNotFound) {
			return nil, apperrors.WrapWithCode(err, apperrors.CodeConfig, "repositories.template", "template not found: "+name)
		}
		if IsUndefinedTable(err) {
			return nil, apperrors.WrapWithCode(err, apperrors.CodeConfig, "repositories.template", "templates table missing")
		}
		return nil, apperrors.WrapWithCode(err, apperrors.CodeUnavailable, "repositories.template", "failed to load template "+name)
	}

	p, err := workflow.ParsePayload(t.Definition)
	if err != nil {
		return nil, apperrors.WrapWithCode(err, apperrors.CodeConfig, "repositories.template", "invalid template "+name)
	}
	return p, nil
}

// IsUndefinedTable reports a 42P01 undefined_table error.
func IsUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01"
	}
	return false
}
