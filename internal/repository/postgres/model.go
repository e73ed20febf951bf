package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/knoguchi/promptrelay/internal/repository"
)

const (
	modelColumns = `id, model_id, name, description, is_active, is_default, provider, version,
		max_tokens, temperature, display_order, created_at, updated_at`

	// defaultLockKey serializes default-flag writers across processes sharing the database.
	defaultLockKey int64 = 0x61695f6d6f64656c

	modelIDConstraint = "ux_ai_models_model_id"
	uniqueViolation   = "23505"
)

// ModelRepo implements repository.ModelRepository
type ModelRepo struct {
	db *DB
}

// NewModelRepo creates a new model repository
func NewModelRepo(db *DB) *ModelRepo {
	return &ModelRepo{db: db}
}

// List retrieves models ordered by display order and name
func (r *ModelRepo) List(ctx context.Context, activeOnly bool) ([]*repository.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM ai_models`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY display_order, name`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	models := make([]*repository.Model, 0)
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return models, nil
}

// GetByID retrieves a model by its numeric ID
func (r *ModelRepo) GetByID(ctx context.Context, id int64) (*repository.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM ai_models WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByModelID retrieves a model by its provider model identifier
func (r *ModelRepo) GetByModelID(ctx context.Context, modelID string) (*repository.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM ai_models WHERE model_id = $1`
	return r.getOne(ctx, query, modelID)
}

// GetDefault retrieves the flagged default, falling back to the first active model
func (r *ModelRepo) GetDefault(ctx context.Context) (*repository.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM ai_models
		WHERE is_active
		ORDER BY is_default DESC, display_order, name
		LIMIT 1`
	return r.getOne(ctx, query)
}

func (r *ModelRepo) getOne(ctx context.Context, query string, args ...any) (*repository.Model, error) {
	m, err := scanModel(r.db.Pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get model: %w", err)
	}
	return m, nil
}

// Create inserts a model, clearing other defaults first when it is the default
func (r *ModelRepo) Create(ctx context.Context, model *repository.Model) error {
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		if err := lockDefaults(ctx, tx); err != nil {
			return err
		}
		if model.IsDefault {
			if err := clearDefaults(ctx, tx, 0); err != nil {
				return err
			}
		}

		query := `
			INSERT INTO ai_models (model_id, name, description, is_active, is_default, provider, version,
				max_tokens, temperature, display_order, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id
		`
		return tx.QueryRow(ctx, query,
			model.ModelID, model.Name, model.Description, model.IsActive, model.IsDefault,
			model.Provider, model.Version, model.MaxTokens, model.Temperature, model.DisplayOrder,
			model.CreatedAt, model.UpdatedAt,
		).Scan(&model.ID)
	})
	if err != nil {
		if isModelIDConflict(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("failed to create model: %w", err)
	}
	return nil
}

// Update overwrites a model's mutable fields
func (r *ModelRepo) Update(ctx context.Context, model *repository.Model) error {
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		if err := lockDefaults(ctx, tx); err != nil {
			return err
		}

		var wasDefault bool
		err := tx.QueryRow(ctx, `SELECT is_default FROM ai_models WHERE id = $1 FOR UPDATE`, model.ID).Scan(&wasDefault)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return repository.ErrNotFound
			}
			return err
		}

		if model.IsDefault && !wasDefault {
			if err := clearDefaults(ctx, tx, model.ID); err != nil {
				return err
			}
		}

		query := `
			UPDATE ai_models
			SET name = $2, description = $3, is_active = $4, is_default = $5, version = $6,
				max_tokens = $7, temperature = $8, display_order = $9, updated_at = $10
			WHERE id = $1
		`
		_, err = tx.Exec(ctx, query,
			model.ID, model.Name, model.Description, model.IsActive, model.IsDefault, model.Version,
			model.MaxTokens, model.Temperature, model.DisplayOrder, model.UpdatedAt,
		)
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("failed to update model: %w", err)
	}
	return nil
}

// Delete removes a model and re-elects a default in the same transaction
func (r *ModelRepo) Delete(ctx context.Context, id int64) (*repository.Model, error) {
	var elected *repository.Model

	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		if err := lockDefaults(ctx, tx); err != nil {
			return err
		}

		var wasDefault bool
		err := tx.QueryRow(ctx, `DELETE FROM ai_models WHERE id = $1 RETURNING is_default`, id).Scan(&wasDefault)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return repository.ErrNotFound
			}
			return err
		}
		if !wasDefault {
			return nil
		}

		query := `
			UPDATE ai_models SET is_default = TRUE, updated_at = NOW()
			WHERE id = (
				SELECT id FROM ai_models WHERE is_active
				ORDER BY display_order, name
				LIMIT 1
			)
			RETURNING ` + modelColumns
		m, err := scanModel(tx.QueryRow(ctx, query))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// no active model left to elect
				return nil
			}
			return err
		}
		elected = m
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to delete model: %w", err)
	}
	return elected, nil
}

// SetDefault makes id the only default model
func (r *ModelRepo) SetDefault(ctx context.Context, id int64) error {
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		if err := lockDefaults(ctx, tx); err != nil {
			return err
		}
		if err := clearDefaults(ctx, tx, id); err != nil {
			return err
		}

		result, err := tx.Exec(ctx,
			`UPDATE ai_models SET is_default = TRUE, updated_at = NOW() WHERE id = $1 AND is_active`, id)
		if err != nil {
			return err
		}
		if result.RowsAffected() > 0 {
			return nil
		}

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ai_models WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return repository.ErrInactive
		}
		return repository.ErrNotFound
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInactive) {
			return err
		}
		return fmt.Errorf("failed to set default model: %w", err)
	}
	return nil
}

// lockDefaults takes a transaction-scoped advisory lock shared by all default writers.
func lockDefaults(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, defaultLockKey); err != nil {
		return fmt.Errorf("failed to lock defaults: %w", err)
	}
	return nil
}

// clearDefaults unsets the default flag on every row except keepID.
func clearDefaults(ctx context.Context, tx pgx.Tx, keepID int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE ai_models SET is_default = FALSE, updated_at = NOW() WHERE is_default AND id <> $1`, keepID)
	if err != nil {
		return fmt.Errorf("failed to clear defaults: %w", err)
	}
	return nil
}

func scanModel(row pgx.Row) (*repository.Model, error) {
	var m repository.Model
	err := row.Scan(
		&m.ID, &m.ModelID, &m.Name, &m.Description, &m.IsActive, &m.IsDefault,
		&m.Provider, &m.Version, &m.MaxTokens, &m.Temperature, &m.DisplayOrder,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func isModelIDConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == modelIDConstraint
}

// Ensure ModelRepo implements the interface
var _ repository.ModelRepository = (*ModelRepo)(nil)
