// Package repository defines the AI model descriptor and its data access interface.
package repository

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a model id is already taken
	ErrConflict = errors.New("model id already exists")

	// ErrInactive is returned when an inactive model is made default
	ErrInactive = errors.New("model is not active")
)

// Model describes an AI model that can be selected for generation
type Model struct {
	ID           int64
	ModelID      string
	Name         string
	Description  string
	IsActive     bool
	IsDefault    bool
	Provider     string
	Version      string
	MaxTokens    int
	Temperature  float64
	DisplayOrder int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Less orders models by display order, then name.
func (m *Model) Less(other *Model) bool {
	if m.DisplayOrder != other.DisplayOrder {
		return m.DisplayOrder < other.DisplayOrder
	}
	return m.Name < other.Name
}

// ModelRepository defines operations for model persistence.
//
// Every method that can change which row carries the default flag performs the
// clear-then-set sequence inside a single transaction, so readers never observe
// two defaults.
type ModelRepository interface {
	// List returns models ordered by display order then name; activeOnly filters inactive rows.
	List(ctx context.Context, activeOnly bool) ([]*Model, error)
	GetByID(ctx context.Context, id int64) (*Model, error)
	GetByModelID(ctx context.Context, modelID string) (*Model, error)

	// GetDefault returns the active row flagged default, else the first active row by
	// display order, else ErrNotFound.
	GetDefault(ctx context.Context) (*Model, error)

	// Create inserts the model and fills ID and timestamps. When model.IsDefault is set the
	// other defaults are cleared in the same transaction.
	Create(ctx context.Context, model *Model) error

	// Update overwrites the mutable fields. A false->true default transition clears the
	// other defaults in the same transaction.
	Update(ctx context.Context, model *Model) error

	// Delete removes the model and, if it was the default, elects the first active model
	// by display order in the same transaction. It returns the newly elected default, if any.
	Delete(ctx context.Context, id int64) (*Model, error)

	// SetDefault clears every default and flags id. The active check runs in the same
	// transaction; an inactive id yields ErrInactive and leaves the defaults untouched.
	SetDefault(ctx context.Context, id int64) error
}
