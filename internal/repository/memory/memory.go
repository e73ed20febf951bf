// Package memory provides an in-memory model repository used when no database is configured.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/knoguchi/promptrelay/internal/repository"
)

// ModelStore is a mutex-based in-memory model repository.
// Every method holds the lock for its whole read-modify-write, which gives the same
// all-or-nothing default transitions the PostgreSQL repository gets from transactions.
type ModelStore struct {
	mu     sync.RWMutex
	models map[int64]*repository.Model
	nextID int64
}

// NewModelStore creates a store pre-populated with the given models.
func NewModelStore(seed ...*repository.Model) *ModelStore {
	s := &ModelStore{
		models: make(map[int64]*repository.Model),
		nextID: 1,
	}
	for _, m := range seed {
		c := *m
		if c.ID == 0 {
			c.ID = s.nextID
		}
		if c.ID >= s.nextID {
			s.nextID = c.ID + 1
		}
		s.models[c.ID] = &c
	}
	return s
}

// List returns copies ordered by display order and name.
func (s *ModelStore) List(ctx context.Context, activeOnly bool) ([]*repository.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(activeOnly), nil
}

// GetByID returns a copy of the model with the given ID.
func (s *ModelStore) GetByID(ctx context.Context, id int64) (*repository.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *m
	return &c, nil
}

// GetByModelID returns a copy of the model with the given model identifier.
func (s *ModelStore) GetByModelID(ctx context.Context, modelID string) (*repository.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.models {
		if m.ModelID == modelID {
			c := *m
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetDefault returns the active default, else the first active model.
func (s *ModelStore) GetDefault(ctx context.Context) (*repository.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := s.sorted(true)
	if len(active) == 0 {
		return nil, repository.ErrNotFound
	}
	for _, m := range active {
		if m.IsDefault {
			return m, nil
		}
	}
	return active[0], nil
}

// Create stores a copy of model and assigns its ID.
func (s *ModelStore) Create(ctx context.Context, model *repository.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.models {
		if m.ModelID == model.ModelID {
			return repository.ErrConflict
		}
	}

	if model.IsDefault {
		s.clearDefaults(0, model.UpdatedAt)
	}

	model.ID = s.nextID
	s.nextID++
	c := *model
	s.models[c.ID] = &c
	return nil
}

// Update overwrites the mutable fields of an existing model.
func (s *ModelStore) Update(ctx context.Context, model *repository.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.models[model.ID]
	if !ok {
		return repository.ErrNotFound
	}

	if model.IsDefault && !existing.IsDefault {
		s.clearDefaults(model.ID, model.UpdatedAt)
	}

	existing.Name = model.Name
	existing.Description = model.Description
	existing.IsActive = model.IsActive
	existing.IsDefault = model.IsDefault
	existing.Version = model.Version
	existing.MaxTokens = model.MaxTokens
	existing.Temperature = model.Temperature
	existing.DisplayOrder = model.DisplayOrder
	existing.UpdatedAt = model.UpdatedAt
	return nil
}

// Delete removes a model, electing a new default if it was the default.
func (s *ModelStore) Delete(ctx context.Context, id int64) (*repository.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.models[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	delete(s.models, id)

	if !existing.IsDefault {
		return nil, nil
	}

	active := s.sorted(true)
	if len(active) == 0 {
		return nil, nil
	}
	elected := s.models[active[0].ID]
	elected.IsDefault = true
	elected.UpdatedAt = time.Now().UTC()
	c := *elected
	return &c, nil
}

// SetDefault makes id the only default.
func (s *ModelStore) SetDefault(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.models[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !target.IsActive {
		return repository.ErrInactive
	}

	now := time.Now().UTC()
	s.clearDefaults(id, now)
	target.IsDefault = true
	target.UpdatedAt = now
	return nil
}

// clearDefaults must be called with the write lock held.
func (s *ModelStore) clearDefaults(keepID int64, now time.Time) {
	for id, m := range s.models {
		if id != keepID && m.IsDefault {
			m.IsDefault = false
			m.UpdatedAt = now
		}
	}
}

// sorted must be called with the lock held. It returns copies.
func (s *ModelStore) sorted(activeOnly bool) []*repository.Model {
	out := make([]*repository.Model, 0, len(s.models))
	for _, m := range s.models {
		if activeOnly && !m.IsActive {
			continue
		}
		c := *m
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *repository.Model) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
	return out
}

// Ensure ModelStore implements the interface
var _ repository.ModelRepository = (*ModelStore)(nil)

// SeedModels returns the models the PostgreSQL migrations seed, for stores without a database.
func SeedModels(now time.Time) []*repository.Model {
	return []*repository.Model{
		{
			ModelID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash",
			Description: "Best for complex tasks with faster response times",
			IsActive:    true, IsDefault: true, Provider: "Google", Version: "1.5",
			MaxTokens: 8192, Temperature: 0.7, DisplayOrder: 1, CreatedAt: now, UpdatedAt: now,
		},
		{
			ModelID: "gemini-2.0-flash-001", Name: "Gemini 2.0 Flash",
			Description: "Latest model, optimized for chat and simple tasks",
			IsActive:    true, Provider: "Google", Version: "2.0",
			MaxTokens: 8192, Temperature: 0.7, DisplayOrder: 2, CreatedAt: now, UpdatedAt: now,
		},
	}
}
