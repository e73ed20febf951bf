package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/knoguchi/promptrelay/internal/llm"
	"github.com/knoguchi/promptrelay/internal/repository"
	"github.com/knoguchi/promptrelay/internal/service"
)

// ModelSource is the registry read path the current model is resolved against.
type ModelSource interface {
	GetDefault(ctx context.Context) (*repository.Model, error)
	GetByModelID(ctx context.Context, modelID string) (*repository.Model, error)
}

// CurrentModel is the atomically swappable model used for every generation call.
// Stored values are never mutated after Store.
type CurrentModel struct {
	ptr        atomic.Pointer[repository.Model]
	source     ModelSource
	fallbackID string
	logger     *slog.Logger
}

// NewCurrentModel creates an unseeded reference. Until Seed succeeds, fallbackID is used.
func NewCurrentModel(source ModelSource, fallbackID string, logger *slog.Logger) *CurrentModel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CurrentModel{
		source:     source,
		fallbackID: fallbackID,
		logger:     logger.With("component", "current-model"),
	}
	c.ptr.Store(fallbackModel(fallbackID))
	return c
}

// Seed loads the registry default. An empty registry keeps the configured fallback.
func (c *CurrentModel) Seed(ctx context.Context) error {
	m, err := c.source.GetDefault(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.logger.Warn("no active models registered, using fallback model", "model_id", c.fallbackID)
			c.ptr.Store(fallbackModel(c.fallbackID))
			return nil
		}
		return fmt.Errorf("failed to load default model: %w", err)
	}

	c.ptr.Store(m)
	c.logger.Info("current model seeded", "model_id", m.ModelID)
	return nil
}

// Get returns a copy of the current model.
func (c *CurrentModel) Get() repository.Model {
	return *c.ptr.Load()
}

// ID returns the current provider model identifier.
func (c *CurrentModel) ID() string {
	return c.ptr.Load().ModelID
}

// Set switches the current model. The target must exist and be active.
func (c *CurrentModel) Set(ctx context.Context, modelID string) (repository.Model, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return repository.Model{}, fmt.Errorf("%w: modelId is required", ErrBadRequest)
	}

	m, err := c.source.GetByModelID(ctx, modelID)
	if err != nil {
		return repository.Model{}, err
	}
	if !m.IsActive {
		return repository.Model{}, fmt.Errorf("%w: %s", service.ErrInactiveModel, m.ModelID)
	}

	prev := c.ptr.Swap(m)
	c.logger.Info("current model changed", "from", prev.ModelID, "to", m.ModelID)
	return *m, nil
}

// Options builds generation options from the current model's parameters.
func (c *CurrentModel) Options() llm.GenerateOptions {
	m := c.ptr.Load()
	opts := llm.GenerateOptions{
		Model:     m.ModelID,
		MaxTokens: m.MaxTokens,
	}
	// the configured fallback is not a registry entry and carries no sampling parameters
	if m.ID != 0 {
		t := float32(m.Temperature)
		opts.Temperature = &t
	}
	return opts
}

func fallbackModel(modelID string) *repository.Model {
	return &repository.Model{ModelID: modelID, Name: modelID, IsActive: true}
}
