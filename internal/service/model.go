// Package service implements the model registry business logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/knoguchi/promptrelay/internal/repository"
)

const (
	defaultProvider    = "Google"
	defaultMaxTokens   = 8192
	defaultTemperature = 0.7
)

var (
	// ErrValidation is returned when input fails validation
	ErrValidation = errors.New("validation failed")

	// ErrInactiveModel is returned when an inactive model is made default or current
	ErrInactiveModel = repository.ErrInactive
)

// CreateModelInput carries the fields accepted when registering a model.
type CreateModelInput struct {
	ModelID      string   `json:"modelId" validate:"required,max=100"`
	Name         string   `json:"name" validate:"required,max=200"`
	Description  string   `json:"description" validate:"max=500"`
	IsActive     *bool    `json:"isActive"`
	IsDefault    bool     `json:"isDefault"`
	Provider     string   `json:"provider" validate:"max=50"`
	Version      string   `json:"version" validate:"max=50"`
	MaxTokens    *int     `json:"maxTokens" validate:"omitnil,min=1"`
	Temperature  *float64 `json:"temperature" validate:"omitnil,gte=0,lte=2"`
	DisplayOrder int      `json:"displayOrder"`
}

// UpdateModelInput carries a partial update; nil fields are left unchanged.
type UpdateModelInput struct {
	Name         *string  `json:"name" validate:"omitnil,min=1,max=200"`
	Description  *string  `json:"description" validate:"omitnil,max=500"`
	IsActive     *bool    `json:"isActive"`
	IsDefault    *bool    `json:"isDefault"`
	Version      *string  `json:"version" validate:"omitnil,max=50"`
	MaxTokens    *int     `json:"maxTokens" validate:"omitnil,min=1"`
	Temperature  *float64 `json:"temperature" validate:"omitnil,gte=0,lte=2"`
	DisplayOrder *int     `json:"displayOrder"`
}

// ModelService is the model registry. Reads go straight to the repository; writes are
// serialized so that default-flag transitions have a single writer per instance.
type ModelService struct {
	repo     repository.ModelRepository
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// ModelServiceOption is a functional option for configuring ModelService.
type ModelServiceOption func(*ModelService)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ModelServiceOption {
	return func(s *ModelService) {
		s.logger = logger
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) ModelServiceOption {
	return func(s *ModelService) {
		s.now = now
	}
}

// NewModelService creates a new ModelService
func NewModelService(repo repository.ModelRepository, opts ...ModelServiceOption) *ModelService {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	s := &ModelService{
		repo:     repo,
		validate: v,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "model-registry")
	return s
}

// ListActive returns active models ordered by display order, then name
func (s *ModelService) ListActive(ctx context.Context) ([]*repository.Model, error) {
	return s.repo.List(ctx, true)
}

// ListAll returns every model ordered by display order, then name
func (s *ModelService) ListAll(ctx context.Context) ([]*repository.Model, error) {
	return s.repo.List(ctx, false)
}

// GetByID returns a model by numeric ID
func (s *ModelService) GetByID(ctx context.Context, id int64) (*repository.Model, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByModelID returns a model by provider model identifier
func (s *ModelService) GetByModelID(ctx context.Context, modelID string) (*repository.Model, error) {
	return s.repo.GetByModelID(ctx, strings.TrimSpace(modelID))
}

// GetDefault returns the effective default model
func (s *ModelService) GetDefault(ctx context.Context) (*repository.Model, error) {
	return s.repo.GetDefault(ctx)
}

// Create validates and registers a new model
func (s *ModelService) Create(ctx context.Context, in CreateModelInput) (*repository.Model, error) {
	in.ModelID = strings.TrimSpace(in.ModelID)
	in.Name = strings.TrimSpace(in.Name)
	if err := s.check(in); err != nil {
		return nil, err
	}

	now := s.now()
	model := &repository.Model{
		ModelID:      in.ModelID,
		Name:         in.Name,
		Description:  in.Description,
		IsActive:     true,
		IsDefault:    in.IsDefault,
		Provider:     in.Provider,
		Version:      in.Version,
		MaxTokens:    defaultMaxTokens,
		Temperature:  defaultTemperature,
		DisplayOrder: in.DisplayOrder,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.IsActive != nil {
		model.IsActive = *in.IsActive
	}
	if model.Provider == "" {
		model.Provider = defaultProvider
	}
	if in.MaxTokens != nil {
		model.MaxTokens = *in.MaxTokens
	}
	if in.Temperature != nil {
		model.Temperature = *in.Temperature
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.Create(ctx, model); err != nil {
		return nil, err
	}

	s.logger.Info("model created", "id", model.ID, "model_id", model.ModelID, "default", model.IsDefault)
	return model, nil
}

// Update applies a partial update to an existing model
func (s *ModelService) Update(ctx context.Context, id int64, in UpdateModelInput) (*repository.Model, error) {
	if in.Name != nil {
		trimmed := strings.TrimSpace(*in.Name)
		in.Name = &trimmed
	}
	if err := s.check(in); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	model, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		model.Name = *in.Name
	}
	if in.Description != nil {
		model.Description = *in.Description
	}
	if in.IsActive != nil {
		model.IsActive = *in.IsActive
	}
	if in.IsDefault != nil {
		model.IsDefault = *in.IsDefault
	}
	if in.Version != nil {
		model.Version = *in.Version
	}
	if in.MaxTokens != nil {
		model.MaxTokens = *in.MaxTokens
	}
	if in.Temperature != nil {
		model.Temperature = *in.Temperature
	}
	if in.DisplayOrder != nil {
		model.DisplayOrder = *in.DisplayOrder
	}
	model.UpdatedAt = s.now()

	if err := s.repo.Update(ctx, model); err != nil {
		return nil, err
	}

	s.logger.Info("model updated", "id", model.ID, "model_id", model.ModelID, "default", model.IsDefault)
	return model, nil
}

// Delete removes a model. When the default is removed a replacement is elected atomically.
func (s *ModelService) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	elected, err := s.repo.Delete(ctx, id)
	if err != nil {
		return err
	}

	if elected != nil {
		s.logger.Info("model deleted, new default elected", "id", id, "default_id", elected.ID, "default_model_id", elected.ModelID)
	} else {
		s.logger.Info("model deleted", "id", id)
	}
	return nil
}

// SetDefault makes an active model the only default
func (s *ModelService) SetDefault(ctx context.Context, id int64) (*repository.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	model, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !model.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrInactiveModel, model.ModelID)
	}

	if err := s.repo.SetDefault(ctx, id); err != nil {
		if errors.Is(err, repository.ErrInactive) {
			return nil, fmt.Errorf("%w: %s", ErrInactiveModel, model.ModelID)
		}
		return nil, err
	}
	model.IsDefault = true

	s.logger.Info("default model changed", "id", model.ID, "model_id", model.ModelID)
	return model, nil
}

// check runs struct validation and folds the failures into a single ErrValidation.
func (s *ModelService) check(in any) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "gte", "lte":
		return fe.Field() + " must be between 0 and 2"
	default:
		return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
	}
}
