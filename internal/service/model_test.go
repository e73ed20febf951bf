package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/knoguchi/promptrelay/internal/repository"
	"github.com/knoguchi/promptrelay/internal/repository/memory"
)

var fixedNow = time.Date(2025, 7, 26, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) *ModelService {
	t.Helper()
	store := memory.NewModelStore(memory.SeedModels(fixedNow)...)
	return NewModelService(store, WithClock(func() time.Time { return fixedNow }))
}

func ptr[T any](v T) *T { return &v }

func countDefaults(t *testing.T, s *ModelService) int {
	t.Helper()
	models, err := s.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	n := 0
	for _, m := range models {
		if m.IsDefault {
			n++
		}
	}
	return n
}

func TestModelService_Create_AppliesDefaults(t *testing.T) {
	s := newTestService(t)

	m, err := s.Create(context.Background(), CreateModelInput{ModelID: "  gemini-pro  ", Name: "Gemini Pro"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if m.ModelID != "gemini-pro" {
		t.Errorf("expected trimmed model id, got %q", m.ModelID)
	}
	if !m.IsActive {
		t.Error("expected new model to be active by default")
	}
	if m.Provider != "Google" {
		t.Errorf("expected provider Google, got %q", m.Provider)
	}
	if m.MaxTokens != 8192 {
		t.Errorf("expected max tokens 8192, got %d", m.MaxTokens)
	}
	if m.Temperature != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", m.Temperature)
	}
	if !m.CreatedAt.Equal(fixedNow) {
		t.Errorf("expected created at %v, got %v", fixedNow, m.CreatedAt)
	}
}

func TestModelService_Create_Validation(t *testing.T) {
	s := newTestService(t)

	tests := []struct {
		name  string
		input CreateModelInput
		field string
	}{
		{"blank model id", CreateModelInput{ModelID: "   ", Name: "x"}, "modelId"},
		{"blank name", CreateModelInput{ModelID: "x", Name: ""}, "name"},
		{"long model id", CreateModelInput{ModelID: strings.Repeat("a", 101), Name: "x"}, "modelId"},
		{"temperature too high", CreateModelInput{ModelID: "x", Name: "x", Temperature: ptr(2.5)}, "temperature"},
		{"zero max tokens", CreateModelInput{ModelID: "x", Name: "x", MaxTokens: ptr(0)}, "maxTokens"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(context.Background(), tt.input)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("expected error to mention %q, got %q", tt.field, err.Error())
			}
		})
	}
}

func TestModelService_Create_DuplicateModelID(t *testing.T) {
	s := newTestService(t)

	_, err := s.Create(context.Background(), CreateModelInput{ModelID: "gemini-1.5-flash", Name: "Dup"})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestModelService_Create_DefaultReplacesPrevious(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	created, err := s.Create(ctx, CreateModelInput{ModelID: "new", Name: "New", IsDefault: true})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	def, err := s.GetDefault(ctx)
	if err != nil {
		t.Fatalf("GetDefault() error = %v", err)
	}
	if def.ID != created.ID {
		t.Errorf("expected new default %d, got %d", created.ID, def.ID)
	}
	if n := countDefaults(t, s); n != 1 {
		t.Errorf("expected exactly one default, got %d", n)
	}
}

func TestModelService_Update_Partial(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	m, err := s.Update(ctx, 2, UpdateModelInput{Description: ptr("changed")})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if m.Description != "changed" {
		t.Errorf("expected description changed, got %q", m.Description)
	}
	if m.Name != "Gemini 2.0 Flash" {
		t.Errorf("expected name unchanged, got %q", m.Name)
	}
	if m.IsDefault {
		t.Error("expected default flag unchanged")
	}
}

func TestModelService_Update_NotFound(t *testing.T) {
	s := newTestService(t)

	_, err := s.Update(context.Background(), 99, UpdateModelInput{Name: ptr("x")})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestModelService_Update_BlankName(t *testing.T) {
	s := newTestService(t)

	_, err := s.Update(context.Background(), 1, UpdateModelInput{Name: ptr("   ")})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestModelService_Update_UnsetDefault(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, err := s.Update(ctx, 1, UpdateModelInput{IsDefault: ptr(false)}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if n := countDefaults(t, s); n != 0 {
		t.Errorf("expected no flagged default, got %d", n)
	}

	// falls back to the first active model by display order
	def, err := s.GetDefault(ctx)
	if err != nil {
		t.Fatalf("GetDefault() error = %v", err)
	}
	if def.ID != 1 {
		t.Errorf("expected fallback model 1, got %d", def.ID)
	}
}

func TestModelService_SetDefault(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	m, err := s.SetDefault(ctx, 2)
	if err != nil {
		t.Fatalf("SetDefault() error = %v", err)
	}
	if !m.IsDefault {
		t.Error("expected returned model to be default")
	}

	first, err := s.GetByID(ctx, 1)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if first.IsDefault {
		t.Error("expected previous default to be cleared")
	}
	if n := countDefaults(t, s); n != 1 {
		t.Errorf("expected exactly one default, got %d", n)
	}
}

func TestModelService_SetDefault_InactiveLeavesPriorDefault(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, err := s.Update(ctx, 2, UpdateModelInput{IsActive: ptr(false)}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	_, err := s.SetDefault(ctx, 2)
	if !errors.Is(err, ErrInactiveModel) {
		t.Fatalf("expected ErrInactiveModel, got %v", err)
	}

	def, err := s.GetDefault(ctx)
	if err != nil {
		t.Fatalf("GetDefault() error = %v", err)
	}
	if def.ID != 1 || !def.IsDefault {
		t.Errorf("expected model 1 to remain default, got %+v", def)
	}
}

func TestModelService_SetDefault_NotFound(t *testing.T) {
	s := newTestService(t)

	_, err := s.SetDefault(context.Background(), 42)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestModelService_Delete_DefaultElectsReplacement(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if err := s.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	def, err := s.GetDefault(ctx)
	if err != nil {
		t.Fatalf("GetDefault() error = %v", err)
	}
	if def.ID != 2 || !def.IsDefault {
		t.Errorf("expected model 2 to be elected default, got %+v", def)
	}

	if err := s.Delete(ctx, 1); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestModelService_Delete_LastModel(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	for _, id := range []int64{1, 2} {
		if err := s.Delete(ctx, id); err != nil {
			t.Fatalf("Delete(%d) error = %v", id, err)
		}
	}

	if _, err := s.GetDefault(ctx); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound with empty registry, got %v", err)
	}
}

func TestModelService_ListActive_ExcludesInactive(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, CreateModelInput{ModelID: "off", Name: "Off", IsActive: ptr(false)}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	all, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(active) != 2 || len(all) != 3 {
		t.Errorf("expected 2 active and 3 total, got %d and %d", len(active), len(all))
	}
}

func TestModelService_ConcurrentDefaultWriters(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	done := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			models, err := s.ListAll(ctx)
			if err != nil {
				t.Errorf("ListAll() error = %v", err)
				return
			}
			n := 0
			for _, m := range models {
				if m.IsDefault {
					n++
				}
			}
			if n > 1 {
				t.Errorf("observed %d defaults during concurrent writes", n)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				_, err := s.Create(ctx, CreateModelInput{
					ModelID:   fmt.Sprintf("race-%d", i),
					Name:      "Race",
					IsDefault: true,
				})
				if err != nil {
					t.Errorf("Create() error = %v", err)
				}
			case 1:
				if _, err := s.Update(ctx, int64(1+i%2), UpdateModelInput{IsDefault: ptr(true)}); err != nil {
					t.Errorf("Update() error = %v", err)
				}
			default:
				if _, err := s.SetDefault(ctx, int64(1+i%2)); err != nil {
					t.Errorf("SetDefault() error = %v", err)
				}
			}
		}(i)
	}
	wg.Wait()
	close(done)
	readers.Wait()

	if n := countDefaults(t, s); n != 1 {
		t.Fatalf("expected exactly one default after concurrent writes, got %d", n)
	}
}

// staleActiveRepo reports every model as active on lookup, as a reader would that raced a
// concurrent deactivation.
type staleActiveRepo struct {
	repository.ModelRepository
}

func (r staleActiveRepo) GetByID(ctx context.Context, id int64) (*repository.Model, error) {
	m, err := r.ModelRepository.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m.IsActive = true
	return m, nil
}

func TestModelService_SetDefault_DeactivatedAfterLookup(t *testing.T) {
	store := memory.NewModelStore(memory.SeedModels(fixedNow)...)
	ctx := context.Background()
	if err := store.Update(ctx, &repository.Model{ID: 2, ModelID: "gemini-2.0-flash-001", Name: "Gemini 2.0 Flash", IsActive: false}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	s := NewModelService(staleActiveRepo{store}, WithClock(func() time.Time { return fixedNow }))

	if _, err := s.SetDefault(ctx, 2); !errors.Is(err, ErrInactiveModel) {
		t.Fatalf("expected ErrInactiveModel, got %v", err)
	}
	def, err := store.GetDefault(ctx)
	if err != nil {
		t.Fatalf("GetDefault() error = %v", err)
	}
	if def.ID != 1 {
		t.Errorf("expected model 1 to remain default, got %d", def.ID)
	}
}
