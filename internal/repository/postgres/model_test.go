package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/knoguchi/promptrelay/internal/repository"
)

var columns = []string{
	"id", "model_id", "name", "description", "is_active", "is_default", "provider", "version",
	"max_tokens", "temperature", "display_order", "created_at", "updated_at",
}

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, *ModelRepo) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgxmock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock, NewModelRepo(&DB{Pool: mock})
}

func modelRow(mock pgxmock.PgxPoolIface, id int64, modelID string, active, isDefault bool, order int) *pgxmock.Rows {
	now := time.Date(2025, 7, 26, 12, 0, 0, 0, time.UTC)
	return mock.NewRows(columns).AddRow(
		id, modelID, "Model "+modelID, "", active, isDefault, "Google", "1",
		8192, 0.7, order, now, now,
	)
}

func TestModelRepo_List(t *testing.T) {
	mock, repo := newMockRepo(t)

	rows := modelRow(mock, 1, "gemini-1.5-flash", true, true, 1)
	rows.AddRow(int64(2), "gemini-2.0-flash-001", "Gemini 2.0", "", true, false, "Google", "2", 8192, 0.7, 2, time.Now(), time.Now())
	mock.ExpectQuery(`FROM ai_models WHERE is_active ORDER BY display_order, name`).WillReturnRows(rows)

	models, err := repo.List(context.Background(), true)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if models[0].ModelID != "gemini-1.5-flash" || !models[0].IsDefault {
		t.Errorf("unexpected first model %+v", models[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestModelRepo_GetByID_NotFound(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectQuery(`FROM ai_models WHERE id = \$1`).WithArgs(int64(42)).WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetByID(context.Background(), 42)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestModelRepo_GetDefault_OrdersFlaggedFirst(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectQuery(`ORDER BY is_default DESC, display_order, name\s+LIMIT 1`).
		WillReturnRows(modelRow(mock, 3, "fallback", true, false, 0))

	m, err := repo.GetDefault(context.Background())
	if err != nil {
		t.Fatalf("GetDefault() error = %v", err)
	}
	if m.ID != 3 {
		t.Errorf("expected model 3, got %d", m.ID)
	}
}

func TestModelRepo_Create_DefaultClearsOthersInTransaction(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs(defaultLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`UPDATE ai_models SET is_default = FALSE`).WithArgs(int64(0)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`INSERT INTO ai_models`).
		WithArgs("new-model", "New", "", true, true, "Google", "", 4096, 0.5, 3, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()

	m := &repository.Model{
		ModelID: "new-model", Name: "New", IsActive: true, IsDefault: true,
		Provider: "Google", MaxTokens: 4096, Temperature: 0.5, DisplayOrder: 3,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := repo.Create(context.Background(), m); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if m.ID != 7 {
		t.Errorf("expected ID 7, got %d", m.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestModelRepo_Create_Conflict(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs(defaultLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`INSERT INTO ai_models`).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: modelIDConstraint})
	mock.ExpectRollback()

	err := repo.Create(context.Background(), &repository.Model{ModelID: "dup", Name: "Dup"})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestModelRepo_Update_NotFoundRollsBack(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs(defaultLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT is_default FROM ai_models WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(9)).WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := repo.Update(context.Background(), &repository.Model{ID: 9, Name: "x"})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestModelRepo_Update_BecomingDefault(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs(defaultLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT is_default FROM ai_models`).WithArgs(int64(2)).
		WillReturnRows(mock.NewRows([]string{"is_default"}).AddRow(false))
	mock.ExpectExec(`UPDATE ai_models SET is_default = FALSE`).WithArgs(int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE ai_models\s+SET name = \$2`).
		WithArgs(int64(2), "Two", "", true, true, "2", 8192, 0.7, 2, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := repo.Update(context.Background(), &repository.Model{
		ID: 2, Name: "Two", IsActive: true, IsDefault: true, Version: "2",
		MaxTokens: 8192, Temperature: 0.7, DisplayOrder: 2, UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestModelRepo_Delete_DefaultElectsReplacement(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs(defaultLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`DELETE FROM ai_models WHERE id = \$1 RETURNING is_default`).WithArgs(int64(1)).
		WillReturnRows(mock.NewRows([]string{"is_default"}).AddRow(true))
	mock.ExpectQuery(`UPDATE ai_models SET is_default = TRUE`).
		WillReturnRows(modelRow(mock, 2, "gemini-2.0-flash-001", true, true, 2))
	mock.ExpectCommit()

	elected, err := repo.Delete(context.Background(), 1)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if elected == nil || elected.ID != 2 {
		t.Fatalf("expected model 2 to be elected, got %+v", elected)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestModelRepo_Delete_NonDefault(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs(defaultLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`DELETE FROM ai_models`).WithArgs(int64(5)).
		WillReturnRows(mock.NewRows([]string{"is_default"}).AddRow(false))
	mock.ExpectCommit()

	elected, err := repo.Delete(context.Background(), 5)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if elected != nil {
		t.Errorf("expected no election, got %+v", elected)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestModelRepo_SetDefault_MissingRollsBack(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs(defaultLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`UPDATE ai_models SET is_default = FALSE`).WithArgs(int64(8)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE ai_models SET is_default = TRUE(.+)AND is_active`).WithArgs(int64(8)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs(int64(8)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := repo.SetDefault(context.Background(), 8)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestModelRepo_SetDefault_InactiveRollsBack(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs(defaultLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`UPDATE ai_models SET is_default = FALSE`).WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE ai_models SET is_default = TRUE(.+)AND is_active`).WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := repo.SetDefault(context.Background(), 4)
	if !errors.Is(err, repository.ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMigrateURL(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost:5432/db":   "pgx5://u:p@localhost:5432/db",
		"postgresql://u:p@localhost:5432/db": "pgx5://u:p@localhost:5432/db",
		"pgx5://u:p@localhost/db":            "pgx5://u:p@localhost/db",
	}
	for in, want := range tests {
		if got := migrateURL(in); got != want {
			t.Errorf("migrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}
