//go:build integration

package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/physiocare/clinic/internal/platform/db"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("clinic"),
		postgres.WithUsername("clinic"),
		postgres.WithPassword("clinic"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	code := 1
	if connStr, err := ctr.ConnectionString(ctx, "sslmode=disable"); err != nil {
		fmt.Fprintf(os.Stderr, "connection string: %v\n", err)
	} else if pool, err := db.NewPool(ctx, db.PoolConfig{URL: connStr, MaxConns: 10}); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
	} else {
		_, filename, _, _ := runtime.Caller(0)
		dir := filepath.Join(filepath.Dir(filename), "..", "..", "..", "migrations")
		if _, err := db.NewMigrator(pool, dir).Up(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "apply migrations: %v\n", err)
		} else {
			testPool = pool
			code = m.Run()
		}
		pool.Close()
	}
	_ = testcontainers.TerminateContainer(ctr)
	os.Exit(code)
}

func uniquePrefix() string {
	return "T" + strings.ToUpper(uuid.NewString()[:6]) + "-"
}

func TestPatientRepoPG_CreateGetList(t *testing.T) {
	ctx := context.Background()
	repo := NewPatientRepo(testPool)
	prefix := uniquePrefix()

	dob := time.Date(1988, 7, 1, 0, 0, 0, 0, time.UTC)
	gender := "female"
	p := &Patient{PatientCode: prefix + "001", FirstName: "Wanjiru", LastName: prefix + "Kamau", DateOfBirth: &dob, Gender: &gender}
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.CreatedAt.IsZero() {
		t.Error("expected created_at to be returned")
	}

	got, err := repo.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PatientCode != p.PatientCode || got.Gender == nil || *got.Gender != "female" {
		t.Errorf("unexpected patient %+v", got)
	}
	if got.DateOfBirth == nil || !got.DateOfBirth.Equal(dob) {
		t.Errorf("expected dob %v, got %v", dob, got.DateOfBirth)
	}

	if _, err := repo.GetByID(ctx, uuid.New()); !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound, got %v", err)
	}

	dup := &Patient{PatientCode: p.PatientCode, FirstName: "X", LastName: "Y"}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrPatientCodeTaken) {
		t.Errorf("expected ErrPatientCodeTaken, got %v", err)
	}

	list, total, err := repo.List(ctx, prefix, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(list) != 1 || list[0].ID != p.ID {
		t.Errorf("expected search by code prefix to find the patient, got %d/%d", len(list), total)
	}

	batch, err := repo.GetByIDs(ctx, []uuid.UUID{p.ID, uuid.New()})
	if err != nil {
		t.Fatalf("get by ids: %v", err)
	}
	if len(batch) != 1 {
		t.Errorf("expected 1 patient, got %d", len(batch))
	}
}

func TestPatientRepoPG_LastCode(t *testing.T) {
	ctx := context.Background()
	repo := NewPatientRepo(testPool)
	prefix := uniquePrefix()

	last, err := repo.LastCode(ctx, prefix)
	if err != nil || last != "" {
		t.Fatalf("expected no code yet, got %q, %v", last, err)
	}

	for _, code := range []string{prefix + "009", prefix + "010", prefix + "1000", prefix + "ABC"} {
		if err := repo.Create(ctx, &Patient{PatientCode: code, FirstName: "A", LastName: "B"}); err != nil {
			t.Fatalf("create %s: %v", code, err)
		}
	}

	last, err = repo.LastCode(ctx, prefix)
	if err != nil {
		t.Fatalf("last code: %v", err)
	}
	if last != prefix+"1000" {
		t.Errorf("expected numeric maximum %s1000, got %q", prefix, last)
	}
}

func TestUserRepoPG(t *testing.T) {
	ctx := context.Background()
	repo := NewUserRepo(testPool)
	email := strings.ToLower(uniquePrefix()) + "desk@clinic.test"

	u := &User{Name: "Desk", Email: email, PasswordHash: "$2a$10$hash", Role: "reception", Active: true}
	if err := repo.Create(ctx, u); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetByEmail(ctx, strings.ToUpper(email))
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if got.ID != u.ID || got.PasswordHash != u.PasswordHash {
		t.Errorf("unexpected user %+v", got)
	}

	dup := &User{Name: "Other", Email: strings.ToUpper(email), PasswordHash: "x", Role: "billing", Active: true}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("expected ErrEmailTaken for case-insensitive duplicate, got %v", err)
	}

	at := time.Now().UTC().Truncate(time.Microsecond)
	if err := repo.UpdateLastLogin(ctx, u.ID, at); err != nil {
		t.Fatalf("update last login: %v", err)
	}
	got, err = repo.GetByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastLogin == nil || !got.LastLogin.Equal(at) {
		t.Errorf("expected last_login %v, got %v", at, got.LastLogin)
	}

	if err := repo.UpdateLastLogin(ctx, uuid.New(), at); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := repo.GetByEmail(ctx, "ghost@clinic.test"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}

	users, err := repo.GetByIDs(ctx, []uuid.UUID{u.ID})
	if err != nil || len(users) != 1 {
		t.Errorf("expected one user, got %d, %v", len(users), err)
	}
}
