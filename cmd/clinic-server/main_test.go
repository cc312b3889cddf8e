package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/physiocare/clinic/internal/config"
	"github.com/physiocare/clinic/internal/domain/identity"
	"github.com/physiocare/clinic/internal/platform/auth"
)

type stubPatients struct {
	identity.PatientRepository
	byID map[uuid.UUID]*identity.Patient
}

func (s stubPatients) GetByIDs(_ context.Context, ids []uuid.UUID) ([]*identity.Patient, error) {
	var out []*identity.Patient
	for _, id := range ids {
		if p, ok := s.byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type stubUsers struct {
	identity.UserRepository
	byID map[uuid.UUID]*identity.User
}

func (s stubUsers) GetByIDs(_ context.Context, ids []uuid.UUID) ([]*identity.User, error) {
	var out []*identity.User
	for _, id := range ids {
		if u, ok := s.byID[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func TestDirectories_ProjectIdentityRecords(t *testing.T) {
	pid, uid := uuid.New(), uuid.New()
	svc := identity.NewService(
		stubPatients{byID: map[uuid.UUID]*identity.Patient{
			pid: {ID: pid, PatientCode: "LPW007", FirstName: "Amina", LastName: "Otieno"},
		}},
		stubUsers{byID: map[uuid.UUID]*identity.User{
			uid: {ID: uid, Name: "Front Desk", Email: "desk@clinic.test", PasswordHash: "secret"},
		}},
		auth.JWTConfig{}, zerolog.Nop(),
	)
	ctx := context.Background()

	patients, err := patientDirectory{svc}.PatientSummaries(ctx, []uuid.UUID{pid, uuid.New()})
	require.NoError(t, err)
	require.Len(t, patients, 1)
	assert.Equal(t, "LPW007", patients[pid].PatientCode)
	assert.Equal(t, "Otieno", patients[pid].LastName)

	users, err := userDirectory{svc}.UserSummaries(ctx, []uuid.UUID{uid})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Front Desk", users[uid].Name)
}

func TestRedisPinger(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, redisPinger{client}.Ping(ctx))

	mr.Close()
	assert.Error(t, redisPinger{client}.Ping(ctx))
}

func TestPoolConfig(t *testing.T) {
	cfg := &config.Config{DatabaseURL: "postgres://localhost/clinic", DBMaxConns: 12, DBMinConns: 3}
	pc := poolConfig(cfg)
	assert.Equal(t, cfg.DatabaseURL, pc.URL)
	assert.EqualValues(t, 12, pc.MaxConns)
	assert.EqualValues(t, 3, pc.MinConns)
}
