package main

import (
	"context"

	"github.com/google/uuid"

	"github.com/physiocare/clinic/internal/domain/billing"
	"github.com/physiocare/clinic/internal/domain/identity"
)

// patientDirectory adapts the identity service to billing.PatientDirectory,
// keeping the two domains free of imports on each other.
type patientDirectory struct {
	svc *identity.Service
}

func (d patientDirectory) PatientSummaries(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*billing.PatientSummary, error) {
	patients, err := d.svc.GetPatients(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]*billing.PatientSummary, len(patients))
	for id, p := range patients {
		out[id] = &billing.PatientSummary{
			ID:          p.ID,
			PatientCode: p.PatientCode,
			FirstName:   p.FirstName,
			LastName:    p.LastName,
		}
	}
	return out, nil
}

// userDirectory adapts the identity service to billing.UserDirectory.
type userDirectory struct {
	svc *identity.Service
}

func (d userDirectory) UserSummaries(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*billing.UserSummary, error) {
	users, err := d.svc.GetUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]*billing.UserSummary, len(users))
	for id, u := range users {
		out[id] = &billing.UserSummary{ID: u.ID, Name: u.Name}
	}
	return out, nil
}
