package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/physiocare/clinic/internal/platform/auth"
)

// PatientCodePrefix starts every generated patient code, e.g. LPW001.
const PatientCodePrefix = "LPW"

// codeAttempts bounds retries when two registrations race for the same code.
const codeAttempts = 3

var genders = map[string]bool{"male": true, "female": true, "other": true}

var validate = validator.New()

func validEmail(email string) bool {
	return validate.Var(email, "required,email,max=320") == nil
}

type Service struct {
	patients PatientRepository
	users    UserRepository
	jwt      auth.JWTConfig
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(patients PatientRepository, users UserRepository, jwt auth.JWTConfig, logger zerolog.Logger) *Service {
	return &Service{
		patients: patients,
		users:    users,
		jwt:      jwt,
		logger:   logger.With().Str("component", "identity").Logger(),
		now:      time.Now,
	}
}

// -- Patient --

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.PatientCode = strings.TrimSpace(p.PatientCode)
	if p.FirstName == "" || p.LastName == "" {
		return invalid("first_name and last_name are required")
	}
	if p.Gender != nil && !genders[*p.Gender] {
		return invalid("gender must be one of male, female, other")
	}
	if p.Email != nil && *p.Email != "" {
		if !validEmail(*p.Email) {
			return invalid("email must be a valid address")
		}
	}

	if p.PatientCode != "" {
		return s.patients.Create(ctx, p)
	}

	var err error
	for attempt := 0; attempt < codeAttempts; attempt++ {
		if p.PatientCode, err = s.nextPatientCode(ctx); err != nil {
			return err
		}
		err = s.patients.Create(ctx, p)
		if !errors.Is(err, ErrPatientCodeTaken) {
			break
		}
		p.ID = uuid.Nil
	}
	if err != nil {
		return err
	}
	s.logger.Info().Str("patient_id", p.ID.String()).Str("patient_code", p.PatientCode).Msg("patient registered")
	return nil
}

func (s *Service) nextPatientCode(ctx context.Context) (string, error) {
	last, err := s.patients.LastCode(ctx, PatientCodePrefix)
	if err != nil {
		return "", err
	}
	n := 0
	if last != "" {
		if n, err = strconv.Atoi(strings.TrimPrefix(last, PatientCodePrefix)); err != nil {
			return "", fmt.Errorf("parse patient code %q: %w", last, err)
		}
	}
	return fmt.Sprintf("%s%03d", PatientCodePrefix, n+1), nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) ListPatients(ctx context.Context, search string, limit, offset int) ([]*Patient, int, error) {
	return s.patients.List(ctx, search, limit, offset)
}

// GetPatients returns the patients found among ids keyed by id. Unknown ids
// are skipped.
func (s *Service) GetPatients(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Patient, error) {
	patients, err := s.patients.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]*Patient, len(patients))
	for _, p := range patients {
		out[p.ID] = p
	}
	return out, nil
}

// -- Users --

type CreateUserInput struct {
	Name     string
	Email    string
	Password string
	Role     string
}

func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	name := strings.TrimSpace(in.Name)
	email := normalizeEmail(in.Email)
	switch {
	case name == "":
		return nil, invalid("name is required")
	case email == "":
		return nil, invalid("email is required")
	case !auth.ValidRole(in.Role):
		return nil, invalid("role must be one of admin, billing, reception, therapist")
	case len(in.Password) < auth.MinPasswordLength:
		return nil, invalid(fmt.Sprintf("password must be at least %d characters", auth.MinPasswordLength))
	}
	if !validEmail(email) {
		return nil, invalid("email must be a valid address")
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	u := &User{Name: name, Email: email, PasswordHash: hash, Role: in.Role, Active: true}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", u.ID.String()).Str("role", u.Role).Msg("user created")
	return u, nil
}

func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.users.GetByID(ctx, id)
}

func (s *Service) GetUsers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*User, error) {
	users, err := s.users.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]*User, len(users))
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

// -- Authentication --

type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      *User
}

// Login checks the credentials and issues a token. Unknown emails and wrong
// passwords both yield ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	u, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		s.logger.Warn().Str("user_id", u.ID.String()).Msg("login rejected")
		return nil, ErrInvalidCredentials
	}
	if !u.Active {
		return nil, ErrAccountDisabled
	}

	now := s.now().UTC()
	if err := s.users.UpdateLastLogin(ctx, u.ID, now); err != nil {
		return nil, err
	}
	u.LastLogin = &now

	token, exp, err := auth.IssueToken(s.jwt, u.ID, []string{u.Role}, now)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	s.logger.Info().Str("user_id", u.ID.String()).Msg("login")
	return &LoginResult{Token: token, ExpiresAt: exp, User: u}, nil
}

// ResolvePrincipal implements auth.UserResolver.
func (s *Service) ResolvePrincipal(ctx context.Context, id uuid.UUID) (*auth.Principal, error) {
	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		return nil, auth.ErrPrincipalNotFound
	}
	if err != nil {
		return nil, err
	}
	return &auth.Principal{UserID: u.ID, Name: u.Name, Role: u.Role, Active: u.Active}, nil
}
