package identity

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/physiocare/clinic/internal/platform/auth"
)

// -- Mock Patient Repository --

type mockPatientRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*Patient
	// staleCodes makes LastCode ignore the newest n codes, simulating a
	// concurrent registration that took the same number.
	staleCodes int
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{patients: make(map[uuid.UUID]*Patient)}
}

func (m *mockPatientRepo) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.patients {
		if existing.PatientCode == p.PatientCode {
			return ErrPatientCodeTaken
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockPatientRepo) GetByIDs(_ context.Context, ids []uuid.UUID) ([]*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Patient
	for _, id := range ids {
		if p, ok := m.patients[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockPatientRepo) List(_ context.Context, search string, limit, offset int) ([]*Patient, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Patient
	for _, p := range m.patients {
		if search == "" || strings.Contains(strings.ToLower(p.FirstName+" "+p.LastName), strings.ToLower(search)) {
			all = append(all, p)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastName < all[j].LastName })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockPatientRepo) LastCode(_ context.Context, prefix string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var codes []string
	for _, p := range m.patients {
		if strings.HasPrefix(p.PatientCode, prefix) {
			codes = append(codes, p.PatientCode)
		}
	}
	sort.Strings(codes)
	if m.staleCodes > 0 && len(codes) > 0 {
		m.staleCodes--
		codes = codes[:len(codes)-1]
	}
	if len(codes) == 0 {
		return "", nil
	}
	return codes[len(codes)-1], nil
}

// -- Mock User Repository --

type mockUserRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]*User
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: make(map[uuid.UUID]*User)}
}

func (m *mockUserRepo) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrEmailTaken
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *mockUserRepo) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *mockUserRepo) GetByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *mockUserRepo) GetByIDs(_ context.Context, ids []uuid.UUID) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*User
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *mockUserRepo) UpdateLastLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.LastLogin = &at
	return nil
}

var testJWT = auth.JWTConfig{
	SigningKey: []byte("identity-test-signing-key-0123456789"),
	Issuer:     "clinic-test",
	TTL:        time.Hour,
}

func newTestService() (*Service, *mockPatientRepo, *mockUserRepo) {
	patients := newMockPatientRepo()
	users := newMockUserRepo()
	return NewService(patients, users, testJWT, zerolog.Nop()), patients, users
}

func mustCreateUser(t *testing.T, svc *Service, email, role string) *User {
	t.Helper()
	u, err := svc.CreateUser(context.Background(), CreateUserInput{
		Name: "Staff " + role, Email: email, Password: "correct-horse", Role: role,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// -- Patient Tests --

func TestService_CreatePatient_GeneratesSequentialCodes(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	want := []string{"LPW001", "LPW002", "LPW003"}
	for i, code := range want {
		p := &Patient{FirstName: "Amina", LastName: "Otieno"}
		if err := svc.CreatePatient(ctx, p); err != nil {
			t.Fatalf("create #%d: %v", i, err)
		}
		if p.PatientCode != code {
			t.Errorf("patient #%d: expected code %s, got %s", i, code, p.PatientCode)
		}
	}
}

func TestService_CreatePatient_RetriesOnCodeCollision(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	if err := svc.CreatePatient(ctx, &Patient{FirstName: "A", LastName: "One"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	repo.staleCodes = 1

	p := &Patient{FirstName: "B", LastName: "Two"}
	if err := svc.CreatePatient(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.PatientCode != "LPW002" {
		t.Errorf("expected LPW002 after retry, got %s", p.PatientCode)
	}
}

func TestService_CreatePatient_KeepsExplicitCode(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	p := &Patient{PatientCode: " EXT-42 ", FirstName: "Jo", LastName: "Mwangi"}
	if err := svc.CreatePatient(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.PatientCode != "EXT-42" {
		t.Errorf("expected trimmed code EXT-42, got %q", p.PatientCode)
	}

	dup := &Patient{PatientCode: "EXT-42", FirstName: "Other", LastName: "Person"}
	if err := svc.CreatePatient(ctx, dup); !errors.Is(err, ErrPatientCodeTaken) {
		t.Errorf("expected ErrPatientCodeTaken, got %v", err)
	}
}

func TestService_CreatePatient_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	bad := "unknown"
	email := "not-an-email"

	tests := []struct {
		name string
		p    *Patient
	}{
		{"missing first name", &Patient{LastName: "Doe"}},
		{"blank last name", &Patient{FirstName: "Jane", LastName: "   "}},
		{"bad gender", &Patient{FirstName: "Jane", LastName: "Doe", Gender: &bad}},
		{"bad email", &Patient{FirstName: "Jane", LastName: "Doe", Email: &email}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.CreatePatient(context.Background(), tt.p)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestService_GetPatients(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	p := &Patient{FirstName: "Jane", LastName: "Doe"}
	if err := svc.CreatePatient(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := svc.GetPatients(ctx, []uuid.UUID{p.ID, uuid.New()})
	if err != nil {
		t.Fatalf("get patients: %v", err)
	}
	if len(got) != 1 || got[p.ID] == nil {
		t.Fatalf("expected exactly the known patient, got %v", got)
	}
	if _, err := svc.GetPatient(ctx, uuid.New()); !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound, got %v", err)
	}
}

// -- User Tests --

func TestService_CreateUser(t *testing.T) {
	svc, _, users := newTestService()
	ctx := context.Background()

	u := mustCreateUser(t, svc, "  Desk@Clinic.Test ", auth.RoleReception)
	if u.Email != "desk@clinic.test" {
		t.Errorf("expected normalized email, got %q", u.Email)
	}
	if !u.Active {
		t.Error("expected new user to be active")
	}
	stored := users.users[u.ID]
	if stored.PasswordHash == "correct-horse" || !auth.CheckPassword(stored.PasswordHash, "correct-horse") {
		t.Error("expected a bcrypt hash of the password")
	}

	_, err := svc.CreateUser(ctx, CreateUserInput{Name: "Dup", Email: "DESK@clinic.test", Password: "correct-horse", Role: auth.RoleBilling})
	if !errors.Is(err, ErrEmailTaken) {
		t.Errorf("expected ErrEmailTaken, got %v", err)
	}
}

func TestService_CreateUser_Validation(t *testing.T) {
	svc, _, _ := newTestService()

	tests := []struct {
		name string
		in   CreateUserInput
	}{
		{"missing name", CreateUserInput{Email: "a@b.test", Password: "long-enough", Role: auth.RoleAdmin}},
		{"bad email", CreateUserInput{Name: "A", Email: "nope", Password: "long-enough", Role: auth.RoleAdmin}},
		{"unknown role", CreateUserInput{Name: "A", Email: "a@b.test", Password: "long-enough", Role: "doctor"}},
		{"short password", CreateUserInput{Name: "A", Email: "a@b.test", Password: "short", Role: auth.RoleAdmin}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateUser(context.Background(), tt.in)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

// -- Auth Tests --

func TestService_Login(t *testing.T) {
	svc, _, users := newTestService()
	now := time.Now().UTC().Truncate(time.Second)
	svc.now = func() time.Time { return now }
	u := mustCreateUser(t, svc, "billing@clinic.test", auth.RoleBilling)

	res, err := svc.Login(context.Background(), "Billing@Clinic.test", "correct-horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.User.ID != u.ID {
		t.Errorf("expected user %s, got %s", u.ID, res.User.ID)
	}
	if !res.ExpiresAt.Equal(now.Add(testJWT.TTL)) {
		t.Errorf("expected expiry %v, got %v", now.Add(testJWT.TTL), res.ExpiresAt)
	}
	if ll := users.users[u.ID].LastLogin; ll == nil || !ll.Equal(now) {
		t.Errorf("expected last_login stamped at %v, got %v", now, ll)
	}

	claims, err := auth.ParseToken(testJWT, res.Token)
	if err != nil {
		t.Fatalf("parse issued token: %v", err)
	}
	if claims.Subject != u.ID.String() {
		t.Errorf("expected subject %s, got %s", u.ID, claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != auth.RoleBilling {
		t.Errorf("expected roles [billing], got %v", claims.Roles)
	}
}

func TestService_Login_Rejections(t *testing.T) {
	svc, _, users := newTestService()
	ctx := context.Background()
	u := mustCreateUser(t, svc, "desk@clinic.test", auth.RoleReception)

	if _, err := svc.Login(ctx, "nobody@clinic.test", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "desk@clinic.test", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if users.users[u.ID].LastLogin != nil {
		t.Error("failed logins must not stamp last_login")
	}

	users.users[u.ID].Active = false
	if _, err := svc.Login(ctx, "desk@clinic.test", "correct-horse"); !errors.Is(err, ErrAccountDisabled) {
		t.Errorf("inactive user: expected ErrAccountDisabled, got %v", err)
	}
}

func TestService_ResolvePrincipal(t *testing.T) {
	svc, _, users := newTestService()
	ctx := context.Background()
	u := mustCreateUser(t, svc, "admin@clinic.test", auth.RoleAdmin)

	p, err := svc.ResolvePrincipal(ctx, u.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.UserID != u.ID || p.Role != auth.RoleAdmin || !p.Active || p.Name != u.Name {
		t.Errorf("unexpected principal %+v", p)
	}

	users.users[u.ID].Active = false
	p, err = svc.ResolvePrincipal(ctx, u.ID)
	if err != nil || p.Active {
		t.Errorf("expected inactive principal, got %+v, %v", p, err)
	}

	if _, err := svc.ResolvePrincipal(ctx, uuid.New()); !errors.Is(err, auth.ErrPrincipalNotFound) {
		t.Errorf("expected ErrPrincipalNotFound, got %v", err)
	}
}
