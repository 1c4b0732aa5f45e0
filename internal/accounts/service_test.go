package accounts

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"crewdeck/api/internal/permission"
	"crewdeck/api/internal/store"
)

type fakeUserStore struct {
	usersByEmail map[string]store.User
	usersByID    map[string]store.User
	matrices     map[string]permission.Matrix
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		usersByEmail: make(map[string]store.User),
		usersByID:    make(map[string]store.User),
		matrices:     make(map[string]permission.Matrix),
	}
}

func (f *fakeUserStore) add(user store.User) {
	f.usersByEmail[strings.ToLower(user.Email)] = user
	f.usersByID[user.ID] = user
}

func (f *fakeUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	user, ok := f.usersByEmail[strings.ToLower(email)]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeUserStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	user, ok := f.usersByID[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeUserStore) CreateUser(ctx context.Context, user store.User) error {
	f.add(user)
	return nil
}

func (f *fakeUserStore) UpdateUserPhoto(ctx context.Context, userID, photoURL string) error {
	user := f.usersByID[userID]
	user.PhotoURL = photoURL
	f.add(user)
	return nil
}

func (f *fakeUserStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	user, ok := f.usersByID[userID]
	if !ok {
		return store.ErrNotFound
	}
	user.Role = role
	f.add(user)
	return nil
}

func (f *fakeUserStore) GetRolePermissions(ctx context.Context, role string) (permission.Matrix, error) {
	matrix, ok := f.matrices[role]
	if !ok {
		return permission.Matrix{}, nil
	}
	return matrix, nil
}

func (f *fakeUserStore) SaveRolePermissions(ctx context.Context, role string, matrix permission.Matrix) error {
	f.matrices[role] = matrix
	return nil
}

func (f *fakeUserStore) ListRoles(ctx context.Context) ([]string, error) {
	var roles []string
	for role := range f.matrices {
		roles = append(roles, role)
	}
	return roles, nil
}

func seedUser(t *testing.T, fs *fakeUserStore, email, password, role string) store.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := store.User{
		ID:           "user-" + email,
		DisplayName:  "Avery",
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
	}
	fs.add(user)
	return user
}

func TestSignInSuccessLoadsMatrix(t *testing.T) {
	fs := newFakeUserStore()
	seedUser(t, fs, "avery@crewdeck.dev", "hunter22!", "Manager")
	fs.matrices["Manager"] = permission.Matrix{"Dashboard": {View: true}}

	svc := NewService(fs)
	user, matrix, err := svc.SignIn(context.Background(), "avery@crewdeck.dev", "hunter22!")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if user.Role != "Manager" {
		t.Fatalf("role = %q, want Manager", user.Role)
	}
	if !matrix["Dashboard"].View {
		t.Fatal("permission matrix not loaded on sign-in")
	}
	if user.PhotoURL == "" {
		t.Fatal("expected avatar resolution to produce a URL")
	}
}

func TestSignInWrongPassword(t *testing.T) {
	fs := newFakeUserStore()
	seedUser(t, fs, "avery@crewdeck.dev", "hunter22!", "Manager")

	svc := NewService(fs)
	if _, _, err := svc.SignIn(context.Background(), "avery@crewdeck.dev", "wrong"); err != ErrInvalidCredentials {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if _, _, err := svc.SignIn(context.Background(), "nobody@crewdeck.dev", "hunter22!"); err != ErrInvalidCredentials {
		t.Fatalf("unknown email err = %v, want ErrInvalidCredentials", err)
	}
}

func TestSignUpRejectsDuplicateAndShortPassword(t *testing.T) {
	fs := newFakeUserStore()
	seedUser(t, fs, "avery@crewdeck.dev", "hunter22!", "Manager")

	svc := NewService(fs)
	if _, err := svc.SignUp(context.Background(), SignUpRequest{Email: "avery@crewdeck.dev", Password: "hunter22!", DisplayName: "Avery"}); !errors.Is(err, ErrEmailExists) {
		t.Fatalf("duplicate email err = %v, want ErrEmailExists", err)
	}
	if _, err := svc.SignUp(context.Background(), SignUpRequest{Email: "new@crewdeck.dev", Password: "short", DisplayName: "New"}); err == nil {
		t.Fatal("expected short password to be rejected")
	}

	user, err := svc.SignUp(context.Background(), SignUpRequest{Email: "New@Crewdeck.dev", Password: "longenough", DisplayName: "New"})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if user.Email != "new@crewdeck.dev" {
		t.Fatalf("email not normalized: %q", user.Email)
	}
	if user.Role != string(permission.RoleEmployee) {
		t.Fatalf("default role = %q, want Employee", user.Role)
	}
}

func TestResolveAvatarChain(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)

	withPhoto := seedUser(t, fs, "has@crewdeck.dev", "hunter22!", "Employee")
	withPhoto.PhotoURL = "https://cdn.crewdeck.dev/p/1.png"
	fs.add(withPhoto)

	if got := svc.ResolveAvatar(context.Background(), withPhoto); got != "https://cdn.crewdeck.dev/p/1.png" {
		t.Fatalf("avatar = %q, want stored photo", got)
	}

	noPhoto := seedUser(t, fs, "none@crewdeck.dev", "hunter22!", "Employee")
	got := svc.ResolveAvatar(context.Background(), noPhoto)
	if !strings.Contains(got, "ui-avatars.com") || !strings.Contains(got, "Avery") {
		t.Fatalf("avatar = %q, want generated placeholder from name", got)
	}
}

func TestPlaceholderAvatarFallsBackToEmail(t *testing.T) {
	got := PlaceholderAvatar("", "jordan.lee@crewdeck.dev")
	if !strings.Contains(got, "jordan.lee") {
		t.Fatalf("placeholder = %q, want email local part", got)
	}
}

func TestSaveRolePermissionsValidatesAndNormalizes(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)
	ctx := context.Background()

	if _, err := svc.SaveRolePermissions(ctx, "Manager", permission.Matrix{"Dashbord": {View: true}}); err == nil {
		t.Fatal("expected unknown page to fail loudly")
	}

	saved, err := svc.SaveRolePermissions(ctx, "Manager", permission.Matrix{
		"Dashboard": {View: true, Insert: true, Update: true, Delete: true},
	})
	if err != nil {
		t.Fatalf("SaveRolePermissions failed: %v", err)
	}
	if !saved["Dashboard"].All {
		t.Fatal("full grants should normalize All=true")
	}
	if !fs.matrices["Manager"]["Dashboard"].All {
		t.Fatal("normalized matrix not persisted")
	}
}

func TestAssignRole(t *testing.T) {
	fs := newFakeUserStore()
	user := seedUser(t, fs, "avery@crewdeck.dev", "hunter22!", "Employee")

	svc := NewService(fs)
	if err := svc.AssignRole(context.Background(), user.ID, "  Project Manager "); err != nil {
		t.Fatalf("AssignRole failed: %v", err)
	}
	if got := fs.usersByID[user.ID].Role; got != "Project Manager" {
		t.Fatalf("role = %q, want trimmed Project Manager", got)
	}
	if err := svc.AssignRole(context.Background(), "missing", "Manager"); err == nil {
		t.Fatal("expected missing user to error")
	}
}
