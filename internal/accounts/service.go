// Package accounts provides email/password authentication, avatar
// resolution, and role-permission management.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"crewdeck/api/internal/permission"
	"crewdeck/api/internal/store"
	"crewdeck/api/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailExists        = errors.New("email already registered")
)

// UserStore defines the storage interface for accounts
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	UpdateUserPhoto(ctx context.Context, userID, photoURL string) error
	UpdateUserRole(ctx context.Context, userID, role string) error
	GetRolePermissions(ctx context.Context, role string) (permission.Matrix, error)
	SaveRolePermissions(ctx context.Context, role string, matrix permission.Matrix) error
	ListRoles(ctx context.Context) ([]string, error)
}

type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
}

// SignUp creates a new user account with the default role and no grants.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	if req.Email == "" || req.Password == "" || req.DisplayName == "" {
		return store.User{}, errors.New("email, password, and display name are required")
	}
	if len(req.Password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetUserByEmail(ctx, req.Email); err == nil {
		return store.User{}, ErrEmailExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID(""),
		DisplayName:  req.DisplayName,
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		PasswordHash: string(hash),
		Role:         string(permission.RoleEmployee),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignIn authenticates a user and loads the permission matrix for its role.
// Every failure mode reads the same to the caller.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, permission.Matrix, error) {
	if email == "" || password == "" {
		return store.User{}, nil, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, nil, ErrInvalidCredentials
	}

	matrix, err := s.store.GetRolePermissions(ctx, user.Role)
	if err != nil {
		return store.User{}, nil, fmt.Errorf("load role permissions: %w", err)
	}

	user.PhotoURL = s.ResolveAvatar(ctx, user)
	return user, matrix, nil
}

// ResolveAvatar picks the profile image: stored photo by user id, then by
// email, then a generated placeholder. First non-empty result wins.
func (s *Service) ResolveAvatar(ctx context.Context, user store.User) string {
	if byID, err := s.store.GetUserByID(ctx, user.ID); err == nil && byID.PhotoURL != "" {
		return byID.PhotoURL
	}
	if byEmail, err := s.store.GetUserByEmail(ctx, user.Email); err == nil && byEmail.PhotoURL != "" {
		return byEmail.PhotoURL
	}
	return PlaceholderAvatar(user.DisplayName, user.Email)
}

// PlaceholderAvatar derives a generated avatar URL from the display name,
// falling back to the email local part.
func PlaceholderAvatar(name, email string) string {
	label := strings.TrimSpace(name)
	if label == "" {
		label = email
		if at := strings.IndexByte(label, '@'); at > 0 {
			label = label[:at]
		}
	}
	return "https://ui-avatars.com/api/?background=random&name=" + url.QueryEscape(label)
}

// SaveRolePermissions validates the matrix against the page registry and
// normalizes the All invariant before persisting. Unknown pages or actions
// fail loudly here; lookup elsewhere stays default-deny.
func (s *Service) SaveRolePermissions(ctx context.Context, role string, matrix permission.Matrix) (permission.Matrix, error) {
	role = strings.TrimSpace(role)
	if role == "" {
		return nil, errors.New("role is required")
	}

	validated, err := permission.ValidateMatrix(matrix)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveRolePermissions(ctx, role, validated); err != nil {
		return nil, err
	}
	return validated, nil
}

func (s *Service) RolePermissions(ctx context.Context, role string) (permission.Matrix, error) {
	return s.store.GetRolePermissions(ctx, strings.TrimSpace(role))
}

func (s *Service) ListRoles(ctx context.Context) ([]string, error) {
	return s.store.ListRoles(ctx)
}

// AssignRole moves a user onto a role tag. Custom tags are allowed; they
// deny everything until a matrix is saved for them.
func (s *Service) AssignRole(ctx context.Context, userID, role string) error {
	role = string(permission.Normalize(role))
	if role == "" {
		return errors.New("role is required")
	}
	return s.store.UpdateUserRole(ctx, userID, role)
}
