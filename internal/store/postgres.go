package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"crewdeck/api/internal/permission"
)

var ErrNotFound = errors.New("store: not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, display_name, email, password_hash, COALESCE(photo_url, ''), role, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.PhotoURL, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, email)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	return scanUser(row)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, photo_url, role)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.PhotoURL, user.Role)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserPhoto(ctx context.Context, userID, photoURL string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET photo_url=NULLIF($2, ''), updated_at=NOW() WHERE id=$1`, userID, photoURL)
	if err != nil {
		return fmt.Errorf("update user photo: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET role=$2, updated_at=NOW() WHERE id=$1`, userID, role)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY display_name`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.PhotoURL, &user.Role, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// GetRolePermissions reads the permission matrix assigned to a role. A role
// without a stored matrix gets an empty one, which denies everything.
func (s *PostgresStore) GetRolePermissions(ctx context.Context, role string) (permission.Matrix, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT matrix FROM role_permissions WHERE role=$1`, role).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return permission.Matrix{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read role permissions: %w", err)
	}

	var matrix permission.Matrix
	if err := json.Unmarshal(blob, &matrix); err != nil {
		return nil, fmt.Errorf("decode role permissions: %w", err)
	}
	return matrix, nil
}

func (s *PostgresStore) SaveRolePermissions(ctx context.Context, role string, matrix permission.Matrix) error {
	blob, err := json.Marshal(matrix)
	if err != nil {
		return fmt.Errorf("encode role permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO role_permissions (role, matrix)
		VALUES ($1, $2)
		ON CONFLICT (role) DO UPDATE SET matrix=EXCLUDED.matrix, updated_at=NOW()
	`, role, blob)
	if err != nil {
		return fmt.Errorf("save role permissions: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRoles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role FROM role_permissions ORDER BY role`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(description, ''), status, created_by, created_at, updated_at
		FROM projects ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var project Project
		if err := rows.Scan(&project.ID, &project.Name, &project.Description, &project.Status, &project.CreatedBy, &project.CreatedAt, &project.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description, ''), status, created_by, created_at, updated_at
		FROM projects WHERE id=$1
	`, projectID).Scan(&project.ID, &project.Name, &project.Description, &project.Status, &project.CreatedBy, &project.CreatedAt, &project.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("read project: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, status, created_by)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
	`, project.ID, project.Name, project.Description, project.Status, project.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}
