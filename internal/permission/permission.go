// Package permission answers "can this role perform this action on this page".
// Unknown pages and actions resolve to a denial, never an error: a typo in a
// page name silently denies access rather than granting it.
package permission

import (
	"fmt"
	"strings"
	"sync"
)

type Role string
type Action string

const (
	// RoleAdmin bypasses every permission check.
	RoleAdmin          Role = "Admin"
	RoleManager        Role = "Manager"
	RoleEmployee       Role = "Employee"
	RoleProjectManager Role = "Project Manager"
)

const (
	ActionAll    Action = "All"
	ActionView   Action = "View"
	ActionInsert Action = "Insert"
	ActionUpdate Action = "Update"
	ActionDelete Action = "Delete"
)

// Normalize trims a stored role tag. Roles are an open set: custom tags are
// kept as-is, only the Admin tag carries privilege.
func Normalize(role string) Role {
	return Role(strings.TrimSpace(role))
}

func (r Role) Privileged() bool {
	return r == RoleAdmin
}

func ParseAction(raw string) (Action, error) {
	switch Action(strings.TrimSpace(raw)) {
	case ActionAll:
		return ActionAll, nil
	case ActionView:
		return ActionView, nil
	case ActionInsert:
		return ActionInsert, nil
	case ActionUpdate:
		return ActionUpdate, nil
	case ActionDelete:
		return ActionDelete, nil
	default:
		return "", fmt.Errorf("unknown permission action %q", raw)
	}
}

// Record holds the action grants for a single page. A zero Record denies
// everything.
type Record struct {
	All    bool `json:"All"`
	View   bool `json:"View"`
	Insert bool `json:"Insert"`
	Update bool `json:"Update"`
	Delete bool `json:"Delete"`
}

// Allows reports whether the record grants the action. All=true grants every
// action regardless of the individual flags.
func (r Record) Allows(action Action) bool {
	if r.All {
		return true
	}
	switch action {
	case ActionAll:
		return false
	case ActionView:
		return r.View
	case ActionInsert:
		return r.Insert
	case ActionUpdate:
		return r.Update
	case ActionDelete:
		return r.Delete
	default:
		return false
	}
}

// Normalized applies the All invariant in both directions: All=true expands to
// every concrete action, and a record with every concrete action granted gets
// All set. A record missing any concrete grant has All cleared.
func (r Record) Normalized() Record {
	if r.All {
		return Record{All: true, View: true, Insert: true, Update: true, Delete: true}
	}
	if r.View && r.Insert && r.Update && r.Delete {
		r.All = true
	}
	return r
}

// Matrix maps page names to their grants for one role.
type Matrix map[string]Record

// Has is the single permission check. Pure function of its inputs.
func Has(role Role, matrix Matrix, page string, action Action) bool {
	if role.Privileged() {
		return true
	}
	if len(matrix) == 0 {
		return false
	}
	record, ok := matrix[page]
	if !ok {
		return false
	}
	return record.Allows(action)
}

func CanView(role Role, matrix Matrix, page string) bool {
	return Has(role, matrix, page, ActionView)
}

func CanCreate(role Role, matrix Matrix, page string) bool {
	return Has(role, matrix, page, ActionInsert)
}

func CanUpdate(role Role, matrix Matrix, page string) bool {
	return Has(role, matrix, page, ActionUpdate)
}

func CanDelete(role Role, matrix Matrix, page string) bool {
	return Has(role, matrix, page, ActionDelete)
}

const (
	PageDashboard      = "Dashboard"
	PageProjectForm    = "Project Form"
	PageProjects       = "Projects"
	PageRoleManagement = "Role Management"
	PageUserManagement = "User Management"
	PageOrganization   = "Organization"
	PageReports        = "Reports"
	PageChat           = "Chat"
)

// Known pages. Grants are only assigned against this registry so that a typo
// in the role-management surface fails loudly instead of silently denying.
// RegisterPage may run after startup, so the registry is lock-guarded.
var (
	pagesMu    sync.RWMutex
	knownPages = map[string]struct{}{
		PageDashboard:      {},
		PageProjectForm:    {},
		PageProjects:       {},
		PageRoleManagement: {},
		PageUserManagement: {},
		PageOrganization:   {},
		PageReports:        {},
		PageChat:           {},
	}
)

func KnownPage(page string) bool {
	pagesMu.RLock()
	defer pagesMu.RUnlock()
	_, ok := knownPages[page]
	return ok
}

func RegisterPage(page string) {
	page = strings.TrimSpace(page)
	if page == "" {
		return
	}
	pagesMu.Lock()
	defer pagesMu.Unlock()
	knownPages[page] = struct{}{}
}

// ValidateMatrix rejects grants for unregistered pages and normalizes each
// record. Lookup stays default-deny; only assignment is strict.
func ValidateMatrix(matrix Matrix) (Matrix, error) {
	validated := make(Matrix, len(matrix))
	for page, record := range matrix {
		if !KnownPage(page) {
			return nil, fmt.Errorf("unknown page %q", page)
		}
		validated[page] = record.Normalized()
	}
	return validated, nil
}
