package permission

import (
	"fmt"
	"sync"
	"testing"
)

func TestHasDefaultDeny(t *testing.T) {
	roles := []Role{RoleManager, RoleEmployee, RoleProjectManager, Role("Contractor")}
	pages := []string{"Dashboard", "Project Form", "Nonexistent Page"}
	actions := []Action{ActionView, ActionInsert, ActionUpdate, ActionDelete}

	for _, role := range roles {
		for _, page := range pages {
			for _, action := range actions {
				if Has(role, Matrix{}, page, action) {
					t.Fatalf("Has(%s, empty, %s, %s) = true, want false", role, page, action)
				}
				if Has(role, nil, page, action) {
					t.Fatalf("Has(%s, nil, %s, %s) = true, want false", role, page, action)
				}
			}
		}
	}
}

func TestHasAllGrantsEveryAction(t *testing.T) {
	// Individual flags left false on purpose: All wins regardless.
	matrix := Matrix{"Dashboard": {All: true}}

	for _, action := range []Action{ActionView, ActionInsert, ActionUpdate, ActionDelete} {
		if !Has(RoleEmployee, matrix, "Dashboard", action) {
			t.Fatalf("Has(Employee, All=true, Dashboard, %s) = false, want true", action)
		}
	}
}

func TestHasAdminBypassesEmptyMatrix(t *testing.T) {
	for _, page := range []string{"Dashboard", "Role Management", "Made Up"} {
		for _, action := range []Action{ActionView, ActionInsert, ActionUpdate, ActionDelete} {
			if !Has(RoleAdmin, nil, page, action) {
				t.Fatalf("Has(Admin, nil, %s, %s) = false, want true", page, action)
			}
		}
	}
}

func TestHasMissingPageDenies(t *testing.T) {
	matrix := Matrix{"Dashboard": {View: true}}
	if Has(RoleEmployee, matrix, "Reports", ActionView) {
		t.Fatal("expected missing page to deny")
	}
	if !Has(RoleEmployee, matrix, "Dashboard", ActionView) {
		t.Fatal("expected granted page/action to allow")
	}
	if Has(RoleEmployee, matrix, "Dashboard", ActionDelete) {
		t.Fatal("expected ungranted action to deny")
	}
}

func TestDerivedChecks(t *testing.T) {
	matrix := Matrix{"Projects": {View: true, Insert: true}}

	if !CanView(RoleManager, matrix, "Projects") {
		t.Fatal("CanView = false, want true")
	}
	if !CanCreate(RoleManager, matrix, "Projects") {
		t.Fatal("CanCreate = false, want true")
	}
	if CanUpdate(RoleManager, matrix, "Projects") {
		t.Fatal("CanUpdate = true, want false")
	}
	if CanDelete(RoleManager, matrix, "Projects") {
		t.Fatal("CanDelete = true, want false")
	}
}

func TestRecordNormalized(t *testing.T) {
	tests := []struct {
		name string
		in   Record
		want Record
	}{
		{
			name: "all concrete grants set All",
			in:   Record{View: true, Insert: true, Update: true, Delete: true},
			want: Record{All: true, View: true, Insert: true, Update: true, Delete: true},
		},
		{
			name: "All expands to concrete grants",
			in:   Record{All: true},
			want: Record{All: true, View: true, Insert: true, Update: true, Delete: true},
		},
		{
			name: "partial grants leave All clear",
			in:   Record{View: true, Insert: true},
			want: Record{View: true, Insert: true},
		},
		{
			name: "zero record stays zero",
			in:   Record{},
			want: Record{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.in.Normalized(); got != tc.want {
				t.Fatalf("Normalized() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestParseAction(t *testing.T) {
	if _, err := ParseAction("View"); err != nil {
		t.Fatalf("ParseAction(View) error = %v", err)
	}
	if _, err := ParseAction("Veiw"); err == nil {
		t.Fatal("expected ParseAction to reject a typo'd action")
	}
}

func TestValidateMatrixRejectsUnknownPage(t *testing.T) {
	if _, err := ValidateMatrix(Matrix{"Dashbord": {View: true}}); err == nil {
		t.Fatal("expected unknown page to be rejected at assignment")
	}

	validated, err := ValidateMatrix(Matrix{"Dashboard": {View: true, Insert: true, Update: true, Delete: true}})
	if err != nil {
		t.Fatalf("ValidateMatrix() error = %v", err)
	}
	if !validated["Dashboard"].All {
		t.Fatal("expected validation to normalize full grants into All")
	}
}

func TestRegisterPage(t *testing.T) {
	if KnownPage("Inventory") {
		t.Fatal("Inventory should not be registered yet")
	}
	RegisterPage("Inventory")
	if !KnownPage("Inventory") {
		t.Fatal("RegisterPage did not take effect")
	}
}

func TestRegisterPageConcurrentWithLookups(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		page := fmt.Sprintf("Surface %d", i)
		go func() {
			defer wg.Done()
			RegisterPage(page)
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				KnownPage(PageDashboard)
				if _, err := ValidateMatrix(Matrix{PageChat: {View: true}}); err != nil {
					t.Errorf("ValidateMatrix() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		if page := fmt.Sprintf("Surface %d", i); !KnownPage(page) {
			t.Fatalf("page %q lost during concurrent registration", page)
		}
	}
}
