package permission

// GuardState is the navigation guard outcome for one protected screen mount.
type GuardState string

const (
	StateChecking         GuardState = "checking"
	StateAllowed          GuardState = "allowed"
	StateDenied           GuardState = "denied"
	StateRedirectToSignIn GuardState = "redirect-to-signin"
)

// GuardInput captures what is known about the caller at evaluation time.
// Hydrated is false while the permission matrix is still being restored from
// persisted state; non-privileged checks wait for it.
type GuardInput struct {
	SignedIn bool
	Hydrated bool
	Role     Role
	Matrix   Matrix
}

// Resolve evaluates the guard for a page/action. Denied and
// RedirectToSignIn are terminal for the mount; Checking asks the caller to
// re-resolve once hydration completes.
func Resolve(in GuardInput, page string, action Action) GuardState {
	if !in.SignedIn {
		return StateRedirectToSignIn
	}
	if in.Role.Privileged() {
		return StateAllowed
	}
	if !in.Hydrated {
		return StateChecking
	}
	if Has(in.Role, in.Matrix, page, action) {
		return StateAllowed
	}
	return StateDenied
}
