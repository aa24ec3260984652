package directory

import (
	"kpialert/internal/config"
	"kpialert/internal/domain"
)

// User is one directory entry with role membership and contact endpoints.
// Params: identity, contact endpoints, and role flags.
// Returns: routing target for notifications and delegation checks.
type User struct {
	ID             string
	Name           string
	Email          string
	Phone          string
	DecisionMaker  bool
	ProjectManager bool
}

// Directory resolves users and role groups from configuration seeds.
// Params: immutable user map built at startup.
// Returns: lookup surface for lifecycle routing.
type Directory struct {
	users []User
	byID  map[string]User
}

// New builds a directory from validated config users.
// Params: user seeds from config.
// Returns: initialized directory.
func New(seeds []config.UserConfig) *Directory {
	dir := &Directory{byID: make(map[string]User, len(seeds))}
	for _, seed := range seeds {
		user := User{
			ID:    seed.ID,
			Name:  seed.Name,
			Email: seed.Email,
			Phone: seed.Phone,
		}
		for _, role := range seed.Roles {
			switch role {
			case config.RoleDecisionMaker:
				user.DecisionMaker = true
			case config.RoleProjectManager:
				user.ProjectManager = true
			}
		}
		dir.users = append(dir.users, user)
		dir.byID[user.ID] = user
	}
	return dir
}

// Lookup resolves one user by ID.
// Params: user identifier.
// Returns: user entry or not-found error.
func (d *Directory) Lookup(userID string) (User, error) {
	user, ok := d.byID[userID]
	if !ok {
		return User{}, domain.NotFoundError("user %q is not in the directory", userID)
	}
	return user, nil
}

// DecisionMakers returns users holding the decision-maker role.
// Params: none.
// Returns: user slice in configuration order.
func (d *Directory) DecisionMakers() []User {
	out := make([]User, 0)
	for _, user := range d.users {
		if user.DecisionMaker {
			out = append(out, user)
		}
	}
	return out
}

// ProjectManagers returns users holding the project-manager role.
// Params: none.
// Returns: user slice in configuration order.
func (d *Directory) ProjectManagers() []User {
	out := make([]User, 0)
	for _, user := range d.users {
		if user.ProjectManager {
			out = append(out, user)
		}
	}
	return out
}
