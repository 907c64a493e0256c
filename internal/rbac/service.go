// Package rbac resolves user permissions and guards HTTP routes.
package rbac

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Service resolves effective permissions for users.
type Service struct {
	pool *pgxpool.Pool
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// EffectivePermissions returns the union of permissions granted through the
// user's roles.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT p.code
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.user_id = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	granted := make(map[string]struct{})
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		granted[normalize(code)] = struct{}{}
	}
	return granted, rows.Err()
}

func normalize(perm string) string {
	return strings.ToLower(strings.TrimSpace(perm))
}

func normalizePermissions(perms []string) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		if n := normalize(p); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func hasAnyPermission(granted map[string]struct{}, required []string) bool {
	for _, p := range required {
		if _, ok := granted[p]; ok {
			return true
		}
	}
	return false
}

func hasAllPermissions(granted map[string]struct{}, required []string) bool {
	for _, p := range required {
		if _, ok := granted[p]; !ok {
			return false
		}
	}
	return true
}
