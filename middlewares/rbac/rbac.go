// Package rbac attaches a role/permission-bearing User to the request
// context and provides guard middleware built on top of it.
package rbac

import (
	"context"
	"net/http"

	concave "github.com/concave/concave"
)

// User is the subject attached to the request context by an upstream
// authentication middleware.
type User struct {
	ID          string
	Roles       []string
	Permissions []string
}

type ctxKey struct{}

// Set attaches user to the request context carried by c. Authentication
// middleware calls this once a subject has been resolved.
func Set(c *concave.Ctx, user *User) {
	ctx := context.WithValue(c.Context(), ctxKey{}, user)
	*c.Request() = *c.Request().WithContext(ctx)
}

// Get returns the User attached to c, or nil if none was set.
func Get(c *concave.Ctx) *User {
	u, _ := c.Context().Value(ctxKey{}).(*User)
	return u
}

// HasRole reports whether the user attached to c holds role. It returns
// false when no user is attached.
func HasRole(c *concave.Ctx, role string) bool {
	u := Get(c)
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func hasPermission(u *User, perm string) bool {
	for _, p := range u.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

func forbidden(c *concave.Ctx) error {
	return c.Text(http.StatusForbidden, "forbidden")
}

// RequireRole rejects the request with 403 unless the attached user holds
// role.
func RequireRole(role string) concave.Middleware {
	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			if !HasRole(c, role) {
				return forbidden(c)
			}
			return next(c)
		}
	}
}

// RequireAnyRole rejects the request with 403 unless the attached user
// holds at least one of roles.
func RequireAnyRole(roles ...string) concave.Middleware {
	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			for _, role := range roles {
				if HasRole(c, role) {
					return next(c)
				}
			}
			return forbidden(c)
		}
	}
}

// RequireAllRoles rejects the request with 403 unless the attached user
// holds every role in roles.
func RequireAllRoles(roles ...string) concave.Middleware {
	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			for _, role := range roles {
				if !HasRole(c, role) {
					return forbidden(c)
				}
			}
			return next(c)
		}
	}
}

// RequirePermission rejects the request with 403 unless the attached user
// holds perm.
func RequirePermission(perm string) concave.Middleware {
	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			u := Get(c)
			if u == nil || !hasPermission(u, perm) {
				return forbidden(c)
			}
			return next(c)
		}
	}
}

// Admin is shorthand for RequireRole("admin").
func Admin() concave.Middleware {
	return RequireRole("admin")
}

// Authenticated rejects the request with 401 unless a user is attached to
// the context.
func Authenticated() concave.Middleware {
	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			if Get(c) == nil {
				return c.Text(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}
