// Package auth adapts the concrete authentication collaborators spec §1
// treats as external (JWT, OIDC, session-cookie) into the single
// scope.User contract the resource pipeline and scope resolvers consume.
// The core never imports this package directly; it is wiring glue an
// application assembles its router with.
package auth

import (
	"strings"

	concave "github.com/concave/concave"
	"github.com/concave/concave/middlewares/jwt"
	"github.com/concave/concave/scope"
	"github.com/concave/concave/session"
)

// ClaimsUser adapts a decoded JWT claim set into scope.User. "sub" is the
// subject; "roles" may be a []any of strings (typical JSON decode shape)
// or a single comma-separated string, both accepted since different
// identity providers encode the claim differently.
type ClaimsUser struct {
	claims map[string]any
}

// FromContext builds a scope.User from the JWT claims the jwt middleware
// attached to c, or nil if no token was verified on this request.
func FromContext(c *concave.Ctx) scope.User {
	claims := jwt.GetClaims(c)
	if claims == nil {
		return nil
	}
	return ClaimsUser{claims: claims}
}

func (u ClaimsUser) Subject() string {
	sub, _ := u.claims["sub"].(string)
	return sub
}

func (u ClaimsUser) Roles() []string {
	switch v := u.claims["roles"].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		var out []string
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				out = append(out, r)
			}
		}
		return out
	default:
		return nil
	}
}

// SessionUser adapts an authenticated session (populated by an
// application's login handler, e.g. after an OIDC callback) into
// scope.User. Subject and roles are read from well-known session keys so
// any session-cookie based login flow can populate them the same way.
type SessionUser struct {
	sess *session.Session
}

// FromSession builds a scope.User from the session attached to c, or nil
// if no session carries a "userId".
func FromSession(c *concave.Ctx) scope.User {
	sess := session.Get(c)
	if sess == nil {
		return nil
	}
	if _, ok := sess.Get("userId").(string); !ok {
		return nil
	}
	return SessionUser{sess: sess}
}

func (u SessionUser) Subject() string {
	s, _ := u.sess.Get("userId").(string)
	return s
}

func (u SessionUser) Roles() []string {
	roles, _ := u.sess.Get("roles").([]string)
	return roles
}
