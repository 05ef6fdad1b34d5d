package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type reviewerKey struct{}

// BearerAuth guards the governance surface with HS256 JWTs. The token
// subject identifies the reviewer. An empty secret disables authentication,
// which Config.Validate refuses in production.
func BearerAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenStr == "" {
				WriteProblem(w, r, http.StatusUnauthorized, "Unauthorized", "Bearer token required")
				return
			}

			token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				WriteProblem(w, r, http.StatusUnauthorized, "Unauthorized", "Invalid or expired token")
				return
			}
			subject, err := token.Claims.GetSubject()
			if err != nil || subject == "" {
				WriteProblem(w, r, http.StatusUnauthorized, "Unauthorized", "Token has no subject")
				return
			}

			ctx := context.WithValue(r.Context(), reviewerKey{}, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Reviewer returns the authenticated reviewer id, or empty when the
// governance surface runs unauthenticated.
func Reviewer(ctx context.Context) string {
	if id, ok := ctx.Value(reviewerKey{}).(string); ok {
		return id
	}
	return ""
}

// SignReviewerToken mints a reviewer token, used by operator tooling and
// tests.
func SignReviewerToken(secret, reviewerID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": reviewerID,
		"iss": "integrity-spine",
	})
	return token.SignedString([]byte(secret))
}
