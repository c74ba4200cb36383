/**
 * @description
 * Bearer-token middleware for the disbursement routes. Tokens are HS256 JWTs
 * signed with the shared API_JWT_SECRET; the subject claim is exposed to
 * handlers through the request context.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and validation.
 */

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// CallerContextKey is a custom type for the context key to avoid collisions.
type CallerContextKey string

const callerSubjectKey CallerContextKey = "callerSubject"

// BearerAuthMiddleware rejects requests without a valid HS256 bearer token.
func BearerAuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				respondWithError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				return key, nil
			})
			if err != nil || !token.Valid {
				respondWithError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			subject, _ := claims.GetSubject()
			ctx := context.WithValue(r.Context(), callerSubjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerSubject returns the authenticated token subject, if any.
func CallerSubject(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(callerSubjectKey).(string)
	return subject, ok && subject != ""
}
