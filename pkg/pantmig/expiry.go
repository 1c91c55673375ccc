package pantmig

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiry resolves the access token expiry for an auth payload. The
// server usually sends accessTokenExpiration outright; when it does not, the
// exp claim of the JWT itself is the fallback. The token is not verified
// here: the client has no signing keys and only needs the timestamp to
// schedule a refresh, the server remains the authority on validity.
func tokenExpiry(auth *AuthResponse) *time.Time {
	if auth.AccessTokenExpiration != nil {
		return auth.AccessTokenExpiration
	}
	if auth.AccessToken == "" {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(auth.AccessToken, claims); err != nil {
		return nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time
	return &t
}
