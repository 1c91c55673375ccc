package pantmig

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Wire Types (JSON shapes of the PantMig REST API)
// ============================================================================

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	// EmailOrUsername accepts either identifier form.
	EmailOrUsername string `json:"emailOrUsername"`
	Password        string `json:"password"`
}

// LoginResult is the envelope returned by POST /auth/login. Exactly one of
// AuthResponse and ErrorMessage is set: expected auth rejections (bad
// credentials) arrive as ErrorMessage, not as an error.
type LoginResult struct {
	AuthResponse *AuthResponse `json:"authResponse,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// AuthResponse is the auth payload shared by the login envelope and the
// refresh endpoint (which returns it unwrapped).
type AuthResponse struct {
	AccessToken           string     `json:"accessToken,omitempty"`
	RefreshToken          string     `json:"refreshToken,omitempty"`
	AccessTokenExpiration *time.Time `json:"accessTokenExpiration,omitempty"`

	UserID    string `json:"userId"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`

	// UserType is the server's numeric account type code: 0 donor, 1 recycler.
	UserType int `json:"userType"`

	CityExternalID string `json:"cityExternalId,omitempty"`
	CityName       string `json:"cityName,omitempty"`
	Gender         string `json:"gender,omitempty"`
	BirthDate      string `json:"birthDate,omitempty"`
}

// MeResponse is returned by GET /auth/me, used only for cold-start
// rehydration when no cached profile exists.
type MeResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	CityName  string `json:"cityName,omitempty"`
	Gender    string `json:"gender,omitempty"`
	BirthDate string `json:"birthDate,omitempty"`
}

// MarkReadRequest is the body of POST /notifications/mark-read.
type MarkReadRequest struct {
	IDs []int64 `json:"ids"`
}

// ============================================================================
// Session Types
// ============================================================================

// Role is the marketplace side of the signed-in user.
type Role string

const (
	RoleUnset    Role = ""
	RoleDonor    Role = "Donor"
	RoleRecycler Role = "Recycler"
)

// roleFromUserType maps the server's numeric user-type code to a Role.
func roleFromUserType(code int) Role {
	switch code {
	case 0:
		return RoleDonor
	case 1:
		return RoleRecycler
	default:
		return RoleUnset
	}
}

// Session is the in-memory session state owned by the SessionManager and
// mirrored into the credential store on every mutation.
type Session struct {
	UserID      string
	Email       string
	DisplayName string
	Role        Role

	AccessToken       string
	RefreshToken      string
	AccessTokenExpiry *time.Time
}

// Authenticated reports whether the session holds a usable access token. The
// refresh token may outlive the access token's validity window, so an expired
// access token with a refresh token on hand still counts as authenticated.
func (s Session) Authenticated() bool {
	return s.AccessToken != ""
}

// Profile is the cached identity persisted under the "user" key so restarts
// do not need a network round trip to know who is signed in.
type Profile struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      Role   `json:"role"`
	CityName  string `json:"cityName,omitempty"`
	Gender    string `json:"gender,omitempty"`
	BirthDate string `json:"birthDate,omitempty"`
}

func (p Profile) displayName() string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	default:
		return p.Email
	}
}

func (p Profile) encode() string {
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeProfile(raw string) (Profile, error) {
	var p Profile
	err := json.Unmarshal([]byte(raw), &p)
	return p, err
}

// normalizeBirthDate reduces a birth timestamp to its date-only form. The
// server is inconsistent about whether it sends a bare date or a full
// timestamp; everything after the date is discarded.
func normalizeBirthDate(raw string) string {
	if raw == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02")
		}
	}
	if len(raw) > 10 {
		return raw[:10]
	}
	return raw
}
