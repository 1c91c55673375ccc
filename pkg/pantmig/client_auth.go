package pantmig

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Public auth endpoints. These never receive a bearer header from the
// AuthTransport; rewriting credentials on the calls that mint them is how
// refresh loops are born.
const (
	PathLogin    = "/auth/login"
	PathRegister = "/auth/register"
	PathRefresh  = "/auth/refresh"
	PathMe       = "/auth/me"
)

// Login exchanges credentials for a session payload. Expected auth rejections
// (wrong password, unknown user) come back inside the LoginResult envelope
// with a nil error so callers can show ErrorMessage as-is; only transport and
// protocol problems are returned as errors.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	resp, err := c.doJSON(ctx, http.MethodPost, PathLogin, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	// The envelope shape is used for both the success and the rejection
	// case, regardless of status code.
	var result LoginResult
	if err := json.Unmarshal(bodyBytes, &result); err == nil {
		if result.AuthResponse != nil || result.ErrorMessage != "" {
			return &result, nil
		}
	}

	if err := parseErrorResponse(resp, bodyBytes); err != nil {
		return nil, err
	}
	return &result, nil
}

// RefreshTokens exchanges the refresh token for a new token pair. Unlike
// login, the payload comes back unwrapped.
func (c *Client) RefreshTokens(ctx context.Context, accessToken, refreshToken string) (*AuthResponse, error) {
	resp, err := c.doJSON(ctx, http.MethodPost, PathRefresh, RefreshRequest{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	})
	if err != nil {
		return nil, err
	}

	var auth AuthResponse
	if err := decodeJSON(resp, &auth, http.StatusOK); err != nil {
		return nil, err
	}
	return &auth, nil
}

// Me returns the identity behind the current credentials. Used only for
// cold-start rehydration when the cached profile is missing.
func (c *Client) Me(ctx context.Context) (*MeResponse, error) {
	resp, err := c.doJSON(ctx, http.MethodGet, PathMe, nil)
	if err != nil {
		return nil, err
	}

	var me MeResponse
	if err := decodeJSON(resp, &me, http.StatusOK); err != nil {
		return nil, err
	}
	return &me, nil
}
