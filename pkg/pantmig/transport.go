package pantmig

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Rosenorn-Solutions/pantmig-go/pkg/credstore"
)

// DefaultRefreshLead is how close to expiry a token may get before an
// outbound request refreshes it pre-emptively.
const DefaultRefreshLead = 30 * time.Second

// AuthTransport authenticates every outbound API call. It injects the bearer
// credential, refreshes pre-emptively when the token is near expiry, and on
// a 401 performs exactly one reactive refresh-and-retry. The public auth
// endpoints are passed through untouched.
type AuthTransport struct {
	// Base is the underlying transport; nil means http.DefaultTransport.
	Base http.RoundTripper

	Store     credstore.Store
	Refresher *Refresher

	// RefreshLead overrides DefaultRefreshLead.
	RefreshLead time.Duration
}

var _ http.RoundTripper = (*AuthTransport)(nil)

func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if isPublicAuthPath(req.URL.Path) {
		return t.base().RoundTrip(req)
	}

	ctx := req.Context()

	tokens, err := t.Store.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	token := tokens.AccessToken

	// Pre-emptive refresh near expiry. Fail-open: if the refresh does not
	// pan out the request goes ahead with the old token and the server
	// gets the final say.
	if token != "" && tokens.ExpiresAt != nil && time.Until(*tokens.ExpiresAt) <= t.lead() {
		if auth, rerr := t.Refresher.Refresh(ctx); rerr == nil {
			token = auth.AccessToken
		}
	}

	authed := req.Clone(ctx)
	if token != "" {
		authed.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.base().RoundTrip(authed)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// Reactive path: one refresh, one replay, never more. A request whose
	// body cannot be replayed keeps its original 401.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	auth, rerr := t.Refresher.Refresh(ctx)
	if rerr != nil {
		return resp, nil // propagate the original 401 unmodified
	}

	// The original response is done with; the retry's outcome replaces it.
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, berr := req.GetBody()
		if berr != nil {
			return nil, berr
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+auth.AccessToken)

	return t.base().RoundTrip(retry)
}

func (t *AuthTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *AuthTransport) lead() time.Duration {
	if t.RefreshLead > 0 {
		return t.RefreshLead
	}
	return DefaultRefreshLead
}

// isPublicAuthPath reports whether the path is one of the three public auth
// endpoints that must never have their bearer header rewritten.
func isPublicAuthPath(path string) bool {
	for _, public := range []string{PathLogin, PathRegister, PathRefresh} {
		if strings.HasSuffix(path, public) {
			return true
		}
	}
	return false
}
