package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
)

// tokenEndpoint returns a test server handing out access tokens for
// any code exchange, and recording revocations.
func tokenEndpoint(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()

	var revoked []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/token":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"access_token":"at-%s","token_type":"Bearer","expires_in":3600,"refresh_token":"rt"}`,
				r.FormValue("code")+r.FormValue("refresh_token"))
		case "/revoke":
			revoked = append(revoked, r.FormValue("token"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &revoked
}

func newTestBroker(t *testing.T, srv *httptest.Server, prompt PromptFunc) *OAuthBroker {
	t.Helper()
	return NewOAuthBroker(OAuthConfig{
		ClientID:  "client",
		AuthURL:   srv.URL + "/auth",
		TokenURL:  srv.URL + "/token",
		RevokeURL: srv.URL + "/revoke",
		Scopes:    []string{"storage.appdata"},
		Prompt:    prompt,
		Logger:    log.New(io.Discard, "", 0),
	})
}

func TestOAuthInteractiveFlow(t *testing.T) {
	srv, _ := tokenEndpoint(t)

	var promptedURL string
	broker := newTestBroker(t, srv, func(authURL string) (string, error) {
		promptedURL = authURL
		return "the-code", nil
	})

	tok, err := broker.GetToken(context.Background(), true)
	if err != nil {
		t.Fatalf("interactive flow failed: %v", err)
	}
	if tok != "at-the-code" {
		t.Errorf("token = %q, want at-the-code", tok)
	}
	if promptedURL == "" {
		t.Error("prompt never received an authorization URL")
	}

	// The grant is cached: a silent request reuses it without prompting.
	tok, err = broker.GetToken(context.Background(), false)
	if err != nil {
		t.Fatalf("silent request failed: %v", err)
	}
	if tok != "at-the-code" {
		t.Errorf("cached token = %q, want at-the-code", tok)
	}
}

func TestOAuthNonInteractiveWithoutGrant(t *testing.T) {
	srv, _ := tokenEndpoint(t)
	broker := newTestBroker(t, srv, func(authURL string) (string, error) {
		t.Fatal("non-interactive request must never prompt")
		return "", nil
	})

	_, err := broker.GetToken(context.Background(), false)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("err = %v, want *AuthError", err)
	}
}

func TestOAuthConsentDeclined(t *testing.T) {
	srv, _ := tokenEndpoint(t)
	broker := newTestBroker(t, srv, func(authURL string) (string, error) {
		return "", errors.New("declined")
	})

	_, err := broker.GetToken(context.Background(), true)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("err = %v, want *AuthError", err)
	}
}

func TestOAuthInvalidateThenSilentRefresh(t *testing.T) {
	srv, revoked := tokenEndpoint(t)

	prompts := 0
	broker := newTestBroker(t, srv, func(authURL string) (string, error) {
		prompts++
		return "the-code", nil
	})
	ctx := context.Background()

	tok, err := broker.GetToken(ctx, true)
	if err != nil {
		t.Fatalf("interactive flow failed: %v", err)
	}

	// Rejected-token recovery: drop the access token, keep the grant.
	if err := broker.InvalidateToken(ctx, tok); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	if len(*revoked) != 0 {
		t.Errorf("invalidate hit the revocation endpoint: %v", *revoked)
	}

	// The silent retry must mint a fresh token from the refresh grant
	// without prompting again.
	fresh, err := broker.GetToken(ctx, false)
	if err != nil {
		t.Fatalf("silent refresh after invalidate failed: %v", err)
	}
	if fresh != "at-rt" {
		t.Errorf("refreshed token = %q, want at-rt", fresh)
	}
	if prompts != 1 {
		t.Errorf("prompted %d times, want 1", prompts)
	}
}

func TestCacheInvalidateRecoversSilently(t *testing.T) {
	srv, _ := tokenEndpoint(t)
	broker := newTestBroker(t, srv, func(authURL string) (string, error) {
		return "the-code", nil
	})
	cache := NewCache(broker, log.New(io.Discard, "", 0))
	ctx := context.Background()

	tok, err := cache.GetToken(ctx, true)
	if err != nil {
		t.Fatalf("interactive flow failed: %v", err)
	}
	if tok != "at-the-code" {
		t.Fatalf("token = %q, want at-the-code", tok)
	}

	// Store rejected the token with 401: invalidate, then retry
	// non-interactively. The retry must succeed via the kept grant.
	if err := cache.Invalidate(ctx); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	fresh, err := cache.GetToken(ctx, false)
	if err != nil {
		t.Fatalf("non-interactive retry after invalidate failed: %v", err)
	}
	if fresh != "at-rt" {
		t.Errorf("retry token = %q, want at-rt", fresh)
	}
}

func TestOAuthRevoke(t *testing.T) {
	srv, revoked := tokenEndpoint(t)
	broker := newTestBroker(t, srv, func(authURL string) (string, error) {
		return "the-code", nil
	})

	tok, err := broker.GetToken(context.Background(), true)
	if err != nil {
		t.Fatalf("interactive flow failed: %v", err)
	}

	if err := broker.RevokeToken(context.Background(), tok); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if len(*revoked) != 1 || (*revoked)[0] != tok {
		t.Errorf("revoked = %v, want [%s]", *revoked, tok)
	}

	// The grant is dropped: the next silent request fails.
	if _, err := broker.GetToken(context.Background(), false); err == nil {
		t.Error("expected error after revocation")
	}
}
