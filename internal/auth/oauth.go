package auth

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// PromptFunc collects user consent for an interactive authorization.
// It receives the authorization URL and returns the code the user
// obtained by visiting it. Tests substitute a canned prompt.
type PromptFunc func(authURL string) (code string, err error)

// OAuthBroker is the TokenBroker implementation backed by an OAuth2
// authorization-code flow.
//
// Interactive requests walk the user through consent; non-interactive
// requests refresh an existing grant silently and fail if there is
// none. The broker keeps its grant in memory only.
type OAuthBroker struct {
	cfg       *oauth2.Config
	revokeURL string
	prompt    PromptFunc
	client    *http.Client
	logger    *log.Logger

	mu    sync.Mutex
	token *oauth2.Token
}

// OAuthConfig configures the broker.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RevokeURL    string
	Scopes       []string

	// Prompt is invoked for interactive authorization.
	// If nil, a terminal prompt is used.
	Prompt PromptFunc

	// Logger for broker activity. If nil, a stderr default is used.
	Logger *log.Logger
}

// NewOAuthBroker creates a broker from the given configuration.
func NewOAuthBroker(cfg OAuthConfig) *OAuthBroker {
	prompt := cfg.Prompt
	if prompt == nil {
		prompt = terminalPrompt
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}
	return &OAuthBroker{
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		revokeURL: cfg.RevokeURL,
		prompt:    prompt,
		client:    http.DefaultClient,
		logger:    logger,
	}
}

// GetToken implements TokenBroker.
func (b *OAuthBroker) GetToken(ctx context.Context, interactive bool) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != nil && b.token.Valid() {
		return b.token.AccessToken, nil
	}

	// Try a silent refresh of an existing grant first.
	if b.token != nil && b.token.RefreshToken != "" {
		fresh, err := b.cfg.TokenSource(ctx, b.token).Token()
		if err == nil {
			b.token = fresh
			return fresh.AccessToken, nil
		}
		b.logger.Printf("Token refresh failed: %v", err)
		b.token = nil
		if !interactive {
			return "", &AuthError{Reason: "token refresh failed", Err: err}
		}
	}

	if !interactive {
		return "", &AuthError{Reason: "no token available without user interaction"}
	}

	authURL := b.cfg.AuthCodeURL(uuid.NewString(), oauth2.AccessTypeOffline)
	code, err := b.prompt(authURL)
	if err != nil {
		return "", &AuthError{Reason: "consent not granted", Err: err}
	}

	token, err := b.cfg.Exchange(ctx, code)
	if err != nil {
		return "", &AuthError{Reason: "code exchange failed", Err: err}
	}

	b.token = token
	return token.AccessToken, nil
}

// InvalidateToken implements TokenBroker. Only the access token is
// dropped; the refresh grant is kept so the next non-interactive
// GetToken can mint a replacement silently. A token the store already
// rejected would otherwise still look locally valid and be returned
// again.
func (b *OAuthBroker) InvalidateToken(ctx context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != nil && b.token.AccessToken == token {
		b.token.AccessToken = ""
	}
	return nil
}

// RevokeToken implements TokenBroker. The grant is dropped locally
// even when the revocation endpoint is unreachable or unconfigured.
func (b *OAuthBroker) RevokeToken(ctx context.Context, token string) error {
	b.mu.Lock()
	b.token = nil
	b.mu.Unlock()

	if b.revokeURL == "" || token == "" {
		return nil
	}

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.revokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("revoke endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// terminalPrompt walks the user through consent on the terminal.
func terminalPrompt(authURL string) (string, error) {
	var proceed bool
	confirm := huh.NewConfirm().
		Title("Authorize shelfsync?").
		Description("Sync needs permission to read and write its private storage namespace.").
		Value(&proceed)
	if err := huh.NewForm(huh.NewGroup(confirm)).Run(); err != nil {
		return "", err
	}
	if !proceed {
		return "", fmt.Errorf("consent declined")
	}

	fmt.Printf("Open this URL in your browser to continue:\n\n  %s\n\n", authURL)

	var code string
	input := huh.NewInput().
		Title("Authorization code").
		Value(&code)
	if err := huh.NewForm(huh.NewGroup(input)).Run(); err != nil {
		return "", err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("empty authorization code")
	}
	return code, nil
}
