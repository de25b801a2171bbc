// Package remote provides the authenticated client for the remote
// object store that mirrors shelfsync documents.
//
// All operations run inside a fixed, user-invisible namespace and are
// looked up by name on every pass: remote state is the source of truth
// for object existence and identity, so handles are never cached
// across syncs.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/shelfsync/shelfsync/internal/auth"
	"github.com/shelfsync/shelfsync/internal/schema"
)

// TokenSource supplies bearer tokens for store requests.
// Implemented by *auth.Cache.
type TokenSource interface {
	GetToken(ctx context.Context, interactive bool) (string, error)
	Invalidate(ctx context.Context) error
}

// FileHandle identifies a remote object at one point in time.
// Transient: looked up fresh each sync pass, never cached.
type FileHandle struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ModifiedTime time.Time `json:"modifiedTime"`
}

// Client is the thin wrapper over the object store API.
type Client struct {
	baseURL   string
	namespace string
	tokens    TokenSource
	httpc     *http.Client
	logger    *log.Logger
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the store API root, e.g. "https://store.example.com/v1".
	BaseURL string

	// Namespace is the private namespace all operations are scoped to.
	Namespace string

	// HTTPClient overrides the HTTP client (default: 30s timeout).
	HTTPClient *http.Client

	// Logger for client activity. If nil, a stderr default is used.
	Logger *log.Logger
}

// NewClient creates a store client. Tokens come from the given source;
// every request is wrapped by the authenticated-request helper.
func NewClient(cfg Config, tokens TokenSource) *Client {
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "appData"
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		namespace: namespace,
		tokens:    tokens,
		httpc:     httpc,
		logger:    logger,
	}
}

// FindByName looks up the handle for a named object in the namespace.
// Returns ErrNotFound if no object with that name exists.
func (c *Client) FindByName(ctx context.Context, name string) (*FileHandle, error) {
	query := url.Values{
		"name":   {name},
		"spaces": {c.namespace},
		"fields": {"files(id,name,modifiedTime)"},
	}
	resp, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			c.baseURL+"/files?"+query.Encode(), nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		Files []FileHandle `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to decode file list: %w", err)}
	}
	if len(result.Files) == 0 {
		return nil, ErrNotFound
	}
	return &result.Files[0], nil
}

// Download fetches a document by object id. The document is returned
// with its envelope intact so the caller can compare timestamps.
// Returns a *schema.MalformedError if the body is unusable.
func (c *Client) Download(ctx context.Context, id string) (*schema.Document, error) {
	resp, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/files/%s?alt=media", c.baseURL, url.PathEscape(id)), nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to read document body: %w", err)}
	}

	doc, err := schema.ParseDocument(body)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Upload creates or replaces a named document. Creates a new object
// when existingID is empty, replaces in place otherwise. The document
// is serialized exactly as given: upload mirrors whatever envelope the
// owner already stamped.
func (c *Client) Upload(ctx context.Context, name string, doc *schema.Document, existingID string) error {
	body, err := doc.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	resp, err := c.do(ctx, func() (*http.Request, error) {
		var req *http.Request
		var err error
		if existingID == "" {
			query := url.Values{
				"uploadType": {"media"},
				"name":       {name},
				"spaces":     {c.namespace},
			}
			req, err = http.NewRequestWithContext(ctx, http.MethodPost,
				c.baseURL+"/files?"+query.Encode(), bytes.NewReader(body))
		} else {
			req, err = http.NewRequestWithContext(ctx, http.MethodPatch,
				fmt.Sprintf("%s/files/%s?uploadType=media", c.baseURL, url.PathEscape(existingID)),
				bytes.NewReader(body))
		}
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}

// do runs a request through the authenticated-request helper: attach
// the bearer token; on 401 invalidate the cached token exactly once
// and retry with a freshly (non-interactively) obtained one; on 403
// fail with a PermissionError; surface any other non-2xx status as a
// TransportError. Never recurses past the single retry.
func (c *Client) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	resp, err := c.send(ctx, build)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		c.logger.Printf("Token rejected (401), refreshing and retrying once")
		if err := c.tokens.Invalidate(ctx); err != nil {
			c.logger.Printf("Warning: token invalidation failed: %v", err)
		}
		resp, err = c.send(ctx, build)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		_ = resp.Body.Close()
		return nil, &auth.AuthError{Reason: "token rejected after refresh"}
	case resp.StatusCode == http.StatusForbidden:
		detail := readErrorDetail(resp)
		_ = resp.Body.Close()
		return nil, &PermissionError{Detail: detail}
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		_ = resp.Body.Close()
		return nil, &TransportError{Status: resp.StatusCode}
	}

	return resp, nil
}

// send builds a fresh request, attaches the current token, and issues it.
func (c *Client) send(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	token, err := c.tokens.GetToken(ctx, false)
	if err != nil {
		return nil, err
	}

	req, err := build()
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

// readErrorDetail extracts a short diagnostic string from an error
// response body, if the store sent one.
func readErrorDetail(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil || len(body) == 0 {
		return ""
	}
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	return string(body)
}
