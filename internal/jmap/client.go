package jmap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

const maxErrorBody = 4096

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("jmap server returned %d: %s", e.Code, e.Body)
}

// IsAuthError reports whether err is a rejected credential.
func IsAuthError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && (statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusForbidden)
}

// Client speaks the JMAP core protocol over HTTP. The session is fetched lazily and dropped
// whenever a response reports a different session state.
type Client struct {
	sessionURL string
	httpClient *http.Client
	authorize  func(*http.Request)

	mu      sync.Mutex
	session *Session
}

// NewClient creates a client for the session resource at sessionURL.
func NewClient(sessionURL string, httpClient *http.Client, authorize func(*http.Request)) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if authorize == nil {
		authorize = func(*http.Request) {}
	}
	return &Client{sessionURL: sessionURL, httpClient: httpClient, authorize: authorize}
}

// BearerAuth authorizes requests with an access token.
func BearerAuth(token string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

// BasicAuth authorizes requests with a username and password.
func BasicAuth(username, password string) func(*http.Request) {
	return func(r *http.Request) {
		r.SetBasicAuth(username, password)
	}
}

// Session returns the cached session, fetching it on first use.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s != nil {
		return s, nil
	}
	return c.RefreshSession(ctx)
}

// RefreshSession fetches the session resource.
func (c *Client) RefreshSession(ctx context.Context) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	var s Session
	if err := c.do(req, &s); err != nil {
		return nil, fmt.Errorf("failed to fetch jmap session: %w", err)
	}
	if s.APIURL == "" {
		return nil, fmt.Errorf("jmap session has no apiUrl")
	}

	c.mu.Lock()
	c.session = &s
	c.mu.Unlock()
	return &s, nil
}

// Call sends one request with the given method calls and returns the method responses.
func (c *Client) Call(ctx context.Context, using []string, calls ...Invocation) ([]Response, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(request{Using: using, MethodCalls: calls})
	if err != nil {
		return nil, fmt.Errorf("failed to encode jmap request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var resp response
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	if resp.SessionState != "" && resp.SessionState != s.State {
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
	}
	return resp.MethodResponses, nil
}

// Download fetches a blob through the session's download URL template.
func (c *Client) Download(ctx context.Context, accountID, blobID, mimeType, name string) ([]byte, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if name == "" {
		name = blobID
	}
	target := expand(s.DownloadURL, map[string]string{
		"accountId": accountID,
		"blobId":    blobID,
		"type":      mimeType,
		"name":      name,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download blob %s: %w", blobID, err)
	}
	defer func() { _ = res.Body.Close() }()
	if err := checkStatus(res); err != nil {
		return nil, err
	}
	return io.ReadAll(res.Body)
}

// Upload stores data as a blob and returns its id.
func (c *Client) Upload(ctx context.Context, accountID, contentType string, data []byte) (string, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return "", err
	}
	target := expand(s.UploadURL, map[string]string{"accountId": accountID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)

	var out struct {
		BlobID string `json:"blobId"`
	}
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("failed to upload blob: %w", err)
	}
	return out.BlobID, nil
}

func (c *Client) do(req *http.Request, out any) error {
	c.authorize(req)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if err := checkStatus(res); err != nil {
		return err
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode jmap response: %w", err)
	}
	return nil
}

func checkStatus(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	return &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
}

// expand fills the level 1 URI template variables the session URLs use.
func expand(template string, vars map[string]string) string {
	for k, v := range vars {
		template = strings.ReplaceAll(template, "{"+k+"}", url.PathEscape(v))
	}
	return template
}

// decode finds the response to callID with the given method name and decodes its arguments.
// An error response for the call is returned as *MethodError.
func decode(responses []Response, callID, name string, out any) error {
	for _, r := range responses {
		if r.CallID != callID {
			continue
		}
		switch r.Name {
		case "error":
			var methodErr MethodError
			if err := json.Unmarshal(r.Args, &methodErr); err != nil {
				return fmt.Errorf("failed to decode error for %s: %w", name, err)
			}
			return &methodErr
		case name:
			if err := json.Unmarshal(r.Args, out); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", name, err)
			}
			return nil
		}
	}
	return fmt.Errorf("no %s response for call %s", name, callID)
}

// isMethodError reports whether err is a method error of the given type.
func isMethodError(err error, errType string) bool {
	var methodErr *MethodError
	return errors.As(err, &methodErr) && methodErr.Type == errType
}
