package erp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"writeoff-bot/internal/integrations/paramstore"
)

// sessionLifetime is how long an ERP session key stays valid. The backend
// expires keys after roughly fifteen minutes.
const sessionLifetime = 15 * time.Minute

const (
	authTimeout   = 10 * time.Second
	logoutTimeout = 5 * time.Second
)

// Credentials is the JSON shape stored in the parameter store for the ERP
// login pair.
type Credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// AuthError is a credential or auth-endpoint failure. Surfaced as a warning
// at startup and retried lazily on the next use.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("erp: auth failed: %s", e.Reason)
	}
	return fmt.Sprintf("erp: auth failed: %s: %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Session obtains and refreshes the opaque bearer key for the ERP backend.
//
// EnsureValid returns the cached key while it is younger than the lifetime
// and re-authenticates otherwise. Authenticate itself is deliberately not
// serialized: concurrent refreshes may each perform their own credential
// exchange and the latest write wins. The mutex below only keeps the token
// fields themselves consistent.
type Session struct {
	baseURL    string
	httpClient *http.Client
	getter     Getter
	credParam  string

	credOnce sync.Once
	creds    Credentials
	credErr  error

	mu        sync.Mutex
	key       string
	createdAt time.Time

	now func() time.Time
}

// NewSession creates a session manager. Credentials are fetched from the
// parameter store on the first authentication and reused for the process
// lifetime.
func NewSession(baseURL string, getter Getter, credParam string) (*Session, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("erp: base URL must not be empty")
	}
	if getter == nil {
		return nil, errors.New("erp: credential getter must not be nil")
	}
	credParam = strings.TrimSpace(credParam)
	if credParam == "" {
		return nil, errors.New("erp: credential parameter name must not be empty")
	}
	return &Session{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		getter:     getter,
		credParam:  credParam,
		now:        time.Now,
	}, nil
}

func (s *Session) resolveCredentials(ctx context.Context) (Credentials, error) {
	s.credOnce.Do(func() {
		var creds Credentials
		if err := paramstore.GetJSON(ctx, s.getter, s.credParam, &creds); err != nil {
			s.credErr = fmt.Errorf("erp: fetch credentials: %w", err)
			return
		}
		if creds.Login == "" || creds.Password == "" {
			s.credErr = errors.New("erp: credentials missing login or password")
			return
		}
		s.creds = creds
	})
	return s.creds, s.credErr
}

// EnsureValid returns the current session key, authenticating first when no
// key is cached or the cached one is past its lifetime.
func (s *Session) EnsureValid(ctx context.Context) (string, error) {
	s.mu.Lock()
	key, createdAt := s.key, s.createdAt
	s.mu.Unlock()

	if key != "" && s.now().Sub(createdAt) <= sessionLifetime {
		return key, nil
	}
	return s.Authenticate(ctx)
}

// Authenticate performs the credential exchange and caches the returned key.
func (s *Session) Authenticate(ctx context.Context) (string, error) {
	creds, err := s.resolveCredentials(ctx)
	if err != nil {
		return "", &AuthError{Reason: "credentials unavailable", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("login", creds.Login)
	q.Set("pass", creds.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/auth?"+q.Encode(), nil)
	if err != nil {
		return "", &AuthError{Reason: "create request", Err: err}
	}

	res, err := s.httpClient.Do(req)
	if err != nil {
		return "", &AuthError{Reason: "auth request", Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", &AuthError{Reason: fmt.Sprintf("unexpected status %d: %s", res.StatusCode, strings.TrimSpace(string(buf)))}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 4096))
	if err != nil {
		return "", &AuthError{Reason: "read response", Err: err}
	}
	// The auth endpoint returns the bare key as the response body.
	key := strings.Trim(strings.TrimSpace(string(buf)), `"`)
	if key == "" {
		return "", &AuthError{Reason: "empty session key in response"}
	}

	s.mu.Lock()
	s.key = key
	s.createdAt = s.now()
	s.mu.Unlock()
	return key, nil
}

// Invalidate clears the cached key so the next EnsureValid re-authenticates.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.key = ""
	s.createdAt = time.Time{}
	s.mu.Unlock()
}

// Logout closes the server-side session. Best effort: the local key is
// cleared whether or not the call succeeds.
func (s *Session) Logout(ctx context.Context) {
	s.mu.Lock()
	key := s.key
	s.mu.Unlock()
	if key == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, logoutTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("key", key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/logout?"+q.Encode(), nil)
	if err == nil {
		if res, doErr := s.httpClient.Do(req); doErr == nil {
			_ = res.Body.Close()
		}
	}
	s.Invalidate()
}
