// Package auth owns the bearer-token lifecycle for the sync engine.
//
// The interactive sign-in flow is out of scope: some external component
// writes a credentials file (access token, refresh token, expiry, identity)
// and this package loads it, refreshes the access token when it nears
// expiry, and distinguishes permanent refresh failures (revocation, which
// forces sign-out) from transient ones (network, which must not touch
// stored credentials).
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// CredentialsFile is the filename under the data directory where the
// sign-in flow deposits tokens.
const CredentialsFile = "credentials.json"

// DefaultMargin is the safety margin before expiry at which the token is
// refreshed proactively.
const DefaultMargin = 2 * time.Minute

// ErrSignedOut is returned when no credentials are stored.
var ErrSignedOut = errors.New("auth: not signed in")

// RefreshError describes a failed token refresh. Permanent failures
// (explicit revocation) force sign-out and halt scheduling; transient
// failures leave stored credentials untouched and simply yield no usable
// token for the current cycle.
type RefreshError struct {
	Permanent bool
	Err       error
}

func (e *RefreshError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("auth: %s refresh failure: %v", kind, e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a permanent refresh failure.
func IsPermanent(err error) bool {
	var re *RefreshError
	return errors.As(err, &re) && re.Permanent
}

// Credentials is the persisted token material for one identity.
type Credentials struct {
	Identity     string    `json:"identity"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

// Refresher exchanges a refresh token for fresh credentials. The production
// implementation wraps an oauth2 endpoint; tests substitute fakes.
type Refresher interface {
	Refresh(ctx context.Context, creds *Credentials) (*Credentials, error)
}

// Manager loads, refreshes, and persists credentials. Safe for concurrent
// use.
type Manager struct {
	path      string
	refresher Refresher
	margin    time.Duration
	logger    *log.Logger

	mu    sync.Mutex
	creds *Credentials
}

// NewManager creates a manager rooted at dir, loading any existing
// credentials file. A nil logger defaults to stderr.
func NewManager(dir string, refresher Refresher, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}

	m := &Manager{
		path:      filepath.Join(dir, CredentialsFile),
		refresher: refresher,
		margin:    DefaultMargin,
		logger:    logger,
	}

	if err := m.Reload(); err != nil && !errors.Is(err, ErrSignedOut) {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the credentials file, picking up an external sign-in.
// Returns ErrSignedOut if the file does not exist.
func (m *Manager) Reload() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		m.mu.Lock()
		m.creds = nil
		m.mu.Unlock()
		return ErrSignedOut
	}
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("failed to parse credentials: %w", err)
	}
	if creds.Identity == "" {
		return fmt.Errorf("credentials missing identity")
	}

	m.mu.Lock()
	m.creds = &creds
	m.mu.Unlock()
	return nil
}

// SetCredentials stores new credentials in memory and on disk. Used by the
// sign-in hand-off.
func (m *Manager) SetCredentials(creds *Credentials) error {
	if creds.Identity == "" {
		return fmt.Errorf("credentials missing identity")
	}

	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()

	return m.save(creds)
}

// CurrentToken returns the stored access token and its expiry, or ok=false
// when not signed in. No freshness check is performed here.
func (m *Manager) CurrentToken() (token string, expiry time.Time, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return "", time.Time{}, false
	}
	return m.creds.AccessToken, m.creds.Expiry, true
}

// Identity returns the signed-in identity, or empty when signed out.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return ""
	}
	return m.creds.Identity
}

// SignedIn reports whether credentials are stored.
func (m *Manager) SignedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds != nil
}

// EnsureFresh refreshes the token if it is expired or within the safety
// margin. Called by the coordinator before any remote call.
//
// A permanent refresh failure clears stored credentials (sign-out); a
// transient failure leaves them untouched.
func (m *Manager) EnsureFresh(ctx context.Context) error {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()

	if creds == nil {
		return ErrSignedOut
	}
	if time.Until(creds.Expiry) > m.margin {
		return nil
	}

	return m.refresh(ctx, creds)
}

// Token implements the remote token provider: it returns a fresh access
// token, refreshing first if needed.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if err := m.EnsureFresh(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return "", ErrSignedOut
	}
	return m.creds.AccessToken, nil
}

// SignOut clears credentials from memory and disk.
func (m *Manager) SignOut() error {
	m.mu.Lock()
	m.creds = nil
	m.mu.Unlock()

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	return nil
}

func (m *Manager) refresh(ctx context.Context, creds *Credentials) error {
	fresh, err := m.refresher.Refresh(ctx, creds)
	if err != nil {
		if IsPermanent(err) {
			m.logger.Printf("Refresh rejected permanently, signing out: %v", err)
			if soErr := m.SignOut(); soErr != nil {
				m.logger.Printf("Warning: sign-out after revocation failed: %v", soErr)
			}
		}
		return err
	}

	m.mu.Lock()
	m.creds = fresh
	m.mu.Unlock()

	if err := m.save(fresh); err != nil {
		m.logger.Printf("Warning: failed to persist refreshed credentials: %v", err)
	}
	return nil
}

func (m *Manager) save(creds *Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}

// OAuthRefresher refreshes tokens against an oauth2 endpoint.
type OAuthRefresher struct {
	Config *oauth2.Config
}

// Refresh exchanges the stored refresh token for a new access token and
// classifies failures: a 4xx token-endpoint response means the grant was
// revoked (permanent); anything else is transient.
func (r *OAuthRefresher) Refresh(ctx context.Context, creds *Credentials) (*Credentials, error) {
	src := r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			permanent := re.Response != nil &&
				(re.Response.StatusCode == http.StatusBadRequest ||
					re.Response.StatusCode == http.StatusUnauthorized)
			return nil, &RefreshError{Permanent: permanent, Err: err}
		}
		return nil, &RefreshError{Permanent: false, Err: err}
	}

	fresh := &Credentials{
		Identity:     creds.Identity,
		AccessToken:  tok.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if tok.RefreshToken != "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	return fresh, nil
}
