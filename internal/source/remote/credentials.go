package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/sync/semaphore"

	"imagedecloner/internal/errs"
)

// Scopes requested by the login flow. Deleting needs the full library scope.
var Scopes = []string{
	"https://www.googleapis.com/auth/photoslibrary.readonly",
	"https://www.googleapis.com/auth/photoslibrary",
}

// OAuthConfig returns the installed-app OAuth2 configuration for the photo
// library service.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     endpoints.Google,
		Scopes:       Scopes,
	}
}

// TokenStore persists one OAuth2 token as a JSON file.
type TokenStore struct {
	path string
}

// NewTokenStore returns a store backed by the file at path.
func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

// Path returns the token file location.
func (s *TokenStore) Path() string { return s.path }

// Load reads the stored token. A missing file yields an error satisfying
// errors.Is(err, os.ErrNotExist).
func (s *TokenStore) Load() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", s.path, err)
	}
	return &tok, nil
}

// Save writes tok atomically with owner-only permissions.
func (s *TokenStore) Save(tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// DefaultRefreshTimeout bounds a token refresh when the caller sets none.
const DefaultRefreshTimeout = 30 * time.Second

// CredentialsOptions configures token refreshes.
type CredentialsOptions struct {
	// HTTPClient carries refresh requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// RefreshTimeout bounds each refresh request.
	RefreshTimeout time.Duration
	Logger         zerolog.Logger
}

// Credentials hands out access tokens, refreshing and persisting them as
// they expire. It implements oauth2.TokenSource.
type Credentials struct {
	mu    sync.Mutex
	token *oauth2.Token

	// refreshing admits one refresh at a time. Waiters give up with their
	// context.
	refreshing *semaphore.Weighted
	config     *oauth2.Config
	store      *TokenStore
	http       *http.Client
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewCredentials loads the stored token and makes sure it is usable,
// refreshing it if it has expired. Missing or unrefreshable credentials
// fail with errs.ErrAuth.
func NewCredentials(ctx context.Context, config *oauth2.Config, store *TokenStore, opts CredentialsOptions) (*Credentials, error) {
	tok, err := store.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.Auth("credentials", "", fmt.Errorf("no token at %s, run 'imagedecloner auth login'", store.Path()))
		}
		return nil, errs.Auth("credentials", "", err)
	}

	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	c := &Credentials{
		token:      tok,
		refreshing: semaphore.NewWeighted(1),
		config:     config,
		store:      store,
		http:       opts.HTTPClient,
		timeout:    opts.RefreshTimeout,
		logger:     opts.Logger.With().Str("component", "credentials").Logger(),
	}
	if !tok.Valid() {
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Token returns a valid access token. A refresh is bounded by the
// configured refresh timeout.
func (c *Credentials) Token() (*oauth2.Token, error) {
	return c.TokenContext(context.Background())
}

// TokenContext returns a valid access token, refreshing it under ctx when
// it has expired.
func (c *Credentials) TokenContext(ctx context.Context) (*oauth2.Token, error) {
	if tok := c.Current(); tok.Valid() {
		return tok, nil
	}
	if err := c.refreshing.Acquire(ctx, 1); err != nil {
		return nil, errs.IO("refresh", "", err)
	}
	defer c.refreshing.Release(1)

	// Another caller may have refreshed while we waited.
	if tok := c.Current(); tok.Valid() {
		return tok, nil
	}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	return c.Current(), nil
}

// Refresh exchanges the refresh token for a new access token and saves it.
func (c *Credentials) Refresh(ctx context.Context) error {
	if err := c.refreshing.Acquire(ctx, 1); err != nil {
		return errs.IO("refresh", "", err)
	}
	defer c.refreshing.Release(1)
	return c.refresh(ctx)
}

// refresh must be called with the refreshing semaphore held.
func (c *Credentials) refresh(ctx context.Context) error {
	current := c.Current()
	if current.RefreshToken == "" {
		return errs.Auth("refresh", "", errors.New("token expired and has no refresh token"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if c.http != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	}

	// The refresher keeps the old refresh token when the server omits one.
	expired := &oauth2.Token{RefreshToken: current.RefreshToken}
	tok, err := c.config.TokenSource(ctx, expired).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return errs.Auth("refresh", "", err)
		}
		return errs.IO("refresh", "", err)
	}

	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	if err := c.store.Save(tok); err != nil {
		c.logger.Warn().Err(err).Str("path", c.store.Path()).Msg("could not persist refreshed token")
	}
	c.logger.Debug().Time("expiry", tok.Expiry).Msg("token refreshed")
	return nil
}

// Current returns the token held in memory, which may have expired.
func (c *Credentials) Current() *oauth2.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}
