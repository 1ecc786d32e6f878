package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mnq-momentum-trader/internal/metrics"
	"mnq-momentum-trader/internal/model"
)

// Credentials identify the user and the registered API application.
type Credentials struct {
	Username   string
	Password   string
	Secret     string
	AppID      string
	AppVersion string
	CID        int
}

// Tokens is an immutable snapshot of the session state. A new value replaces the old one on
// every acquire or renewal, so readers never see a half-updated set.
type Tokens struct {
	AccessToken   string
	MDAccessToken string
	UserID        int64
	AccountID     int64
	Created       time.Time
}

type SessionConfig struct {
	RenewAfter time.Duration
	Expiry     time.Duration
}

type accessTokenRequest struct {
	Name       string `json:"name"`
	Password   string `json:"password"`
	AppID      string `json:"appId"`
	AppVersion string `json:"appVersion"`
	CID        int    `json:"cid"`
	Sec        string `json:"sec"`
}

type accessTokenResponse struct {
	AccessToken   string `json:"accessToken"`
	MDAccessToken string `json:"mdAccessToken"`
	UserID        int64  `json:"userId"`
	AccountID     int64  `json:"accountId"`
	ErrorText     string `json:"errorText"`
}

// Session owns the broker tokens and keeps them fresh.
type Session struct {
	client    *Client
	creds     Credentials
	cfg       SessionConfig
	accountID int64 // used when the token response carries none

	tokens  atomic.Pointer[Tokens]
	renewMu sync.Mutex // one acquire/renew in flight

	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewSession(client *Client, creds Credentials, cfg SessionConfig, accountID int64, logger *zap.Logger, m *metrics.Metrics) *Session {
	if cfg.RenewAfter <= 0 {
		cfg.RenewAfter = 75 * time.Minute
	}
	if cfg.Expiry <= cfg.RenewAfter {
		cfg.Expiry = cfg.RenewAfter + 15*time.Minute
	}
	return &Session{
		client:    client,
		creds:     creds,
		cfg:       cfg,
		accountID: accountID,
		now:       time.Now,
		logger:    logger.With(zap.String("component", "session")),
		metrics:   m,
	}
}

// Acquire performs the initial authentication. Refused credentials are reported as model.ErrAuth.
func (s *Session) Acquire(ctx context.Context) error {
	s.renewMu.Lock()
	defer s.renewMu.Unlock()
	return s.acquireLocked(ctx)
}

func (s *Session) acquireLocked(ctx context.Context) error {
	req := accessTokenRequest{
		Name:       s.creds.Username,
		Password:   s.creds.Password,
		AppID:      s.creds.AppID,
		AppVersion: s.creds.AppVersion,
		CID:        s.creds.CID,
		Sec:        s.creds.Secret,
	}

	var resp accessTokenResponse
	if err := s.client.do(ctx, http.MethodPost, "/auth/accessTokenRequest", nil, req, &resp); err != nil {
		var rej *model.OrderRejection
		if errors.As(err, &rej) && refusedCredentials(rej.Status) {
			return fmt.Errorf("%w: %w", model.ErrAuth, rej)
		}
		return fmt.Errorf("access token request: %w", err)
	}
	if resp.ErrorText != "" || resp.AccessToken == "" {
		return fmt.Errorf("%w: %s", model.ErrAuth, resp.ErrorText)
	}

	accountID := resp.AccountID
	if accountID == 0 {
		accountID = s.accountID
	}
	s.tokens.Store(&Tokens{
		AccessToken:   resp.AccessToken,
		MDAccessToken: resp.MDAccessToken,
		UserID:        resp.UserID,
		AccountID:     accountID,
		Created:       s.now(),
	})
	s.logger.Info("Authenticated", zap.Int64("UserID", resp.UserID), zap.Int64("AccountID", accountID))
	return nil
}

// refusedCredentials reports whether a token request status means the credentials were refused.
// Throttling and server faults are transient.
func refusedCredentials(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

// renewLocked asks the broker for a fresh access token. The market-data token is kept unless
// the broker returns a new one.
func (s *Session) renewLocked(ctx context.Context) error {
	cur := s.tokens.Load()
	if cur == nil {
		return model.ErrNotAuthenticated
	}

	var resp accessTokenResponse
	if err := s.client.do(ctx, http.MethodPost, "/auth/renewAccessToken", bearer(cur.AccessToken), nil, &resp); err != nil {
		return err
	}
	if resp.AccessToken == "" {
		return fmt.Errorf("renew access token: empty token (%s)", resp.ErrorText)
	}

	next := *cur
	next.AccessToken = resp.AccessToken
	if resp.MDAccessToken != "" {
		next.MDAccessToken = resp.MDAccessToken
	}
	next.Created = s.now()
	s.tokens.Store(&next)
	return nil
}

// Headers returns the authorization header for a REST request.
func (s *Session) Headers() (http.Header, error) {
	t := s.tokens.Load()
	if t == nil {
		return nil, model.ErrNotAuthenticated
	}
	if s.now().Sub(t.Created) >= s.cfg.Expiry {
		return nil, model.ErrTokenExpired
	}
	h := bearer(t.AccessToken)
	h.Set("Content-Type", "application/json")
	return h, nil
}

// MDAccessToken returns the market-data stream token.
func (s *Session) MDAccessToken() (string, error) {
	t := s.tokens.Load()
	if t == nil {
		return "", model.ErrNotAuthenticated
	}
	return t.MDAccessToken, nil
}

// Tokens returns a copy of the current token set.
func (s *Session) Tokens() (Tokens, bool) {
	t := s.tokens.Load()
	if t == nil {
		return Tokens{}, false
	}
	return *t, true
}

// EnsureFresh renews the token once it is older than the renewal threshold and falls back to a
// full Acquire when renewal fails.
func (s *Session) EnsureFresh(ctx context.Context) error {
	s.renewMu.Lock()
	defer s.renewMu.Unlock()

	t := s.tokens.Load()
	if t == nil {
		return s.acquireLocked(ctx)
	}
	age := s.now().Sub(t.Created)
	if age < s.cfg.RenewAfter {
		return nil
	}

	s.logger.Info("Renewing token", zap.Duration("Age", age))
	err := s.renewLocked(ctx)
	if err == nil {
		s.metrics.TokenRenewal("renewed")
		s.logger.Info("Token renewed")
		return nil
	}

	s.logger.Warn("Renewal failed, re-authenticating", zap.Error(err))
	if err := s.acquireLocked(ctx); err != nil {
		s.metrics.TokenRenewal("failed")
		return fmt.Errorf("token renewal and re-authentication failed: %w", err)
	}
	s.metrics.TokenRenewal("reacquired")
	return nil
}

// authorized refreshes the token if needed and returns request headers.
func (s *Session) authorized(ctx context.Context) (http.Header, error) {
	if err := s.EnsureFresh(ctx); err != nil {
		return nil, err
	}
	return s.Headers()
}

// RunRenewal checks the token age every interval until ctx is done.
func (s *Session) RunRenewal(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.EnsureFresh(ctx); err != nil {
				s.logger.Error("Token refresh failed", zap.Error(err))
			}
		}
	}
}
