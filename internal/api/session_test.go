package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mnq-momentum-trader/internal/api/apitest"
	"mnq-momentum-trader/internal/model"
)

var goodCreds = Credentials{
	Username:   apitest.Username,
	Password:   apitest.Password,
	Secret:     apitest.Secret,
	AppID:      "WolfBot",
	AppVersion: "1.0",
}

type fixture struct {
	broker  *apitest.Broker
	client  *Client
	session *Session
	orders  *OrderClient
	now     time.Time
}

func newFixture(t *testing.T, creds Credentials) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{broker: apitest.New(t), now: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}
	f.client = NewClient(ClientConfig{
		BaseURL:        f.broker.URL,
		Timeout:        2 * time.Second,
		ReadRetries:    3,
		RetryBaseDelay: time.Millisecond,
	}, logger)
	f.session = NewSession(f.client, creds, SessionConfig{RenewAfter: 75 * time.Minute, Expiry: 90 * time.Minute}, 0, logger, nil)
	f.session.now = func() time.Time { return f.now }
	f.orders = NewOrderClient(f.client, f.session, creds.Username, logger, nil)
	return f
}

func TestAcquire(t *testing.T) {
	f := newFixture(t, goodCreds)
	require.NoError(t, f.session.Acquire(context.Background()))

	tok, ok := f.session.Tokens()
	require.True(t, ok)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, "md-1", tok.MDAccessToken)
	assert.Equal(t, apitest.AccountID, tok.AccountID)
	assert.Equal(t, f.now, tok.Created)

	h, err := f.session.Headers()
	require.NoError(t, err)
	assert.Equal(t, "Bearer access-1", h.Get("Authorization"))
}

func TestAcquireBadCredentials(t *testing.T) {
	creds := goodCreds
	creds.Password = "wrong"
	f := newFixture(t, creds)

	err := f.session.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAuth)
	_, ok := f.session.Tokens()
	assert.False(t, ok)
}

func TestAcquireClassifiesHTTPFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		refused bool
	}{
		{"unauthorized", http.StatusUnauthorized, true},
		{"forbidden", http.StatusForbidden, true},
		{"throttled", http.StatusTooManyRequests, false},
		{"maintenance", http.StatusServiceUnavailable, false},
		{"server fault", http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, goodCreds)
			f.broker.FailAuth(tt.status, tt.name)

			err := f.session.Acquire(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.refused, errors.Is(err, model.ErrAuth))

			var rej *model.OrderRejection
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, tt.status, rej.Status)
			assert.Contains(t, err.Error(), tt.name)
		})
	}
}

func TestHeadersRequireAuthentication(t *testing.T) {
	f := newFixture(t, goodCreds)
	_, err := f.session.Headers()
	assert.ErrorIs(t, err, model.ErrNotAuthenticated)

	_, err = f.session.MDAccessToken()
	assert.ErrorIs(t, err, model.ErrNotAuthenticated)
}

func TestHeadersRefuseExpiredToken(t *testing.T) {
	f := newFixture(t, goodCreds)
	require.NoError(t, f.session.Acquire(context.Background()))

	f.now = f.now.Add(89 * time.Minute)
	_, err := f.session.Headers()
	assert.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	_, err = f.session.Headers()
	assert.ErrorIs(t, err, model.ErrTokenExpired)
}

func TestEnsureFreshBeforeThresholdIsNoop(t *testing.T) {
	f := newFixture(t, goodCreds)
	require.NoError(t, f.session.Acquire(context.Background()))

	f.now = f.now.Add(74 * time.Minute)
	require.NoError(t, f.session.EnsureFresh(context.Background()))
	assert.Equal(t, 0, f.broker.RenewCalls())
}

func TestEnsureFreshRenews(t *testing.T) {
	f := newFixture(t, goodCreds)
	require.NoError(t, f.session.Acquire(context.Background()))

	f.now = f.now.Add(76 * time.Minute)
	require.NoError(t, f.session.EnsureFresh(context.Background()))

	tok, _ := f.session.Tokens()
	assert.Equal(t, "access-2", tok.AccessToken)
	assert.Equal(t, "md-1", tok.MDAccessToken)
	assert.Equal(t, f.now, tok.Created)
	assert.Equal(t, 1, f.broker.RenewCalls())
	assert.Equal(t, 1, f.broker.AuthCalls())

	// fresh again, nothing to do
	require.NoError(t, f.session.EnsureFresh(context.Background()))
	assert.Equal(t, 1, f.broker.RenewCalls())
}

func TestEnsureFreshFallsBackToAcquire(t *testing.T) {
	f := newFixture(t, goodCreds)
	require.NoError(t, f.session.Acquire(context.Background()))
	f.broker.SetFailRenew(true)

	f.now = f.now.Add(80 * time.Minute)
	require.NoError(t, f.session.EnsureFresh(context.Background()))

	tok, _ := f.session.Tokens()
	assert.Equal(t, "access-2", tok.AccessToken)
	assert.Equal(t, "md-2", tok.MDAccessToken)
	assert.Equal(t, 1, f.broker.RenewCalls())
	assert.Equal(t, 2, f.broker.AuthCalls())
}

func TestEnsureFreshAcquiresWhenUnauthenticated(t *testing.T) {
	f := newFixture(t, goodCreds)
	require.NoError(t, f.session.EnsureFresh(context.Background()))
	_, ok := f.session.Tokens()
	assert.True(t, ok)
}

func TestRunRenewal(t *testing.T) {
	f := newFixture(t, goodCreds)
	require.NoError(t, f.session.Acquire(context.Background()))
	f.now = f.now.Add(80 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.session.RunRenewal(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return f.broker.RenewCalls() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	// the renewed token is fresh under the frozen clock, so exactly one renewal happened
	assert.Equal(t, 1, f.broker.RenewCalls())
}
