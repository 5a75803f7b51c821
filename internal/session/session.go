// Package session implements SessionGuard: broker authentication with
// thread-safe single-flight re-authentication on JWT expiry (spec §4.2).
//
// Guard wraps golang.org/x/sync/singleflight so concurrent callers that all
// observe an auth error collapse into exactly one login() call; every caller
// then retries its own operation exactly once with the refreshed session.
package session

import (
	"context"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/errs"
)

// DefaultReauthWait is the spec's bound on how long a follower waits for an
// in-flight re-login before giving up.
const DefaultReauthWait = 30 * time.Second

// loginKey is the single singleflight key: there is only ever one session
// per process, so no per-caller keying is needed.
const loginKey = "login"

// Guard coordinates broker re-authentication across concurrent callers.
type Guard struct {
	group      singleflight.Group
	login      func(ctx context.Context) error
	logger     *log.Logger
	reauthWait time.Duration
}

// New creates a Guard. login performs the actual broker authentication and
// should update whatever shared token state downstream calls read.
func New(login func(ctx context.Context) error, logger *log.Logger) *Guard {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Guard{
		login:      login,
		logger:     logger,
		reauthWait: DefaultReauthWait,
	}
}

// WithAuth invokes f using the current session. If f returns a classified
// auth error, WithAuth performs (or waits for) a single re-login shared
// across all concurrent callers, then retries f exactly once. Non-auth
// errors propagate unchanged. Maximum retry depth is 1: a second auth
// error after the retry is returned as-is.
func (g *Guard) WithAuth(ctx context.Context, f func(ctx context.Context) error) error {
	err := f(ctx)
	if err == nil || !IsAuthError(err) {
		return err
	}

	if reauthErr := g.reauth(ctx); reauthErr != nil {
		return reauthErr
	}

	return f(ctx)
}

// reauth ensures exactly one login() runs for the current burst of auth
// errors. Followers wait on the shared flight up to reauthWait.
func (g *Guard) reauth(ctx context.Context) error {
	ch := g.group.DoChan(loginKey, func() (any, error) {
		g.logger.Printf("[session] re-authenticating")
		return nil, g.login(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			g.logger.Printf("[session] re-authentication failed: %v", res.Err)
			return errs.New(errs.AuthExpired, res.Err)
		}
		if res.Shared {
			g.logger.Printf("[session] re-authentication result shared with a concurrent caller")
		}
		return nil
	case <-time.After(g.reauthWait):
		return errs.Newf(errs.AuthExpired, "timed out after %v waiting for re-authentication", g.reauthWait)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsAuthError classifies err as a broker auth-expiry error per spec §4.2:
// an errs.AuthExpired kind, or an error whose message contains the broker's
// known revoked/invalid-token phrasing.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errs.Is(err, errs.AuthExpired) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid jwt token") ||
		strings.Contains(msg, "invalid credentials") ||
		strings.Contains(msg, "token expired") ||
		strings.Contains(msg, "session expired")
}
