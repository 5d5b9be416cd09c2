package auth

import (
	"context"
	"time"
)

// Backend exchanges credentials with the server. Every backend implements
// the whole surface.
type Backend interface {
	Login(ctx context.Context, creds Credentials) (Identity, error)
	Refresh(ctx context.Context, current Identity) (Grant, error)
	Logout(ctx context.Context, current Identity) error
}

// SessionLister is an optional capability: backends that can list the
// user's game sessions let the coordinator resolve session names.
type SessionLister interface {
	ListSessions(ctx context.Context, current Identity) ([]SessionRef, error)
}

type nowFunc func() time.Time

// TokenBackend uses an access/refresh token pair. It is the authoritative
// model; the access token is attached to the socket handshake as a bearer
// header.
type TokenBackend struct {
	API *APIClient
	Now func() time.Time
}

func (b *TokenBackend) now() time.Time { return clockNow(b.Now) }

func (b *TokenBackend) Login(ctx context.Context, creds Credentials) (Identity, error) {
	resp, err := b.API.Login(ctx, creds)
	if err != nil {
		return Identity{}, err
	}
	return identityFromLogin(resp, b.now()), nil
}

func (b *TokenBackend) Refresh(ctx context.Context, current Identity) (Grant, error) {
	if current.RefreshToken == "" {
		return Grant{}, ErrNotAuthenticated
	}
	resp, err := b.API.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return Grant{}, err
	}
	return Grant{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiresAt(b.now(), resp.ExpiresIn),
	}, nil
}

func (b *TokenBackend) Logout(ctx context.Context, current Identity) error {
	return b.API.Logout(ctx, current.AccessToken)
}

func (b *TokenBackend) ListSessions(ctx context.Context, current Identity) ([]SessionRef, error) {
	return b.API.ListSessions(ctx, current.AccessToken)
}

// CookieBackend relies on an HTTP-only session cookie kept in the API
// client's jar. Refreshing revalidates the cookie with the "who am I" call.
type CookieBackend struct {
	API *APIClient
	// Revalidate is used when the server does not report a lifetime.
	Revalidate time.Duration
	Now        func() time.Time
}

func (b *CookieBackend) now() time.Time { return clockNow(b.Now) }

func (b *CookieBackend) revalidate() time.Duration {
	if b.Revalidate <= 0 {
		return 15 * time.Minute
	}
	return b.Revalidate
}

func (b *CookieBackend) Login(ctx context.Context, creds Credentials) (Identity, error) {
	resp, err := b.API.Login(ctx, creds)
	if err != nil {
		return Identity{}, err
	}
	id := identityFromLogin(resp, b.now())
	id.AccessToken, id.RefreshToken = "", ""
	if resp.ExpiresIn <= 0 {
		id.ExpiresAt = b.now().Add(b.revalidate())
	}
	return id, nil
}

// Validate restores an identity from an existing cookie without logging in.
func (b *CookieBackend) Validate(ctx context.Context) (Identity, error) {
	resp, err := b.API.Me(ctx, "")
	if err != nil {
		return Identity{}, err
	}
	id := identityFromUser(resp.User)
	id.ExpiresAt = b.lifetime(resp.ExpiresIn)
	return id, nil
}

func (b *CookieBackend) Refresh(ctx context.Context, _ Identity) (Grant, error) {
	resp, err := b.API.Me(ctx, "")
	if err != nil {
		return Grant{}, err
	}
	return Grant{ExpiresAt: b.lifetime(resp.ExpiresIn)}, nil
}

func (b *CookieBackend) Logout(ctx context.Context, _ Identity) error {
	return b.API.Logout(ctx, "")
}

func (b *CookieBackend) ListSessions(ctx context.Context, _ Identity) ([]SessionRef, error) {
	return b.API.ListSessions(ctx, "")
}

func (b *CookieBackend) lifetime(expiresIn int64) time.Time {
	if expiresIn > 0 {
		return expiresAt(b.now(), expiresIn)
	}
	return b.now().Add(b.revalidate())
}

func identityFromUser(u UserPayload) Identity {
	return Identity{
		UserID:      u.ID,
		Username:    u.Username,
		Role:        u.Role,
		Permissions: append([]string(nil), u.Permissions...),
	}
}

func identityFromLogin(resp LoginResponse, now time.Time) Identity {
	id := identityFromUser(resp.User)
	id.AccessToken = resp.AccessToken
	id.RefreshToken = resp.RefreshToken
	id.ExpiresAt = expiresAt(now, resp.ExpiresIn)
	return id
}

func expiresAt(now time.Time, seconds int64) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(seconds) * time.Second)
}

func clockNow(f nowFunc) time.Time {
	if f == nil {
		return time.Now()
	}
	return f()
}
