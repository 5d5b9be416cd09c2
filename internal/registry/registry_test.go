package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prtfnx/ttrpg-system-sub008/internal/auth"
	"github.com/prtfnx/ttrpg-system-sub008/internal/link"
)

type anonymous struct{}

func (anonymous) Identity() (auth.Identity, bool) { return auth.Identity{}, false }
func (anonymous) AccessToken() string { return "" }
func (anonymous) NeedsRefresh() bool { return false }
func (anonymous) Refresh(context.Context) error { return auth.ErrNotAuthenticated }
func (anonymous) Resume(context.Context, auth.ResumeReason) error { return nil }
func (anonymous) Logout(context.Context) error { return nil }
func (anonymous) ListSessions(context.Context) ([]auth.SessionRef, error) { return nil, nil }
func (anonymous) Subscribe(func(auth.Snapshot)) func() { return func() {} }

func newCoordinator(t *testing.T, session string) *link.Coordinator {
	t.Helper()
	c, err := link.New(link.Config{BaseURL: "ws://game.test", Session: session, Auth: anonymous{}})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestGetBeforeSetIsNotInitialized(t *testing.T) {
	r := New()
	assert.False(t, r.Has())
	_, err := r.Get()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.False(t, errors.Is(err, link.ErrNotConnected))
}

func TestSetThenClear(t *testing.T) {
	r := New()
	c := newCoordinator(t, "ABC123")

	r.Set(c)
	assert.True(t, r.Has())
	got, err := r.Get()
	require.NoError(t, err)
	assert.Same(t, c, got)

	r.Clear()
	r.Clear()
	assert.False(t, r.Has())
	_, err = r.Get()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestSetReplacesWithoutClosing(t *testing.T) {
	r := New()
	first := newCoordinator(t, "ABC123")
	second := newCoordinator(t, "ZZZ999")

	r.Set(first)
	r.Set(second)
	assert.Same(t, second, r.MustGet())

	// The replaced coordinator is still usable by whoever owns it.
	assert.Equal(t, link.ConditionIdle, first.Status().Condition)
	assert.ErrorIs(t, first.Send("ping", nil), link.ErrNotConnected)
}

func TestRegisteredButOfflineIsNotConnected(t *testing.T) {
	r := New()
	r.Set(newCoordinator(t, "ABC123"))
	c, err := r.Get()
	require.NoError(t, err)
	assert.ErrorIs(t, c.Send("table_request", nil), link.ErrNotConnected)
}

func TestMustGetPanicsWhenEmpty(t *testing.T) {
	r := New()
	assert.PanicsWithError(t, ErrNotInitialized.Error(), func() { r.MustGet() })
}

func TestPackageDefault(t *testing.T) {
	t.Cleanup(Clear)
	Clear()
	assert.False(t, Has())
	_, err := Get()
	assert.ErrorIs(t, err, ErrNotInitialized)

	c := newCoordinator(t, "ABC123")
	Set(c)
	assert.True(t, Has())
	assert.Same(t, c, MustGet())
	assert.Same(t, Default(), std)
}
