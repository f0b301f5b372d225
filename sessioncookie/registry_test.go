package sessioncookie

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, now time.Time) (*Registry, *Codec) {
	t.Helper()
	codec := newTestCodec(t, WithCodecNow(func() time.Time { return now }))
	registry := NewRegistry(codec, WithRegistryNow(func() time.Time { return now }))
	return registry, codec
}

func requestWithSessions(t *testing.T, codec *Codec, sessions ...Session) *http.Request {
	t.Helper()
	cookies, err := codec.Encode(sessions)
	require.NoError(t, err)
	return requestWithCookies(cookies)
}

func TestRegistryAll(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	registry, codec := newTestRegistry(t, now)

	t.Run("orders by change date descending", func(t *testing.T) {
		req := requestWithSessions(t, codec,
			testSession("old", "alice@example.com", now.Add(-time.Hour)),
			testSession("new", "bob@example.com", now),
		)
		sessions := registry.All(req)
		require.Len(t, sessions, 2)
		require.Equal(t, "new", sessions[0].ID)
		require.Equal(t, "old", sessions[1].ID)
	})

	t.Run("equal change dates are broken by latest expiration", func(t *testing.T) {
		shortLived := testSession("short", "alice@example.com", now)
		shortLived.ExpirationDate = now.Add(time.Hour)
		longLived := testSession("long", "bob@example.com", now)
		longLived.ExpirationDate = now.Add(12 * time.Hour)
		req := requestWithSessions(t, codec, shortLived, longLived)

		sessions := registry.All(req)
		require.Len(t, sessions, 2)
		require.Equal(t, "long", sessions[0].ID)
		require.Equal(t, "short", sessions[1].ID)

		recent := registry.MostRecent(req)
		require.NotNil(t, recent)
		require.Equal(t, "long", recent.ID)
	})

	t.Run("expired sessions are absent", func(t *testing.T) {
		expired := testSession("gone", "alice@example.com", now.Add(-48*time.Hour))
		live := testSession("here", "bob@example.com", now)
		req := requestWithSessions(t, codec, expired, live)

		sessions := registry.All(req)
		require.Len(t, sessions, 1)
		require.Equal(t, "here", sessions[0].ID)
	})

	t.Run("empty request yields nothing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/login", nil)
		require.Empty(t, registry.All(req))
		require.Nil(t, registry.MostRecent(req))
	})
}

func TestRegistryLookups(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	registry, codec := newTestRegistry(t, now)

	orgSession := testSession("s-org", "alice@example.com", now)
	orgSession.Organization = "org-1"
	req := requestWithSessions(t, codec,
		testSession("s-default", "alice@example.com", now.Add(-time.Minute)),
		orgSession,
	)

	t.Run("by id", func(t *testing.T) {
		found := registry.ByID(req, "s-org")
		require.NotNil(t, found)
		require.Equal(t, "org-1", found.Organization)
		require.Nil(t, registry.ByID(req, "nope"))
	})

	t.Run("by login name is organization scoped", func(t *testing.T) {
		found := registry.ByLoginName(req, "alice@example.com", "org-1")
		require.NotNil(t, found)
		require.Equal(t, "s-org", found.ID)

		found = registry.ByLoginName(req, "alice@example.com", "")
		require.NotNil(t, found)
		require.Equal(t, "s-default", found.ID)

		require.Nil(t, registry.ByLoginName(req, "alice@example.com", "org-2"))
	})

	t.Run("most recent", func(t *testing.T) {
		recent := registry.MostRecent(req)
		require.NotNil(t, recent)
		require.Equal(t, "s-org", recent.ID)
	})
}

func TestRegistrySet(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	registry, codec := newTestRegistry(t, now)

	t.Run("replaces session for same login name and organization", func(t *testing.T) {
		req := requestWithSessions(t, codec, testSession("first", "alice@example.com", now.Add(-time.Minute)))

		w := httptest.NewRecorder()
		require.NoError(t, registry.Set(w, req, testSession("second", "alice@example.com", now)))

		updated := requestWithCookies(w.Result().Cookies())
		sessions := registry.All(updated)
		require.Len(t, sessions, 1)
		require.Equal(t, "second", sessions[0].ID)
	})

	t.Run("keeps sessions for other users", func(t *testing.T) {
		req := requestWithSessions(t, codec, testSession("s-bob", "bob@example.com", now.Add(-time.Minute)))

		w := httptest.NewRecorder()
		require.NoError(t, registry.Set(w, req, testSession("s-alice", "alice@example.com", now)))

		updated := requestWithCookies(w.Result().Cookies())
		require.Len(t, registry.All(updated), 2)
	})
}

func TestRegistryRemove(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	registry, codec := newTestRegistry(t, now)

	t.Run("removes by id", func(t *testing.T) {
		req := requestWithSessions(t, codec,
			testSession("keep", "alice@example.com", now),
			testSession("drop", "bob@example.com", now.Add(-time.Minute)),
		)

		w := httptest.NewRecorder()
		require.NoError(t, registry.Remove(w, req, "drop"))

		updated := requestWithCookies(w.Result().Cookies())
		sessions := registry.All(updated)
		require.Len(t, sessions, 1)
		require.Equal(t, "keep", sessions[0].ID)
	})

	t.Run("removing the last session clears the cookies", func(t *testing.T) {
		req := requestWithSessions(t, codec, testSession("only", "alice@example.com", now))

		w := httptest.NewRecorder()
		require.NoError(t, registry.Remove(w, req, "only"))

		for _, cookie := range w.Result().Cookies() {
			require.Negative(t, cookie.MaxAge)
		}
	})
}
