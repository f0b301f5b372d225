package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cds-snc/forms-idp-login/identity"
	"github.com/cds-snc/forms-idp-login/identity/identityfake"
	apperrors "github.com/cds-snc/forms-idp-login/internal/errors"
	"github.com/cds-snc/forms-idp-login/notify/notifyfake"
	"github.com/cds-snc/forms-idp-login/sessioncookie"
)

var (
	testSigningKey    = []byte("test-signing-key-0123456789abcdef")
	testEncryptionKey = []byte("0123456789abcdef0123456789abcdef")
)

type testHarness struct {
	service  *Service
	client   *identityfake.FakeClient
	sender   *notifyfake.FakeSender
	registry *sessioncookie.Registry
	cookies  []*http.Cookie
}

func newHarness(t *testing.T, options ...Option) *testHarness {
	t.Helper()
	codec, err := sessioncookie.NewCodec(testSigningKey, testEncryptionKey, sessioncookie.WithInsecureCookies())
	require.NoError(t, err)
	registry := sessioncookie.NewRegistry(codec)
	client := identityfake.NewFakeClient()
	sender := notifyfake.NewFakeSender()

	service, err := NewService(client, registry, sender, options...)
	require.NoError(t, err)
	return &testHarness{
		service:  service,
		client:   client,
		sender:   sender,
		registry: registry,
	}
}

// request builds a request carrying the harness's accumulated cookies.
func (h *testHarness) request() *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	for _, cookie := range h.cookies {
		req.AddCookie(cookie)
	}
	return req
}

// capture folds a response's Set-Cookie headers back into the jar.
func (h *testHarness) capture(w *httptest.ResponseRecorder) {
	for _, cookie := range w.Result().Cookies() {
		kept := h.cookies[:0]
		for _, existing := range h.cookies {
			if existing.Name != cookie.Name {
				kept = append(kept, existing)
			}
		}
		h.cookies = kept
		if cookie.MaxAge >= 0 {
			h.cookies = append(h.cookies, cookie)
		}
	}
}

func (h *testHarness) seedUser(t *testing.T, loginName, password string) *identity.User {
	t.Helper()
	user := &identity.User{
		State:              identity.UserStateActive,
		Username:           loginName,
		PreferredLoginName: loginName,
		Human: &identity.HumanUser{
			Email: identity.Email{Address: loginName, IsVerified: true},
		},
	}
	h.client.AddUser(user, password)
	return user
}

func (h *testHarness) login(t *testing.T, loginName, password string) *CheckResult {
	t.Helper()
	w := httptest.NewRecorder()
	result, err := h.service.SendPassword(context.Background(), w, h.request(), SessionRef{LoginName: loginName}, password)
	require.NoError(t, err)
	h.capture(w)
	return result
}

func TestSendLoginName(t *testing.T) {
	t.Run("known user creates a partial session", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")

		w := httptest.NewRecorder()
		result, err := h.service.SendLoginName(context.Background(), w, h.request(), SessionRef{LoginName: "alice@example.com"})
		require.NoError(t, err)
		require.NotNil(t, result.Session)
		require.NotEmpty(t, result.Session.ID)
		require.NotEmpty(t, result.Session.Token)
		h.capture(w)

		stored := h.registry.ByLoginName(h.request(), "alice@example.com", "")
		require.NotNil(t, stored)
		require.Equal(t, result.Session.ID, stored.ID)
	})

	t.Run("unknown user is reported", func(t *testing.T) {
		h := newHarness(t)
		w := httptest.NewRecorder()
		_, err := h.service.SendLoginName(context.Background(), w, h.request(), SessionRef{LoginName: "ghost@example.com"})
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("unknown user is hidden when settings say so", func(t *testing.T) {
		h := newHarness(t)
		h.client.SetLoginSettings("", &identity.LoginSettings{
			AllowUsernamePassword:  true,
			IgnoreUnknownUsernames: true,
		})

		w := httptest.NewRecorder()
		result, err := h.service.SendLoginName(context.Background(), w, h.request(), SessionRef{LoginName: "ghost@example.com"})
		require.NoError(t, err)
		require.Nil(t, result.Session)
	})

	t.Run("org suffixed login names resolve through the domain", func(t *testing.T) {
		h := newHarness(t)
		h.client.AddOrganization(identity.Organization{ID: "org-1", PrimaryDomain: "acme.ca"})
		user := &identity.User{
			State:              identity.UserStateActive,
			Username:           "alice",
			PreferredLoginName: "alice",
			OrganizationID:     "org-1",
			Human: &identity.HumanUser{
				Email: identity.Email{Address: "alice@acme.ca", IsVerified: true},
			},
		}
		h.client.AddUser(user, "hunter22")

		w := httptest.NewRecorder()
		result, err := h.service.SendLoginName(context.Background(), w, h.request(), SessionRef{LoginName: "alice@acme.ca"})
		require.NoError(t, err)
		require.NotNil(t, result.Session)
		require.Equal(t, "alice", result.Session.LoginName)
	})

	t.Run("initial users are rejected", func(t *testing.T) {
		h := newHarness(t)
		user := h.seedUser(t, "new@example.com", "")
		user.State = identity.UserStateInitial

		w := httptest.NewRecorder()
		_, err := h.service.SendLoginName(context.Background(), w, h.request(), SessionRef{LoginName: "new@example.com"})
		require.ErrorIs(t, err, apperrors.ErrInitialUserState)
	})
}

func TestSendPassword(t *testing.T) {
	t.Run("correct password satisfies the factor", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")

		result := h.login(t, "alice@example.com", "hunter22")
		require.True(t, result.Full.Factors.Password.Verified())
		require.Equal(t, "alice@example.com", result.Session.LoginName)
	})

	t.Run("reuses the session from username discovery", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")

		w := httptest.NewRecorder()
		first, err := h.service.SendLoginName(context.Background(), w, h.request(), SessionRef{LoginName: "alice@example.com"})
		require.NoError(t, err)
		h.capture(w)

		second := h.login(t, "alice@example.com", "hunter22")
		require.Equal(t, first.Session.ID, second.Session.ID)
		require.Len(t, h.registry.All(h.request()), 1)
	})

	t.Run("wrong password is rejected", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")

		w := httptest.NewRecorder()
		_, err := h.service.SendPassword(context.Background(), w, h.request(), SessionRef{LoginName: "alice@example.com"}, "wrong")
		require.ErrorIs(t, err, apperrors.ErrCheckRejected)
	})

	t.Run("reaching the lockout limit reports a locked account", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")
		h.client.SetLockoutSettings("", &identity.LockoutSettings{MaxPasswordAttempts: 2})

		w := httptest.NewRecorder()
		_, err := h.service.SendPassword(context.Background(), w, h.request(), SessionRef{LoginName: "alice@example.com"}, "wrong")
		require.ErrorIs(t, err, apperrors.ErrCheckRejected)

		w = httptest.NewRecorder()
		_, err = h.service.SendPassword(context.Background(), w, h.request(), SessionRef{LoginName: "alice@example.com"}, "wrong")
		require.ErrorIs(t, err, apperrors.ErrAccountLocked)
	})
}

func TestOTPFactors(t *testing.T) {
	t.Run("totp code verifies", func(t *testing.T) {
		h := newHarness(t)
		user := h.seedUser(t, "alice@example.com", "hunter22")
		h.client.SetTOTPCode(user.ID, "123456")
		h.login(t, "alice@example.com", "hunter22")

		w := httptest.NewRecorder()
		_, err := h.service.VerifyTOTP(context.Background(), w, h.request(), SessionRef{LoginName: "alice@example.com"}, "999999")
		require.ErrorIs(t, err, apperrors.ErrInvalidCode)

		w = httptest.NewRecorder()
		result, err := h.service.VerifyTOTP(context.Background(), w, h.request(), SessionRef{LoginName: "alice@example.com"}, "123456")
		require.NoError(t, err)
		require.True(t, result.Full.Factors.TOTP.Verified())
	})

	t.Run("otp email challenge delivers a working code", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")
		login := h.login(t, "alice@example.com", "hunter22")

		w := httptest.NewRecorder()
		_, err := h.service.SendOTPEmailChallenge(context.Background(), w, h.request(), SessionRef{LoginName: "alice@example.com"})
		require.NoError(t, err)
		h.capture(w)

		code := h.client.PendingOTPEmailCode(login.Session.ID)
		require.NotEmpty(t, code)
		require.Eventually(t, func() bool {
			sent := h.sender.Sent()
			return len(sent) == 1 && sent[0].ToAddress == "alice@example.com"
		}, time.Second, 10*time.Millisecond)

		w = httptest.NewRecorder()
		result, err := h.service.VerifyOTPEmail(context.Background(), w, h.request(), SessionRef{LoginName: "alice@example.com"}, code)
		require.NoError(t, err)
		require.True(t, result.Full.Factors.OTPEmail.Verified())
	})

	t.Run("check without a session is session not found", func(t *testing.T) {
		h := newHarness(t)
		w := httptest.NewRecorder()
		_, err := h.service.VerifyTOTP(context.Background(), w, h.request(), SessionRef{LoginName: "nobody@example.com"}, "123456")
		require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
	})
}

func TestRegistration(t *testing.T) {
	t.Run("totp enrollment followed by check", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")
		h.login(t, "alice@example.com", "hunter22")
		ref := SessionRef{LoginName: "alice@example.com"}

		registration, err := h.service.RegisterTOTP(context.Background(), h.request(), ref)
		require.NoError(t, err)
		require.NotEmpty(t, registration.Secret)

		w := httptest.NewRecorder()
		result, err := h.service.VerifyTOTPRegistration(context.Background(), w, h.request(), ref, registration.Secret)
		require.NoError(t, err)
		require.True(t, result.Full.Factors.TOTP.Verified())
	})

	t.Run("otp email enrollment is idempotent for callers", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")
		h.login(t, "alice@example.com", "hunter22")
		ref := SessionRef{LoginName: "alice@example.com"}

		require.NoError(t, h.service.SetupOTPEmail(context.Background(), h.request(), ref))
		require.NoError(t, h.service.SetupOTPEmail(context.Background(), h.request(), ref))
	})
}

func TestEmailVerification(t *testing.T) {
	h := newHarness(t, WithEmailVerificationRequired(true))
	user := h.seedUser(t, "alice@example.com", "hunter22")
	user.Human.Email.IsVerified = false

	require.NoError(t, h.service.SendVerificationEmail(context.Background(), user.ID))
	code := h.client.IssuedEmailCode(user.ID)
	require.NotEmpty(t, code)

	require.ErrorIs(t, h.service.VerifyEmailCode(context.Background(), user.ID, "wrong"), apperrors.ErrInvalidCode)
	require.NoError(t, h.service.VerifyEmailCode(context.Background(), user.ID, code))
	require.True(t, user.Human.Email.IsVerified)

	// Verification enrolls the address as an OTP factor.
	methods, err := h.client.ListAuthenticationMethodTypes(context.Background(), user.ID)
	require.NoError(t, err)
	require.Contains(t, methods, identity.AuthMethodOTPEmail)
}

func TestPasswordManagement(t *testing.T) {
	t.Run("reset issues an emailed code that sets a new password", func(t *testing.T) {
		h := newHarness(t)
		user := h.seedUser(t, "alice@example.com", "old-password")

		userID, err := h.service.ResetPassword(context.Background(), SessionRef{LoginName: "alice@example.com"})
		require.NoError(t, err)
		require.Equal(t, user.ID, userID)
		code := h.client.IssuedResetCode(user.ID)
		require.NotEmpty(t, code)

		require.NoError(t, h.service.SetPasswordWithCode(context.Background(), user.ID, code, "new-password"))
		h.login(t, "alice@example.com", "new-password")
	})

	t.Run("reset for an unknown login name is not found", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.service.ResetPassword(context.Background(), SessionRef{LoginName: "ghost@example.com"})
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("change requires the current password", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "alice@example.com", "old-password")
		h.login(t, "alice@example.com", "old-password")
		ref := SessionRef{LoginName: "alice@example.com"}

		w := httptest.NewRecorder()
		err := h.service.ChangePassword(context.Background(), w, h.request(), ref, "wrong", "new-password")
		require.ErrorIs(t, err, apperrors.ErrCheckRejected)

		w = httptest.NewRecorder()
		require.NoError(t, h.service.ChangePassword(context.Background(), w, h.request(), ref, "old-password", "new-password"))
		h.capture(w)
		h.login(t, "alice@example.com", "new-password")
	})
}

func TestSessionLifecycle(t *testing.T) {
	t.Run("logout removes the session everywhere", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")
		result := h.login(t, "alice@example.com", "hunter22")

		w := httptest.NewRecorder()
		require.NoError(t, h.service.Logout(context.Background(), w, h.request(), result.Session.ID))
		h.capture(w)

		require.Empty(t, h.service.Sessions(h.request()))
		_, err := h.client.GetSession(context.Background(), result.Session.ID, result.Session.Token)
		require.Error(t, err)
	})

	t.Run("continue with a deleted session is expired", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")
		result := h.login(t, "alice@example.com", "hunter22")

		require.NoError(t, h.client.DeleteSession(context.Background(), result.Session.ID, result.Session.Token))
		_, err := h.service.ContinueWithSession(context.Background(), h.request(), result.Session.ID)
		require.ErrorIs(t, err, apperrors.ErrSessionExpired)
	})
}

func TestFlowInput(t *testing.T) {
	t.Run("no cookies yields a nil session with settings", func(t *testing.T) {
		h := newHarness(t)
		input, err := h.service.FlowInput(context.Background(), h.request(), SessionRef{RequestID: "oidc_abc"})
		require.NoError(t, err)
		require.Nil(t, input.Session)
		require.NotNil(t, input.LoginSettings)
		require.Equal(t, "oidc_abc", input.RequestID)
	})

	t.Run("live session is fully hydrated", func(t *testing.T) {
		h := newHarness(t)
		user := h.seedUser(t, "alice@example.com", "hunter22")
		h.client.SetAuthMethods(user.ID, identity.AuthMethodPassword, identity.AuthMethodTOTP)
		h.login(t, "alice@example.com", "hunter22")

		input, err := h.service.FlowInput(context.Background(), h.request(), SessionRef{LoginName: "alice@example.com"})
		require.NoError(t, err)
		require.NotNil(t, input.Session)
		require.True(t, input.Session.Factors.Password.Verified())
		require.Equal(t, user.ID, input.User.ID)
		require.Contains(t, input.AuthMethods, identity.AuthMethodTOTP)
	})

	t.Run("session revoked at the service is treated as absent", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")
		result := h.login(t, "alice@example.com", "hunter22")
		require.NoError(t, h.client.DeleteSession(context.Background(), result.Session.ID, result.Session.Token))

		input, err := h.service.FlowInput(context.Background(), h.request(), SessionRef{LoginName: "alice@example.com"})
		require.NoError(t, err)
		require.Nil(t, input.Session)
	})
}

func TestUserVerificationCookie(t *testing.T) {
	h := newHarness(t)
	w := httptest.NewRecorder()
	h.service.SetUserVerificationCookie(w, "user-1", "fp-1", false)

	req := httptest.NewRequest(http.MethodGet, "/verify", nil)
	for _, cookie := range w.Result().Cookies() {
		req.AddCookie(cookie)
	}
	require.True(t, h.service.CheckUserVerificationCookie(req, "user-1", "fp-1"))
	require.False(t, h.service.CheckUserVerificationCookie(req, "user-1", "fp-2"))
	require.False(t, h.service.CheckUserVerificationCookie(req, "user-2", "fp-1"))
}
