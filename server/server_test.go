package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cds-snc/forms-idp-login/auth"
	"github.com/cds-snc/forms-idp-login/flow"
	"github.com/cds-snc/forms-idp-login/identity"
	"github.com/cds-snc/forms-idp-login/identity/identityfake"
	"github.com/cds-snc/forms-idp-login/internal/config"
	"github.com/cds-snc/forms-idp-login/notify/notifyfake"
	"github.com/cds-snc/forms-idp-login/sessioncookie"
)

var (
	testSigningKey    = []byte("test-signing-key-0123456789abcdef")
	testEncryptionKey = []byte("0123456789abcdef0123456789abcdef")
)

// serverHarness drives the login UI the way a browser would: requests go
// through the full mux and Set-Cookie headers are folded back into a jar.
type serverHarness struct {
	server  *Server
	client  *identityfake.FakeClient
	sender  *notifyfake.FakeSender
	cookies []*http.Cookie
}

func newServerHarness(t *testing.T, options ...auth.Option) *serverHarness {
	t.Helper()
	codec, err := sessioncookie.NewCodec(testSigningKey, testEncryptionKey, sessioncookie.WithInsecureCookies())
	require.NoError(t, err)
	registry := sessioncookie.NewRegistry(codec)
	client := identityfake.NewFakeClient()
	sender := notifyfake.NewFakeSender()

	service, err := auth.NewService(client, registry, sender, options...)
	require.NoError(t, err)
	server, err := New(config.New(), service, client, flow.New())
	require.NoError(t, err)
	return &serverHarness{
		server: server,
		client: client,
		sender: sender,
	}
}

func (h *serverHarness) do(req *http.Request) *httptest.ResponseRecorder {
	for _, cookie := range h.cookies {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	h.server.ServeHTTP(w, req)
	h.capture(w)
	return w
}

func (h *serverHarness) get(target string) *httptest.ResponseRecorder {
	return h.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func (h *serverHarness) postForm(target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return h.do(req)
}

func (h *serverHarness) capture(w *httptest.ResponseRecorder) {
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

func (h *serverHarness) seedUser(t *testing.T, loginName, password string) *identity.User {
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

// submitCredentials walks the username and password screens.
func (h *serverHarness) submitCredentials(t *testing.T, loginName, password, requestID string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"loginName": {loginName}}
	if requestID != "" {
		form.Set("requestId", requestID)
	}
	w := h.postForm(RouteLoginName, form)
	require.Equal(t, http.StatusFound, w.Code)
	require.True(t, strings.HasPrefix(w.Header().Get("Location"), RoutePassword+"?"))

	form.Set("password", password)
	return h.postForm(RoutePassword, form)
}

func TestFlowInitiation(t *testing.T) {
	t.Run("missing request id is a bad request", func(t *testing.T) {
		h := newServerHarness(t)
		w := h.get(RouteLogin)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown auth request is a bad request", func(t *testing.T) {
		h := newServerHarness(t)
		w := h.get(RouteLogin + "?authRequest=ghost")
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("auth request without a session goes to username entry", func(t *testing.T) {
		h := newServerHarness(t)
		h.client.AddAuthRequest(&identity.AuthRequest{ID: "oidc_abc"})

		w := h.get(RouteLogin + "?authRequest=abc")
		require.Equal(t, http.StatusFound, w.Code)
		require.Equal(t, "/?requestId=oidc_abc", w.Header().Get("Location"))
	})

	t.Run("login hint prefills the username", func(t *testing.T) {
		h := newServerHarness(t)
		h.client.AddAuthRequest(&identity.AuthRequest{ID: "oidc_hint", LoginHint: "alice@example.com"})

		w := h.get(RouteLogin + "?authRequest=hint")
		require.Equal(t, http.StatusFound, w.Code)
		location, err := url.Parse(w.Header().Get("Location"))
		require.NoError(t, err)
		require.Equal(t, "alice@example.com", location.Query().Get("loginName"))
	})

	t.Run("prompt select_account goes to the account picker", func(t *testing.T) {
		h := newServerHarness(t)
		h.client.AddAuthRequest(&identity.AuthRequest{
			ID:     "oidc_sel",
			Prompt: []identity.Prompt{identity.PromptSelectAccount},
		})

		w := h.get(RouteLogin + "?authRequest=sel")
		require.Equal(t, http.StatusFound, w.Code)
		require.Equal(t, RouteAccounts+"?requestId=oidc_sel", w.Header().Get("Location"))
	})

	t.Run("prompt create goes to registration", func(t *testing.T) {
		h := newServerHarness(t)
		h.client.AddAuthRequest(&identity.AuthRequest{
			ID:     "oidc_new",
			Prompt: []identity.Prompt{identity.PromptCreate},
		})

		w := h.get(RouteLogin + "?authRequest=new")
		require.Equal(t, http.StatusFound, w.Code)
		require.Equal(t, RouteRegister+"?requestId=oidc_new", w.Header().Get("Location"))
	})

	t.Run("prompt none without a complete flow fails", func(t *testing.T) {
		h := newServerHarness(t)
		h.client.AddAuthRequest(&identity.AuthRequest{
			ID:     "oidc_silent",
			Prompt: []identity.Prompt{identity.PromptNone},
		})

		w := h.get(RouteLogin + "?authRequest=silent")
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "login required")
	})

	t.Run("saml request goes to username entry", func(t *testing.T) {
		h := newServerHarness(t)
		h.client.AddSAMLRequest(&identity.SAMLRequest{ID: "saml_xyz"})

		w := h.get(RouteLogin + "?samlRequest=xyz")
		require.Equal(t, http.StatusFound, w.Code)
		require.Equal(t, "/?requestId=saml_xyz", w.Header().Get("Location"))
	})
}

func TestPasswordJourney(t *testing.T) {
	t.Run("password only flow ends at the relying party callback", func(t *testing.T) {
		h := newServerHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")
		h.client.AddAuthRequest(&identity.AuthRequest{ID: "oidc_abc"})

		w := h.get(RouteLogin + "?authRequest=abc")
		require.Equal(t, http.StatusFound, w.Code)

		w = h.submitCredentials(t, "alice@example.com", "hunter22", "oidc_abc")
		require.Equal(t, http.StatusFound, w.Code)
		require.Equal(t, "https://rp.example.com/callback?code=oidc_abc", w.Header().Get("Location"))
	})

	t.Run("no relying party request lands on the signed in page", func(t *testing.T) {
		h := newServerHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")

		w := h.submitCredentials(t, "alice@example.com", "hunter22", "")
		require.Equal(t, http.StatusFound, w.Code)
		require.True(t, strings.HasPrefix(w.Header().Get("Location"), RouteSignedIn))
	})

	t.Run("org suffixed login carries the canonical name forward", func(t *testing.T) {
		h := newServerHarness(t)
		h.client.AddOrganization(identity.Organization{ID: "org-1", PrimaryDomain: "acme.ca"})
		h.client.AddUser(&identity.User{
			State:              identity.UserStateActive,
			Username:           "alice",
			PreferredLoginName: "alice",
			OrganizationID:     "org-1",
			Human: &identity.HumanUser{
				Email: identity.Email{Address: "alice@acme.ca", IsVerified: true},
			},
		}, "hunter22")

		w := h.postForm(RouteLoginName, url.Values{"loginName": {"alice@acme.ca"}})
		require.Equal(t, http.StatusFound, w.Code)
		location, err := url.Parse(w.Header().Get("Location"))
		require.NoError(t, err)
		require.Equal(t, "alice", location.Query().Get("loginName"))
		require.Equal(t, "org-1", location.Query().Get("organization"))

		w = h.postForm(RoutePassword, url.Values{
			"loginName":    {"alice"},
			"organization": {"org-1"},
			"password":     {"hunter22"},
		})
		require.Equal(t, http.StatusFound, w.Code)

		jarred := httptest.NewRequest(http.MethodGet, "/", nil)
		for _, cookie := range h.cookies {
			jarred.AddCookie(cookie)
		}
		require.Len(t, h.server.auth.Sessions(jarred), 1)
	})

	t.Run("wrong password re-renders with a generic message", func(t *testing.T) {
		h := newServerHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")

		w := h.submitCredentials(t, "alice@example.com", "wrong", "")
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), "Could not verify password")
	})

	t.Run("unknown user gets the same message as a wrong password", func(t *testing.T) {
		h := newServerHarness(t)
		w := h.postForm(RouteLoginName, url.Values{"loginName": {"ghost@example.com"}})
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), "Could not verify password")
	})

	t.Run("lockout renders the locked page", func(t *testing.T) {
		h := newServerHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")
		h.client.SetLockoutSettings("", &identity.LockoutSettings{MaxPasswordAttempts: 2})

		form := url.Values{"loginName": {"alice@example.com"}, "password": {"wrong"}}
		w := h.postForm(RoutePassword, form)
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), "Could not verify password")

		w = h.postForm(RoutePassword, form)
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), "Account locked")
	})
}

func TestMFAJourney(t *testing.T) {
	t.Run("configured totp interrupts the flow until verified", func(t *testing.T) {
		h := newServerHarness(t)
		user := h.seedUser(t, "alice@example.com", "hunter22")
		h.client.SetAuthMethods(user.ID, identity.AuthMethodPassword, identity.AuthMethodTOTP)
		h.client.SetTOTPCode(user.ID, "123456")

		w := h.submitCredentials(t, "alice@example.com", "hunter22", "")
		require.Equal(t, http.StatusFound, w.Code)
		mfaTarget := w.Header().Get("Location")
		require.True(t, strings.HasPrefix(mfaTarget, RouteMFA+"?"))

		w = h.get(mfaTarget)
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), "/otp/time-based?")

		params := url.Values{"loginName": {"alice@example.com"}, "code": {"123456"}}
		w = h.postForm("/otp/time-based", params)
		require.Equal(t, http.StatusFound, w.Code)
		require.True(t, strings.HasPrefix(w.Header().Get("Location"), RouteSignedIn))
	})

	t.Run("forced mfa with nothing configured goes to setup", func(t *testing.T) {
		h := newServerHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")
		h.client.SetLoginSettings("", &identity.LoginSettings{
			AllowUsernamePassword: true,
			ForceMFA:              true,
		})

		w := h.submitCredentials(t, "alice@example.com", "hunter22", "")
		require.Equal(t, http.StatusFound, w.Code)
		location := w.Header().Get("Location")
		require.True(t, strings.HasPrefix(location, RouteMFASet+"?"))
		require.Contains(t, location, "checkAfter=true")
	})

	t.Run("wrong otp code re-renders the challenge", func(t *testing.T) {
		h := newServerHarness(t)
		user := h.seedUser(t, "alice@example.com", "hunter22")
		h.client.SetAuthMethods(user.ID, identity.AuthMethodPassword, identity.AuthMethodTOTP)
		h.client.SetTOTPCode(user.ID, "123456")
		h.submitCredentials(t, "alice@example.com", "hunter22", "")

		w := h.postForm("/otp/time-based", url.Values{
			"loginName": {"alice@example.com"},
			"code":      {"999999"},
		})
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), "Invalid code")
	})

	t.Run("security key enrollment renders creation options", func(t *testing.T) {
		h := newServerHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")
		h.submitCredentials(t, "alice@example.com", "hunter22", "")

		w := h.get(RouteU2FSet + "?loginName=alice%40example.com")
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), "webauthn-creation-options")
		require.Contains(t, w.Body.String(), `name="u2fId"`)
	})

	t.Run("unknown otp method is not found", func(t *testing.T) {
		h := newServerHarness(t)
		w := h.postForm("/otp/carrier-pigeon", url.Values{"code": {"123456"}})
		require.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestPasswordSetAfterVerification(t *testing.T) {
	t.Run("a freshly verified browser may skip the emailed code", func(t *testing.T) {
		h := newServerHarness(t)
		user := h.seedUser(t, "alice@example.com", "old-password")
		user.Human.Email.IsVerified = false

		code, err := h.client.SendEmailCode(context.Background(), user.ID)
		require.NoError(t, err)

		w := h.postForm(RouteVerify, url.Values{"userId": {user.ID}, "code": {code}})
		require.Equal(t, http.StatusFound, w.Code)

		w = h.postForm(RoutePasswordSet, url.Values{
			"userId":      {user.ID},
			"newPassword": {"new-password"},
		})
		require.Equal(t, http.StatusFound, w.Code)
		require.True(t, strings.HasPrefix(w.Header().Get("Location"), RoutePassword))

		w = h.submitCredentials(t, "alice@example.com", "new-password", "")
		require.Equal(t, http.StatusFound, w.Code)
	})

	t.Run("without the verification mark a code is required", func(t *testing.T) {
		h := newServerHarness(t)
		user := h.seedUser(t, "alice@example.com", "old-password")

		w := h.postForm(RoutePasswordSet, url.Values{
			"userId":      {user.ID},
			"newPassword": {"new-password"},
		})
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), "Invalid code")
	})
}

func TestExternalProviders(t *testing.T) {
	t.Run("username entry offers the active providers", func(t *testing.T) {
		h := newServerHarness(t)
		h.client.SetLoginSettings("", &identity.LoginSettings{
			AllowUsernamePassword: true,
			AllowExternalIDP:      true,
		})
		h.client.AddIdentityProvider("", identity.IdentityProvider{ID: "idp-1", Name: "Acme SSO"})

		w := h.get("/")
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), "Sign in with Acme SSO")
	})

	t.Run("starting an external login redirects to the provider", func(t *testing.T) {
		h := newServerHarness(t)
		w := h.postForm(RouteIDPStart, url.Values{"idpId": {"idp-1"}})
		require.Equal(t, http.StatusFound, w.Code)
		require.Equal(t, "https://idp.example.com/authorize?intent=idp-1", w.Header().Get("Location"))
	})

	t.Run("providers are hidden when external login is off", func(t *testing.T) {
		h := newServerHarness(t)
		h.client.AddIdentityProvider("", identity.IdentityProvider{ID: "idp-1", Name: "Acme SSO"})

		w := h.get("/")
		require.Equal(t, http.StatusOK, w.Code)
		require.NotContains(t, w.Body.String(), "Acme SSO")
	})
}

func TestAccountPicker(t *testing.T) {
	t.Run("only sessions the service still honors are offered", func(t *testing.T) {
		h := newServerHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")
		h.seedUser(t, "bob@example.com", "hunter23")
		h.submitCredentials(t, "alice@example.com", "hunter22", "")
		w := h.submitCredentials(t, "bob@example.com", "hunter23", "")
		require.Equal(t, http.StatusFound, w.Code)

		// Revoke alice's session at the service; the cookie still holds it.
		jarred := httptest.NewRequest(http.MethodGet, "/", nil)
		for _, cookie := range h.cookies {
			jarred.AddCookie(cookie)
		}
		records := h.server.auth.Sessions(jarred)
		require.Len(t, records, 2)
		for _, record := range records {
			if record.LoginName == "alice@example.com" {
				require.NoError(t, h.client.DeleteSession(context.Background(), record.ID, ""))
			}
		}

		page := h.get(RouteAccounts)
		require.Equal(t, http.StatusOK, page.Code)
		require.NotContains(t, page.Body.String(), "alice@example.com")
		require.Contains(t, page.Body.String(), "bob@example.com")
	})
}

func TestLogoutSession(t *testing.T) {
	t.Run("logout clears the session and cache busts the return url", func(t *testing.T) {
		h := newServerHarness(t)
		h.seedUser(t, "alice@example.com", "hunter22")
		h.submitCredentials(t, "alice@example.com", "hunter22", "")
		require.NotEmpty(t, h.cookies)

		w := h.get(RouteLogoutSession + "?returnUrl=/goodbye")
		require.Equal(t, http.StatusFound, w.Code)
		require.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		location := w.Header().Get("Location")
		require.True(t, strings.HasPrefix(location, "/goodbye?t="))
		require.Empty(t, h.cookies)
	})

	t.Run("off-site return urls fall back to the root", func(t *testing.T) {
		h := newServerHarness(t)
		w := h.get(RouteLogoutSession + "?returnUrl=https://evil.example.com")
		require.Equal(t, http.StatusFound, w.Code)
		require.True(t, strings.HasPrefix(w.Header().Get("Location"), "/?t="))
	})
}

func TestOperationalRoutes(t *testing.T) {
	t.Run("security settings are served with a shared cache", func(t *testing.T) {
		h := newServerHarness(t)
		h.client.SetSecuritySettings(&identity.SecuritySettings{
			EmbeddedIframeEnabled: true,
			AllowedOrigins:        []string{"https://rp.example.com"},
		})

		w := h.get(RouteSecurity)
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "public, max-age=3600, stale-while-revalidate=86400", w.Header().Get("Cache-Control"))

		var settings identity.SecuritySettings
		require.NoError(t, json.NewDecoder(w.Body).Decode(&settings))
		require.True(t, settings.EmbeddedIframeEnabled)
		require.Equal(t, []string{"https://rp.example.com"}, settings.AllowedOrigins)
	})

	t.Run("security settings outage is a bad gateway", func(t *testing.T) {
		h := newServerHarness(t)
		h.client.Err = context.DeadlineExceeded
		w := h.get(RouteSecurity)
		require.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("healthz reports ok", func(t *testing.T) {
		h := newServerHarness(t)
		w := h.get(RouteHealthz)
		require.Equal(t, http.StatusOK, w.Code)
		require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	})
}

func TestPageGuards(t *testing.T) {
	t.Run("password page without a user goes back to username entry", func(t *testing.T) {
		h := newServerHarness(t)
		w := h.get(RoutePassword)
		require.Equal(t, http.StatusFound, w.Code)
		require.Equal(t, "/", w.Header().Get("Location"))
	})

	t.Run("mfa page without a session goes back to username entry", func(t *testing.T) {
		h := newServerHarness(t)
		w := h.get(RouteMFA)
		require.Equal(t, http.StatusFound, w.Code)
		require.Equal(t, "/", w.Header().Get("Location"))
	})

	t.Run("frame security headers are set on pages", func(t *testing.T) {
		h := newServerHarness(t)
		w := h.get("/")
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "SAMEORIGIN", w.Header().Get("X-Frame-Options"))
	})
}
