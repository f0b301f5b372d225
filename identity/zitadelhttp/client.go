// Package zitadelhttp implements identity.Client against the v2 JSON/REST
// API of a Zitadel-compatible identity service.
package zitadelhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/cds-snc/forms-idp-login/identity"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ identity.Client = (*Client)(nil)

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client (primarily for
// testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for the identity service at baseURL, authenticating
// service-level calls with the given personal access token.
func New(baseURL, token string, options ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("[zitadelhttp.New] baseURL is required")
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// apiError is the wire shape of an error response.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details []struct {
		FailedAttempts *uint64 `json:"failedAttempts,omitempty"`
	} `json:"details,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "[zitadelhttp.do] marshal request")
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "[zitadelhttp.do] build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &identity.TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &identity.TransientError{Err: err}
	}

	if resp.StatusCode >= 500 {
		log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("identity service server error")
		return &identity.TransientError{Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	if resp.StatusCode >= 400 {
		var wireErr apiError
		_ = json.Unmarshal(raw, &wireErr)
		for _, detail := range wireErr.Details {
			if detail.FailedAttempts != nil {
				return &identity.PasswordCheckError{FailedAttempts: *detail.FailedAttempts}
			}
		}
		return &identity.APIError{
			StatusCode: resp.StatusCode,
			Code:       wireErr.Code,
			Message:    wireErr.Message,
		}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return errors.Wrap(err, "[zitadelhttp.do] decode response")
		}
	}
	return nil
}

// wireDuration renders a duration in the service's "<seconds>s" format.
func wireDuration(d time.Duration) string {
	return fmt.Sprintf("%ds", int64(d.Seconds()))
}

type sessionResponse struct {
	Session      *identity.Session `json:"session"`
	SessionID    string            `json:"sessionId"`
	SessionToken string            `json:"sessionToken"`
}

func (c *Client) CreateSession(ctx context.Context, req identity.CreateSessionRequest) (*identity.SessionResult, error) {
	payload := map[string]any{"checks": req.Checks}
	if req.Challenges != nil {
		payload["challenges"] = wireChallenges(req.Challenges)
	}
	if req.Lifetime > 0 {
		payload["lifetime"] = wireDuration(req.Lifetime)
	}

	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, "/v2/sessions", payload, &resp); err != nil {
		return nil, err
	}

	session := resp.Session
	if session == nil {
		// The create endpoint returns only the id and token; fetch the full
		// session so callers always see the factor state.
		fetched, err := c.GetSession(ctx, resp.SessionID, resp.SessionToken)
		if err != nil {
			return nil, err
		}
		session = fetched
	}
	return &identity.SessionResult{Session: session, Token: resp.SessionToken}, nil
}

func (c *Client) SetSession(ctx context.Context, req identity.SetSessionRequest) (*identity.SessionResult, error) {
	payload := map[string]any{
		"sessionToken": req.SessionToken,
		"checks":       req.Checks,
	}
	if req.Challenges != nil {
		payload["challenges"] = wireChallenges(req.Challenges)
	}
	if req.Lifetime > 0 {
		payload["lifetime"] = wireDuration(req.Lifetime)
	}

	var resp sessionResponse
	if err := c.do(ctx, http.MethodPatch, "/v2/sessions/"+url.PathEscape(req.SessionID), payload, &resp); err != nil {
		return nil, err
	}

	token := resp.SessionToken
	if token == "" {
		token = req.SessionToken
	}
	session := resp.Session
	if session == nil {
		fetched, err := c.GetSession(ctx, req.SessionID, token)
		if err != nil {
			return nil, err
		}
		session = fetched
	}
	return &identity.SessionResult{Session: session, Token: token}, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID, sessionToken string) (*identity.Session, error) {
	path := "/v2/sessions/" + url.PathEscape(sessionID)
	if sessionToken != "" {
		path += "?sessionToken=" + url.QueryEscape(sessionToken)
	}
	var resp sessionResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Session == nil {
		return nil, &identity.APIError{StatusCode: 404, Code: "NOT_FOUND", Message: "session not found"}
	}
	return resp.Session, nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID, sessionToken string) error {
	payload := map[string]any{"sessionToken": sessionToken}
	return c.do(ctx, http.MethodDelete, "/v2/sessions/"+url.PathEscape(sessionID), payload, nil)
}

func (c *Client) ListSessions(ctx context.Context, ids []string) ([]*identity.Session, error) {
	payload := map[string]any{
		"queries": []map[string]any{
			{"idsQuery": map[string]any{"ids": ids}},
		},
	}
	var resp struct {
		Sessions []*identity.Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/sessions/search", payload, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) ListUsers(ctx context.Context, loginName, organizationID string) ([]*identity.User, error) {
	queries := []map[string]any{
		{"loginNameQuery": map[string]any{"loginName": loginName, "method": "TEXT_QUERY_METHOD_EQUALS"}},
	}
	if organizationID != "" {
		queries = append(queries, map[string]any{"organizationIdQuery": map[string]any{"organizationId": organizationID}})
	}
	var resp struct {
		Result []*identity.User `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/users/search", map[string]any{"queries": queries}, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *Client) GetUserByID(ctx context.Context, userID string) (*identity.User, error) {
	var resp struct {
		User *identity.User `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/users/"+url.PathEscape(userID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, &identity.APIError{StatusCode: 404, Code: "NOT_FOUND", Message: "user not found"}
	}
	return resp.User, nil
}

func (c *Client) ListAuthenticationMethodTypes(ctx context.Context, userID string) ([]identity.AuthMethodType, error) {
	var resp struct {
		AuthMethodTypes []string `json:"authMethodTypes"`
	}
	path := "/v2/users/" + url.PathEscape(userID) + "/authentication_methods"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	methods := make([]identity.AuthMethodType, 0, len(resp.AuthMethodTypes))
	for _, name := range resp.AuthMethodTypes {
		methods = append(methods, parseAuthMethodType(name))
	}
	return methods, nil
}

func (c *Client) RegisterTOTP(ctx context.Context, userID string) (*identity.TOTPRegistration, error) {
	var resp identity.TOTPRegistration
	if err := c.do(ctx, http.MethodPost, "/v2/users/"+url.PathEscape(userID)+"/totp", map[string]any{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) VerifyTOTPRegistration(ctx context.Context, userID, code string) error {
	payload := map[string]any{"code": code}
	return c.do(ctx, http.MethodPost, "/v2/users/"+url.PathEscape(userID)+"/totp/verify", payload, nil)
}

func (c *Client) RegisterU2F(ctx context.Context, userID, domain string) (*identity.U2FRegistration, error) {
	payload := map[string]any{"domain": domain}
	var resp identity.U2FRegistration
	if err := c.do(ctx, http.MethodPost, "/v2/users/"+url.PathEscape(userID)+"/u2f", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) VerifyU2FRegistration(ctx context.Context, req identity.VerifyU2FRegistrationRequest) error {
	payload := map[string]any{
		"publicKeyCredential": json.RawMessage(req.PublicKeyCredential),
		"tokenName":           req.TokenName,
	}
	path := "/v2/users/" + url.PathEscape(req.UserID) + "/u2f/" + url.PathEscape(req.U2FID)
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

func (c *Client) AddOTPEmail(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/v2/users/"+url.PathEscape(userID)+"/otp_email", map[string]any{}, nil)
}

func (c *Client) VerifyEmail(ctx context.Context, userID, code string) error {
	payload := map[string]any{"verificationCode": code}
	return c.do(ctx, http.MethodPost, "/v2/users/"+url.PathEscape(userID)+"/email/verify", payload, nil)
}

func (c *Client) SendEmailCode(ctx context.Context, userID string) (string, error) {
	payload := map[string]any{"returnCode": map[string]any{}}
	var resp struct {
		VerificationCode string `json:"verificationCode"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/users/"+url.PathEscape(userID)+"/email/resend", payload, &resp); err != nil {
		return "", err
	}
	return resp.VerificationCode, nil
}

func (c *Client) PasswordReset(ctx context.Context, userID string) (string, error) {
	payload := map[string]any{"returnCode": map[string]any{}}
	var resp struct {
		VerificationCode string `json:"verificationCode"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/users/"+url.PathEscape(userID)+"/password_reset", payload, &resp); err != nil {
		return "", err
	}
	return resp.VerificationCode, nil
}

func (c *Client) SetPassword(ctx context.Context, req identity.SetPasswordRequest) error {
	payload := map[string]any{
		"newPassword": map[string]any{
			"password":       req.NewPassword,
			"changeRequired": req.ChangeRequired,
		},
	}
	if req.Code != "" {
		payload["verificationCode"] = req.Code
	}

	if req.SessionToken != "" {
		// Self-service change authorized by the user's own session token.
		selfClient := &Client{baseURL: c.baseURL, token: req.SessionToken, httpClient: c.httpClient}
		return selfClient.do(ctx, http.MethodPost, "/v2/users/"+url.PathEscape(req.UserID)+"/password", payload, nil)
	}
	return c.do(ctx, http.MethodPost, "/v2/users/"+url.PathEscape(req.UserID)+"/password", payload, nil)
}

func (c *Client) GetLoginSettings(ctx context.Context, organizationID string) (*identity.LoginSettings, error) {
	var resp struct {
		Settings *wireLoginSettings `json:"settings"`
	}
	if err := c.do(ctx, http.MethodGet, settingsPath("/v2/settings/login", organizationID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Settings == nil {
		return nil, &identity.APIError{StatusCode: 404, Code: "NOT_FOUND", Message: "login settings not found"}
	}
	return resp.Settings.toDomain(), nil
}

func (c *Client) GetLockoutSettings(ctx context.Context, organizationID string) (*identity.LockoutSettings, error) {
	var resp struct {
		Settings *identity.LockoutSettings `json:"settings"`
	}
	if err := c.do(ctx, http.MethodGet, settingsPath("/v2/settings/lockout", organizationID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Settings, nil
}

func (c *Client) GetPasswordExpirySettings(ctx context.Context, organizationID string) (*identity.PasswordExpirySettings, error) {
	var resp struct {
		Settings *identity.PasswordExpirySettings `json:"settings"`
	}
	if err := c.do(ctx, http.MethodGet, settingsPath("/v2/settings/password/expiry", organizationID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Settings, nil
}

func (c *Client) GetSecuritySettings(ctx context.Context) (*identity.SecuritySettings, error) {
	var resp struct {
		Settings *identity.SecuritySettings `json:"settings"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/settings/security", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Settings, nil
}

func (c *Client) GetAuthRequest(ctx context.Context, authRequestID string) (*identity.AuthRequest, error) {
	var resp struct {
		AuthRequest *wireAuthRequest `json:"authRequest"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/oidc/auth_requests/"+url.PathEscape(authRequestID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.AuthRequest == nil {
		return nil, &identity.APIError{StatusCode: 404, Code: "NOT_FOUND", Message: "auth request not found"}
	}
	return resp.AuthRequest.toDomain(), nil
}

func (c *Client) CreateCallback(ctx context.Context, authRequestID, sessionID, sessionToken string) (string, error) {
	payload := map[string]any{
		"session": map[string]any{
			"sessionId":    sessionID,
			"sessionToken": sessionToken,
		},
	}
	var resp struct {
		CallbackURL string `json:"callbackUrl"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/oidc/auth_requests/"+url.PathEscape(authRequestID), payload, &resp); err != nil {
		return "", err
	}
	return resp.CallbackURL, nil
}

func (c *Client) GetSAMLRequest(ctx context.Context, samlRequestID string) (*identity.SAMLRequest, error) {
	var resp struct {
		SAMLRequest *identity.SAMLRequest `json:"samlRequest"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/saml/saml_requests/"+url.PathEscape(samlRequestID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.SAMLRequest == nil {
		return nil, &identity.APIError{StatusCode: 404, Code: "NOT_FOUND", Message: "saml request not found"}
	}
	return resp.SAMLRequest, nil
}

func (c *Client) CreateSAMLResponse(ctx context.Context, samlRequestID, sessionID, sessionToken string) (*identity.SAMLResponseBinding, error) {
	payload := map[string]any{
		"session": map[string]any{
			"sessionId":    sessionID,
			"sessionToken": sessionToken,
		},
	}
	var resp struct {
		URL  string `json:"url"`
		Post *struct {
			RelayState   string `json:"relayState"`
			SAMLResponse string `json:"samlResponse"`
		} `json:"post"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/saml/saml_requests/"+url.PathEscape(samlRequestID), payload, &resp); err != nil {
		return nil, err
	}
	binding := &identity.SAMLResponseBinding{Binding: "redirect", URL: resp.URL}
	if resp.Post != nil {
		binding.Binding = "post"
		binding.RelayState = resp.Post.RelayState
		binding.SAMLResponse = resp.Post.SAMLResponse
	}
	return binding, nil
}

func (c *Client) GetActiveIdentityProviders(ctx context.Context, organizationID string) ([]identity.IdentityProvider, error) {
	var resp struct {
		IdentityProviders []identity.IdentityProvider `json:"identityProviders"`
	}
	if err := c.do(ctx, http.MethodGet, settingsPath("/v2/settings/login/idps", organizationID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.IdentityProviders, nil
}

func (c *Client) StartIdentityProviderFlow(ctx context.Context, req identity.StartIDPFlowRequest) (string, error) {
	payload := map[string]any{
		"idpId": req.IDPID,
		"urls": map[string]any{
			"successUrl": req.SuccessURL,
			"failureUrl": req.FailureURL,
		},
	}
	var resp struct {
		AuthURL string `json:"authUrl"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/idp_intents", payload, &resp); err != nil {
		return "", err
	}
	return resp.AuthURL, nil
}

func (c *Client) GetOrgsByDomain(ctx context.Context, domain string) ([]identity.Organization, error) {
	payload := map[string]any{
		"queries": []map[string]any{
			{"domainQuery": map[string]any{"domain": domain, "method": "TEXT_QUERY_METHOD_EQUALS"}},
		},
	}
	var resp struct {
		Result []identity.Organization `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/organizations/search", payload, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func settingsPath(base, organizationID string) string {
	if organizationID == "" {
		return base
	}
	return base + "?organizationId=" + url.QueryEscape(organizationID)
}
