package identity

import (
	"context"
	"time"
)

// DefaultCheckLifetime is applied whenever the login settings do not supply
// a lifetime for a check.
const DefaultCheckLifetime = 24 * time.Hour

// SessionResult pairs a session with the bearer token needed to reference
// it on subsequent calls. The token must never leave the signed cookie.
type SessionResult struct {
	Session *Session
	Token   string
}

type CreateSessionRequest struct {
	Checks     Checks
	Challenges *ChallengeRequest
	Lifetime   time.Duration
}

type SetSessionRequest struct {
	SessionID    string
	SessionToken string
	Checks       Checks
	Challenges   *ChallengeRequest
	Lifetime     time.Duration
}

type VerifyU2FRegistrationRequest struct {
	U2FID               string
	UserID              string
	TokenName           string
	PublicKeyCredential []byte
}

type SetPasswordRequest struct {
	UserID string
	// SessionToken, when set, authorizes the change as the user themselves.
	SessionToken string
	// Code authorizes the change through a previously issued reset code.
	Code           string
	NewPassword    string
	ChangeRequired bool
}

type StartIDPFlowRequest struct {
	IDPID      string
	SuccessURL string
	FailureURL string
}

// Client is the identity service consumed by the login app. All state
// lives behind this interface; the app only sequences calls against it.
type Client interface {
	// Sessions
	CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionResult, error)
	SetSession(ctx context.Context, req SetSessionRequest) (*SessionResult, error)
	GetSession(ctx context.Context, sessionID, sessionToken string) (*Session, error)
	DeleteSession(ctx context.Context, sessionID, sessionToken string) error
	ListSessions(ctx context.Context, ids []string) ([]*Session, error)

	// Users
	ListUsers(ctx context.Context, loginName, organizationID string) ([]*User, error)
	GetUserByID(ctx context.Context, userID string) (*User, error)
	ListAuthenticationMethodTypes(ctx context.Context, userID string) ([]AuthMethodType, error)

	// Credential registration
	RegisterTOTP(ctx context.Context, userID string) (*TOTPRegistration, error)
	VerifyTOTPRegistration(ctx context.Context, userID, code string) error
	RegisterU2F(ctx context.Context, userID, domain string) (*U2FRegistration, error)
	VerifyU2FRegistration(ctx context.Context, req VerifyU2FRegistrationRequest) error
	AddOTPEmail(ctx context.Context, userID string) error

	// Email verification and password management. Code-issuing calls run in
	// return-code mode: the code comes back to us and is delivered through
	// our own email provider.
	VerifyEmail(ctx context.Context, userID, code string) error
	SendEmailCode(ctx context.Context, userID string) (code string, err error)
	PasswordReset(ctx context.Context, userID string) (code string, err error)
	SetPassword(ctx context.Context, req SetPasswordRequest) error

	// Settings (read-only, fetched per organization)
	GetLoginSettings(ctx context.Context, organizationID string) (*LoginSettings, error)
	GetLockoutSettings(ctx context.Context, organizationID string) (*LockoutSettings, error)
	GetPasswordExpirySettings(ctx context.Context, organizationID string) (*PasswordExpirySettings, error)
	GetSecuritySettings(ctx context.Context) (*SecuritySettings, error)

	// Relying-party flow finalization
	GetAuthRequest(ctx context.Context, authRequestID string) (*AuthRequest, error)
	CreateCallback(ctx context.Context, authRequestID, sessionID, sessionToken string) (callbackURL string, err error)
	GetSAMLRequest(ctx context.Context, samlRequestID string) (*SAMLRequest, error)
	CreateSAMLResponse(ctx context.Context, samlRequestID, sessionID, sessionToken string) (*SAMLResponseBinding, error)

	// External identity providers (brokered by the identity service)
	GetActiveIdentityProviders(ctx context.Context, organizationID string) ([]IdentityProvider, error)
	StartIdentityProviderFlow(ctx context.Context, req StartIDPFlowRequest) (redirectURL string, err error)
	GetOrgsByDomain(ctx context.Context, domain string) ([]Organization, error)
}
