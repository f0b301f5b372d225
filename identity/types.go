package identity

import (
	"encoding/json"
	"time"
)

// Session is the identity service's view of a (possibly partial) login
// session. The session token required to reference it on subsequent calls
// is returned separately and only ever stored inside the signed cookie.
type Session struct {
	ID             string     `json:"id"`
	CreationDate   time.Time  `json:"creationDate"`
	ChangeDate     time.Time  `json:"changeDate"`
	ExpirationDate time.Time  `json:"expirationDate"`
	Factors        Factors    `json:"factors"`
	Challenges     Challenges `json:"challenges"`
}

// Factors holds the verification factors satisfied on a session. A nil
// entry means the factor has not been checked.
type Factors struct {
	User     *UserFactor `json:"user,omitempty"`
	Password *Factor     `json:"password,omitempty"`
	WebAuthN *Factor     `json:"webAuthN,omitempty"`
	TOTP     *Factor     `json:"totp,omitempty"`
	OTPEmail *Factor     `json:"otpEmail,omitempty"`
	OTPSMS   *Factor     `json:"otpSms,omitempty"`
	// Intent is set when the user authenticated through an external
	// identity provider.
	Intent *Factor `json:"intent,omitempty"`
}

type Factor struct {
	VerifiedAt time.Time `json:"verifiedAt"`
}

// Verified reports whether the factor has been satisfied.
func (f *Factor) Verified() bool {
	return f != nil && !f.VerifiedAt.IsZero()
}

type UserFactor struct {
	ID             string    `json:"id"`
	LoginName      string    `json:"loginName"`
	DisplayName    string    `json:"displayName"`
	OrganizationID string    `json:"organizationId"`
	VerifiedAt     time.Time `json:"verifiedAt"`
}

// Checks are the credential verifications submitted with a create/update
// session call. The accumulator resends the user check together with each
// new credential check.
type Checks struct {
	User     *UserCheck     `json:"user,omitempty"`
	Password *PasswordCheck `json:"password,omitempty"`
	WebAuthN *WebAuthNCheck `json:"webAuthN,omitempty"`
	TOTP     *CodeCheck     `json:"totp,omitempty"`
	OTPEmail *CodeCheck     `json:"otpEmail,omitempty"`
	OTPSMS   *CodeCheck     `json:"otpSms,omitempty"`
}

// UserCheck identifies the user a session belongs to, either by id or by
// login name search.
type UserCheck struct {
	UserID    string `json:"userId,omitempty"`
	LoginName string `json:"loginName,omitempty"`
}

type PasswordCheck struct {
	Password string `json:"password"`
}

type WebAuthNCheck struct {
	CredentialAssertionData json.RawMessage `json:"credentialAssertionData"`
}

type CodeCheck struct {
	Code string `json:"code"`
}

// ChallengeRequest asks the identity service to issue challenges alongside
// a session update.
type ChallengeRequest struct {
	WebAuthN *WebAuthNChallengeRequest `json:"webAuthN,omitempty"`
	// OTPEmailReturnCode requests the OTP email code be returned in the
	// response instead of delivered by the identity service, so it can be
	// sent through our own email provider.
	OTPEmailReturnCode bool `json:"otpEmailReturnCode,omitempty"`
	OTPSMS             bool `json:"otpSms,omitempty"`
}

type WebAuthNChallengeRequest struct {
	Domain                      string `json:"domain"`
	UserVerificationRequirement string `json:"userVerificationRequirement,omitempty"`
}

// Challenges are issued by the identity service in response to a
// ChallengeRequest.
type Challenges struct {
	WebAuthN *WebAuthNChallenge `json:"webAuthN,omitempty"`
	OTPEmail string             `json:"otpEmail,omitempty"`
	OTPSMS   string             `json:"otpSms,omitempty"`
}

type WebAuthNChallenge struct {
	PublicKeyCredentialRequestOptions json.RawMessage `json:"publicKeyCredentialRequestOptions"`
}

// AuthMethodType enumerates the authentication methods a user has
// configured at the identity service.
type AuthMethodType int

const (
	AuthMethodUnspecified AuthMethodType = iota
	AuthMethodPassword
	AuthMethodPasskey
	AuthMethodIDP
	AuthMethodTOTP
	AuthMethodU2F
	AuthMethodOTPSMS
	AuthMethodOTPEmail
)

func (t AuthMethodType) String() string {
	switch t {
	case AuthMethodPassword:
		return "password"
	case AuthMethodPasskey:
		return "passkey"
	case AuthMethodIDP:
		return "idp"
	case AuthMethodTOTP:
		return "totp"
	case AuthMethodU2F:
		return "u2f"
	case AuthMethodOTPSMS:
		return "otp_sms"
	case AuthMethodOTPEmail:
		return "otp_email"
	default:
		return "unspecified"
	}
}

// UserState mirrors the identity service's user lifecycle states.
type UserState int

const (
	UserStateUnspecified UserState = iota
	UserStateActive
	UserStateInactive
	UserStateDeleted
	UserStateLocked
	// UserStateInitial marks a user that has been created but never
	// provisioned with credentials. Initial users are not supported by the
	// login flow.
	UserStateInitial
)

type User struct {
	ID                 string     `json:"userId"`
	State              UserState  `json:"state"`
	Username           string     `json:"username"`
	PreferredLoginName string     `json:"preferredLoginName"`
	OrganizationID     string     `json:"organizationId"`
	Human              *HumanUser `json:"human,omitempty"`
}

type HumanUser struct {
	Email                  Email     `json:"email"`
	Phone                  Phone     `json:"phone"`
	PasswordChanged        time.Time `json:"passwordChanged"`
	PasswordChangeRequired bool      `json:"passwordChangeRequired"`
}

type Email struct {
	Address    string `json:"email"`
	IsVerified bool   `json:"isVerified"`
}

type Phone struct {
	Number     string `json:"phone"`
	IsVerified bool   `json:"isVerified"`
}

// LoginSettings is the per-organization login policy. It is read-only for
// this app: always fetched from the identity service, never mutated.
type LoginSettings struct {
	AllowUsernamePassword     bool          `json:"allowUsernamePassword"`
	AllowRegister             bool          `json:"allowRegister"`
	AllowExternalIDP          bool          `json:"allowExternalIdp"`
	ForceMFA                  bool          `json:"forceMfa"`
	ForceMFALocalOnly         bool          `json:"forceMfaLocalOnly"`
	IgnoreUnknownUsernames    bool          `json:"ignoreUnknownUsernames"`
	PasswordCheckLifetime     time.Duration `json:"passwordCheckLifetime"`
	SecondFactorCheckLifetime time.Duration `json:"secondFactorCheckLifetime"`
	MultiFactorCheckLifetime  time.Duration `json:"multiFactorCheckLifetime"`
	DefaultRedirectURI        string        `json:"defaultRedirectUri"`
}

type LockoutSettings struct {
	// MaxPasswordAttempts of zero means no lockout limit is enforced.
	MaxPasswordAttempts uint64 `json:"maxPasswordAttempts"`
}

type PasswordExpirySettings struct {
	// MaxAgeDays of zero means passwords never expire.
	MaxAgeDays uint64 `json:"maxAgeDays"`
}

type SecuritySettings struct {
	EmbeddedIframeEnabled bool     `json:"embeddedIframeEnabled"`
	AllowedOrigins        []string `json:"allowedOrigins"`
	EnableImpersonation   bool     `json:"enableImpersonation"`
}

// Prompt mirrors the OIDC prompt values carried on an authorization
// request.
type Prompt int

const (
	PromptUnspecified Prompt = iota
	PromptNone
	PromptLogin
	PromptConsent
	PromptSelectAccount
	PromptCreate
)

// AuthRequest is a pending OIDC authorization request at the identity
// service, identified by the "oidc_" prefixed request id.
type AuthRequest struct {
	ID         string   `json:"id"`
	ClientID   string   `json:"clientId"`
	Scope      []string `json:"scope"`
	Prompt     []Prompt `json:"prompt"`
	LoginHint  string   `json:"loginHint"`
	HintUserID string   `json:"hintUserId"`
}

func (r *AuthRequest) HasPrompt(p Prompt) bool {
	for _, candidate := range r.Prompt {
		if candidate == p {
			return true
		}
	}
	return false
}

// SAMLRequest is a pending SAML authentication request, identified by the
// "saml_" prefixed request id.
type SAMLRequest struct {
	ID string `json:"id"`
}

// SAMLResponseBinding carries the finalized SAML response. Binding is
// either "redirect" (URL only) or "post" (auto-submitting form data).
type SAMLResponseBinding struct {
	Binding      string `json:"binding"`
	URL          string `json:"url"`
	RelayState   string `json:"relayState"`
	SAMLResponse string `json:"samlResponse"`
}

type Organization struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	PrimaryDomain string `json:"primaryDomain"`
}

type IdentityProvider struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type TOTPRegistration struct {
	URI    string `json:"uri"`
	Secret string `json:"secret"`
}

type U2FRegistration struct {
	ID                                 string          `json:"u2fId"`
	PublicKeyCredentialCreationOptions json.RawMessage `json:"publicKeyCredentialCreationOptions"`
}
