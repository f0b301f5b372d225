// Package flow decides, from a session's satisfied factors and the
// organization's login settings, which screen the user sees next. The
// decision function is pure: it performs no RPC and no cookie IO.
package flow

import (
	"net/url"
	"time"

	"github.com/cds-snc/forms-idp-login/identity"
	apperrors "github.com/cds-snc/forms-idp-login/internal/errors"
)

// Kind labels the next step of a login flow.
type Kind int

const (
	// KindLoginName renders the username-entry screen.
	KindLoginName Kind = iota
	// KindPassword renders the password screen.
	KindPassword
	// KindPasswordChange forces a password change before continuing.
	KindPasswordChange
	// KindMFAVerify renders the MFA challenge for a configured method.
	KindMFAVerify
	// KindMFASetup forces MFA enrollment before continuing.
	KindMFASetup
	// KindVerifyEmail renders the email-verification screen.
	KindVerifyEmail
	// KindCallback tells the handler to finalize the relying-party
	// request referenced by the session and redirect to its callback URL.
	KindCallback
	// KindRedirect sends the user to the settings-supplied default URI.
	KindRedirect
	// KindSignedIn renders the internal landing page.
	KindSignedIn
)

func (k Kind) String() string {
	switch k {
	case KindLoginName:
		return "loginname"
	case KindPassword:
		return "password"
	case KindPasswordChange:
		return "password_change"
	case KindMFAVerify:
		return "mfa_verify"
	case KindMFASetup:
		return "mfa_setup"
	case KindVerifyEmail:
		return "verify_email"
	case KindCallback:
		return "callback"
	case KindRedirect:
		return "redirect"
	case KindSignedIn:
		return "signed_in"
	default:
		return "unknown"
	}
}

// Decision is the computed next step. Page kinds carry an internal Path
// with its query already built; KindRedirect carries the external target.
type Decision struct {
	Kind        Kind
	Path        string
	RedirectURI string
	// Methods lists what the MFA challenge screen should offer when
	// Kind == KindMFAVerify.
	Methods []identity.AuthMethodType
}

// Input is everything a decision depends on. Session and User are the
// freshly fetched identity-service views; nil Session means no usable
// session was found.
type Input struct {
	Session       *identity.Session
	User          *identity.User
	AuthMethods   []identity.AuthMethodType
	LoginSettings *identity.LoginSettings
	// ExpirySettings may be nil when the organization has no expiry policy.
	ExpirySettings *identity.PasswordExpirySettings

	RequestID    string
	LoginName    string
	Organization string

	// EmailVerificationRequired gates the verify-email step; it is a
	// deployment-level switch, not an organization setting.
	EmailVerificationRequired bool
}

// Engine evaluates flow decisions. The clock is injectable so factor
// lifetimes can be tested without real time.
type Engine struct {
	nowTime func() time.Time
}

// Option configures the Engine.
type Option func(*Engine)

// WithNow overrides the engine clock.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.nowTime = now
	}
}

func New(options ...Option) *Engine {
	e := &Engine{nowTime: time.Now}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Locked reports whether the account must be treated as locked. A zero or
// unset max means no lockout limit is enforced.
func Locked(failedAttempts uint64, settings *identity.LockoutSettings) bool {
	if settings == nil || settings.MaxPasswordAttempts == 0 {
		return false
	}
	return failedAttempts >= settings.MaxPasswordAttempts
}

// strongMethods filters the user's configured auth methods down to TOTP
// and U2F. Only these gate the setup-vs-verify decision; OTP codes alone
// do not count as configured MFA.
func strongMethods(methods []identity.AuthMethodType) []identity.AuthMethodType {
	strong := make([]identity.AuthMethodType, 0, len(methods))
	for _, m := range methods {
		switch m {
		case identity.AuthMethodTOTP, identity.AuthMethodU2F:
			strong = append(strong, m)
		}
	}
	return strong
}

// challengeMethods lists what the MFA challenge screen offers: the strong
// methods plus OTP email when it is configured as a fallback.
func challengeMethods(strong, methods []identity.AuthMethodType) []identity.AuthMethodType {
	offered := append([]identity.AuthMethodType(nil), strong...)
	for _, m := range methods {
		if m == identity.AuthMethodOTPEmail {
			offered = append(offered, m)
		}
	}
	return offered
}

// ShouldEnforceMFA reports whether the login settings require a second
// factor for this session. ForceMFALocalOnly exempts sessions that
// authenticated through an external identity provider.
func ShouldEnforceMFA(settings *identity.LoginSettings, session *identity.Session) bool {
	if settings == nil {
		return false
	}
	if settings.ForceMFA {
		return true
	}
	if settings.ForceMFALocalOnly {
		return session == nil || !session.Factors.Intent.Verified()
	}
	return false
}

func (e *Engine) factorFresh(factor *identity.Factor, lifetime time.Duration) bool {
	if !factor.Verified() {
		return false
	}
	if lifetime <= 0 {
		lifetime = identity.DefaultCheckLifetime
	}
	return e.nowTime().Sub(factor.VerifiedAt) < lifetime
}

// mfaSatisfied reports whether any strong second factor is fresh on the
// session.
func (e *Engine) mfaSatisfied(session *identity.Session, settings *identity.LoginSettings) bool {
	lifetime := settings.SecondFactorCheckLifetime
	factors := session.Factors
	for _, factor := range []*identity.Factor{factors.TOTP, factors.WebAuthN, factors.OTPEmail, factors.OTPSMS} {
		if e.factorFresh(factor, lifetime) {
			return true
		}
	}
	return false
}

func (e *Engine) passwordExpired(user *identity.User, expiry *identity.PasswordExpirySettings) bool {
	if user == nil || user.Human == nil || expiry == nil || expiry.MaxAgeDays == 0 {
		return false
	}
	if user.Human.PasswordChanged.IsZero() {
		return false
	}
	maxAge := time.Duration(expiry.MaxAgeDays) * 24 * time.Hour
	return e.nowTime().Sub(user.Human.PasswordChanged) >= maxAge
}

// Decide computes the next step for the given state. Rules are evaluated
// in precedence order; the first match wins.
func (e *Engine) Decide(in Input) (Decision, error) {
	if in.LoginSettings == nil {
		return Decision{}, apperrors.ErrPolicyFetchFailed
	}
	params := e.baseParams(in)

	// 1. No session or no identified user: back to username entry.
	if in.Session == nil || in.Session.Factors.User == nil {
		return Decision{Kind: KindLoginName, Path: BuildPath("/", params)}, nil
	}

	// 2. Unprovisioned users cannot log in at all.
	if in.User != nil && in.User.State == identity.UserStateInitial {
		return Decision{}, apperrors.ErrInitialUserState
	}

	// 3. Password (or an IdP intent standing in for it) must be fresh.
	passwordOK := e.factorFresh(in.Session.Factors.Password, in.LoginSettings.PasswordCheckLifetime) ||
		e.factorFresh(in.Session.Factors.Intent, in.LoginSettings.PasswordCheckLifetime)
	if !passwordOK {
		return Decision{Kind: KindPassword, Path: BuildPath("/password", params)}, nil
	}

	// 4. A required or expired password change interrupts the flow.
	if (in.User != nil && in.User.Human != nil && in.User.Human.PasswordChangeRequired) ||
		e.passwordExpired(in.User, in.ExpirySettings) {
		return Decision{Kind: KindPasswordChange, Path: BuildPath("/password/change", params)}, nil
	}

	// 5. Configured strong MFA must be verified.
	strong := strongMethods(in.AuthMethods)
	if len(strong) > 0 && !e.mfaSatisfied(in.Session, in.LoginSettings) {
		return Decision{
			Kind:    KindMFAVerify,
			Path:    BuildPath("/mfa", params),
			Methods: challengeMethods(strong, in.AuthMethods),
		}, nil
	}

	// 6. Policy-required MFA with nothing configured forces enrollment.
	if len(strong) == 0 && ShouldEnforceMFA(in.LoginSettings, in.Session) {
		setupParams := cloneValues(params)
		setupParams.Set("checkAfter", "true")
		return Decision{Kind: KindMFASetup, Path: BuildPath("/mfa/set", setupParams)}, nil
	}

	// 7. Unverified email blocks completion when verification is required.
	if in.EmailVerificationRequired && in.User != nil && in.User.Human != nil && !in.User.Human.Email.IsVerified {
		return Decision{Kind: KindVerifyEmail, Path: BuildPath("/verify", params)}, nil
	}

	// 8. Fully verified: hand back to the relying party, or land.
	if in.RequestID != "" {
		return Decision{Kind: KindCallback}, nil
	}
	if in.LoginSettings.DefaultRedirectURI != "" {
		return Decision{Kind: KindRedirect, RedirectURI: in.LoginSettings.DefaultRedirectURI}, nil
	}
	return Decision{Kind: KindSignedIn, Path: BuildPath("/signedin", params)}, nil
}

func (e *Engine) baseParams(in Input) url.Values {
	params := url.Values{}
	if in.RequestID != "" {
		params.Set("requestId", in.RequestID)
	}
	if in.LoginName != "" {
		params.Set("loginName", in.LoginName)
	} else if in.Session != nil && in.Session.Factors.User != nil {
		params.Set("loginName", in.Session.Factors.User.LoginName)
	}
	if in.Organization != "" {
		params.Set("organization", in.Organization)
	}
	if in.Session != nil && in.Session.ID != "" {
		params.Set("sessionId", in.Session.ID)
	}
	return params
}

// BuildPath joins an internal path with its query parameters.
func BuildPath(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

func cloneValues(values url.Values) url.Values {
	clone := url.Values{}
	for key, list := range values {
		clone[key] = append([]string(nil), list...)
	}
	return clone
}
