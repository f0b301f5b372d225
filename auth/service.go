// Package auth accumulates credential checks against the identity service
// and keeps the cookie-held session records in step with the results. It is
// the only writer of session state; handlers call it and then re-run the
// flow decision.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/cds-snc/forms-idp-login/flow"
	"github.com/cds-snc/forms-idp-login/identity"
	apperrors "github.com/cds-snc/forms-idp-login/internal/errors"
	"github.com/cds-snc/forms-idp-login/internal/metrics"
	"github.com/cds-snc/forms-idp-login/notify"
	"github.com/cds-snc/forms-idp-login/sessioncookie"
)

// SessionRef identifies the session a check targets, either directly by id
// or by the (loginName, organization) pair.
type SessionRef struct {
	SessionID    string
	LoginName    string
	Organization string
	// RequestID correlates the session to a relying-party request and is
	// persisted on the cookie record.
	RequestID string
}

// Service coordinates checks, cookie persistence, and notification email.
type Service struct {
	client   identity.Client
	registry *sessioncookie.Registry
	sender   notify.Sender

	emailTemplateID           string
	emailVerificationRequired bool
	nowTime                   func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(s *Service) {
		s.nowTime = nowFunc
	}
}

// WithEmailVerificationRequired gates the verify-email step and the
// automatic OTP-email enrollment that follows a verified address.
func WithEmailVerificationRequired(required bool) Option {
	return func(s *Service) {
		s.emailVerificationRequired = required
	}
}

// WithEmailTemplateID sets the provider-side template used for all login
// emails.
func WithEmailTemplateID(templateID string) Option {
	return func(s *Service) {
		s.emailTemplateID = templateID
	}
}

func NewService(client identity.Client, registry *sessioncookie.Registry, sender notify.Sender, options ...Option) (*Service, error) {
	if client == nil {
		return nil, errors.New("[auth.NewService] identity client is required")
	}
	if registry == nil {
		return nil, errors.New("[auth.NewService] session registry is required")
	}
	if sender == nil {
		return nil, errors.New("[auth.NewService] email sender is required")
	}

	service := &Service{
		client:   client,
		registry: registry,
		sender:   sender,
		nowTime:  time.Now,
	}
	for _, opt := range options {
		opt(service)
	}
	return service, nil
}

// EmailVerificationRequired exposes the deployment switch to handlers.
func (s *Service) EmailVerificationRequired() bool {
	return s.emailVerificationRequired
}

// resolve finds the cookie session a ref points at. Returns nil when no
// live session matches.
func (s *Service) resolve(req *http.Request, ref SessionRef) *sessioncookie.Session {
	if ref.SessionID != "" {
		return s.registry.ByID(req, ref.SessionID)
	}
	if ref.LoginName != "" {
		return s.registry.ByLoginName(req, ref.LoginName, ref.Organization)
	}
	return s.registry.MostRecent(req)
}

// persist writes the session result back into the cookie, keyed by the
// user factor's login name and organization.
func (s *Service) persist(w http.ResponseWriter, req *http.Request, result *identity.SessionResult, ref SessionRef) (*sessioncookie.Session, error) {
	record := sessioncookie.Session{
		ID:             result.Session.ID,
		Token:          result.Token,
		CreationDate:   result.Session.CreationDate,
		ChangeDate:     result.Session.ChangeDate,
		ExpirationDate: result.Session.ExpirationDate,
		AuthRequestID:  ref.RequestID,
	}
	if user := result.Session.Factors.User; user != nil {
		record.LoginName = user.LoginName
		record.Organization = user.OrganizationID
	} else {
		record.LoginName = ref.LoginName
		record.Organization = ref.Organization
	}
	if record.AuthRequestID == "" {
		if existing := s.registry.ByLoginName(req, record.LoginName, record.Organization); existing != nil {
			record.AuthRequestID = existing.AuthRequestID
		}
	}

	if err := s.registry.Set(w, req, record); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInternal, "persist session cookie: %v", err)
	}
	return &record, nil
}

// classify maps identity-service failures onto the app error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if identity.IsTransient(err) {
		return apperrors.Wrapf(apperrors.ErrTransient, "%v", err)
	}
	if identity.IsAlreadySetUp(err) {
		return apperrors.ErrAlreadyRegistered
	}
	if identity.IsNotFound(err) {
		return apperrors.ErrNotFound
	}
	var apiErr *identity.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == 400 {
		return apperrors.Wrapf(apperrors.ErrInvalidCode, "%s", apiErr.Message)
	}
	return apperrors.Wrapf(apperrors.ErrCheckRejected, "%v", err)
}

// CheckResult is the outcome of a successful credential check.
type CheckResult struct {
	Session *sessioncookie.Session
	// Full is the identity service's fresh view, including challenges.
	Full *identity.Session
}

func (s *Service) submit(ctx context.Context, w http.ResponseWriter, req *http.Request, ref SessionRef, checks identity.Checks, challenges *identity.ChallengeRequest, lifetime time.Duration) (*CheckResult, *identity.SessionResult, error) {
	existing := s.resolve(req, ref)

	var result *identity.SessionResult
	var err error
	if existing == nil {
		if checks.User == nil {
			return nil, nil, apperrors.ErrSessionNotFound
		}
		result, err = s.client.CreateSession(ctx, identity.CreateSessionRequest{
			Checks:     checks,
			Challenges: challenges,
			Lifetime:   lifetime,
		})
	} else {
		result, err = s.client.SetSession(ctx, identity.SetSessionRequest{
			SessionID:    existing.ID,
			SessionToken: existing.Token,
			Checks:       checks,
			Challenges:   challenges,
			Lifetime:     lifetime,
		})
	}
	if err != nil {
		return nil, nil, err
	}

	record, err := s.persist(w, req, result, ref)
	if err != nil {
		return nil, nil, err
	}
	return &CheckResult{Session: record, Full: result.Session}, result, nil
}

// SendLoginName performs username discovery: it finds the user and creates
// (or refreshes) a partial session bound to them. When the organization's
// settings ask for unknown usernames to be hidden, an unknown name still
// returns a result so the password screen renders a fake prompt.
func (s *Service) SendLoginName(ctx context.Context, w http.ResponseWriter, req *http.Request, ref SessionRef) (*CheckResult, error) {
	settings, err := s.client.GetLoginSettings(ctx, ref.Organization)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrPolicyFetchFailed, "%v", err)
	}

	users, err := s.client.ListUsers(ctx, ref.LoginName, ref.Organization)
	if err != nil {
		return nil, classify(err)
	}
	if len(users) == 0 && ref.Organization == "" {
		// The email domain may identify the organization directly.
		users, err = s.findByEmailDomain(ctx, ref.LoginName)
		if err != nil {
			return nil, err
		}
	}
	if len(users) == 0 {
		if settings.IgnoreUnknownUsernames {
			// No session is created; the password screen will fail the
			// check with a generic message.
			return &CheckResult{}, nil
		}
		return nil, apperrors.ErrNotFound
	}
	user := users[0]
	if user.State == identity.UserStateInitial {
		return nil, apperrors.ErrInitialUserState
	}

	result, _, err := s.submit(ctx, w, req, ref, identity.Checks{
		User: &identity.UserCheck{UserID: user.ID},
	}, nil, s.checkLifetime(settings))
	if err != nil {
		metrics.RecordFactorCheck("user", metrics.OutcomeError)
		return nil, classify(err)
	}
	metrics.RecordFactorCheck("user", metrics.OutcomeOK)
	return result, nil
}

// findByEmailDomain treats "user@org-domain" as an organization-suffixed
// login name: when the domain identifies exactly one organization, the
// local part is searched within it.
func (s *Service) findByEmailDomain(ctx context.Context, loginName string) ([]*identity.User, error) {
	at := strings.LastIndex(loginName, "@")
	if at <= 0 || at == len(loginName)-1 {
		return nil, nil
	}
	orgs, err := s.client.GetOrgsByDomain(ctx, loginName[at+1:])
	if err != nil {
		log.Warn().Err(err).Msg("organization domain lookup failed")
		return nil, nil
	}
	if len(orgs) != 1 {
		return nil, nil
	}
	users, err := s.client.ListUsers(ctx, loginName[:at], orgs[0].ID)
	if err != nil {
		return nil, classify(err)
	}
	return users, nil
}

// SendPassword submits a password check. When no session exists yet the
// user check is bundled in, so a direct visit to the password page still
// works. A rejected password reports lockout when the cumulative failed
// attempts reach the organization's limit.
func (s *Service) SendPassword(ctx context.Context, w http.ResponseWriter, req *http.Request, ref SessionRef, password string) (*CheckResult, error) {
	settings, err := s.client.GetLoginSettings(ctx, ref.Organization)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrPolicyFetchFailed, "%v", err)
	}

	checks := identity.Checks{
		Password: &identity.PasswordCheck{Password: password},
	}
	if s.resolve(req, ref) == nil {
		checks.User = &identity.UserCheck{LoginName: ref.LoginName}
	}

	result, _, err := s.submit(ctx, w, req, ref, checks, nil, s.checkLifetime(settings))
	if err != nil {
		return nil, s.passwordFailure(ctx, ref.Organization, err)
	}
	metrics.RecordFactorCheck("password", metrics.OutcomeOK)
	return result, nil
}

func (s *Service) passwordFailure(ctx context.Context, organization string, err error) error {
	var checkErr *identity.PasswordCheckError
	if !errors.As(err, &checkErr) {
		metrics.RecordFactorCheck("password", metrics.OutcomeError)
		return classify(err)
	}

	metrics.RecordFactorCheck("password", metrics.OutcomeRejected)
	lockout, lockoutErr := s.client.GetLockoutSettings(ctx, organization)
	if lockoutErr != nil {
		log.Warn().Err(lockoutErr).Msg("could not load lockout settings after failed password")
		return apperrors.ErrCheckRejected
	}
	if flow.Locked(checkErr.FailedAttempts, lockout) {
		return apperrors.ErrAccountLocked
	}
	return apperrors.ErrCheckRejected
}

// VerifyTOTP submits a TOTP code check.
func (s *Service) VerifyTOTP(ctx context.Context, w http.ResponseWriter, req *http.Request, ref SessionRef, code string) (*CheckResult, error) {
	return s.verifyCode(ctx, w, req, ref, "totp", identity.Checks{
		TOTP: &identity.CodeCheck{Code: code},
	})
}

// VerifyOTPEmail submits the code from an OTP email challenge.
func (s *Service) VerifyOTPEmail(ctx context.Context, w http.ResponseWriter, req *http.Request, ref SessionRef, code string) (*CheckResult, error) {
	return s.verifyCode(ctx, w, req, ref, "otp_email", identity.Checks{
		OTPEmail: &identity.CodeCheck{Code: code},
	})
}

func (s *Service) verifyCode(ctx context.Context, w http.ResponseWriter, req *http.Request, ref SessionRef, kind string, checks identity.Checks) (*CheckResult, error) {
	result, _, err := s.submit(ctx, w, req, ref, checks, nil, 0)
	if err != nil {
		if errors.Is(err, apperrors.ErrSessionNotFound) {
			return nil, err
		}
		metrics.RecordFactorCheck(kind, metrics.OutcomeRejected)
		return nil, classify(err)
	}
	metrics.RecordFactorCheck(kind, metrics.OutcomeOK)
	return result, nil
}

// SendOTPEmailChallenge asks the identity service for a fresh OTP email
// code in return-code mode and delivers it through our own provider.
func (s *Service) SendOTPEmailChallenge(ctx context.Context, w http.ResponseWriter, req *http.Request, ref SessionRef) (*CheckResult, error) {
	result, full, err := s.submit(ctx, w, req, ref, identity.Checks{}, &identity.ChallengeRequest{
		OTPEmailReturnCode: true,
	}, 0)
	if err != nil {
		if errors.Is(err, apperrors.ErrSessionNotFound) {
			return nil, err
		}
		return nil, classify(err)
	}

	code := full.Session.Challenges.OTPEmail
	if code == "" {
		return nil, apperrors.Wrapf(apperrors.ErrInternal, "challenge response carried no code")
	}
	address, err := s.userEmail(ctx, full.Session)
	if err != nil {
		return nil, err
	}
	notify.SendAsync(s.sender, address, s.emailTemplateID, notify.SecurityCode(code))
	return result, nil
}

// RequestU2FChallenge asks for a WebAuthn assertion challenge scoped to
// the given domain.
func (s *Service) RequestU2FChallenge(ctx context.Context, w http.ResponseWriter, req *http.Request, ref SessionRef, domain string) (*CheckResult, error) {
	result, _, err := s.submit(ctx, w, req, ref, identity.Checks{}, &identity.ChallengeRequest{
		WebAuthN: &identity.WebAuthNChallengeRequest{
			Domain:                      domain,
			UserVerificationRequirement: "USER_VERIFICATION_REQUIREMENT_REQUIRED",
		},
	}, 0)
	if err != nil {
		if errors.Is(err, apperrors.ErrSessionNotFound) {
			return nil, err
		}
		return nil, classify(err)
	}
	return result, nil
}

// VerifyU2F submits a WebAuthn assertion check.
func (s *Service) VerifyU2F(ctx context.Context, w http.ResponseWriter, req *http.Request, ref SessionRef, assertion []byte) (*CheckResult, error) {
	result, _, err := s.submit(ctx, w, req, ref, identity.Checks{
		WebAuthN: &identity.WebAuthNCheck{CredentialAssertionData: assertion},
	}, nil, 0)
	if err != nil {
		if errors.Is(err, apperrors.ErrSessionNotFound) {
			return nil, err
		}
		metrics.RecordFactorCheck("webauthn", metrics.OutcomeRejected)
		return nil, classify(err)
	}
	metrics.RecordFactorCheck("webauthn", metrics.OutcomeOK)
	return result, nil
}

func (s *Service) userEmail(ctx context.Context, session *identity.Session) (string, error) {
	if session.Factors.User == nil {
		return "", apperrors.ErrSessionNotFound
	}
	user, err := s.client.GetUserByID(ctx, session.Factors.User.ID)
	if err != nil {
		return "", classify(err)
	}
	if user.Human == nil || user.Human.Email.Address == "" {
		return "", apperrors.Wrapf(apperrors.ErrInternal, "user %s has no email address", user.ID)
	}
	return user.Human.Email.Address, nil
}

func (s *Service) checkLifetime(settings *identity.LoginSettings) time.Duration {
	if settings != nil && settings.PasswordCheckLifetime > 0 {
		return settings.PasswordCheckLifetime
	}
	return identity.DefaultCheckLifetime
}

// FlowInput assembles everything the decision engine needs for the session
// a ref points at. A missing or stale session yields a nil-session input,
// which the engine routes back to username entry.
func (s *Service) FlowInput(ctx context.Context, req *http.Request, ref SessionRef) (flow.Input, error) {
	input := flow.Input{
		RequestID:                 ref.RequestID,
		LoginName:                 ref.LoginName,
		Organization:              ref.Organization,
		EmailVerificationRequired: s.emailVerificationRequired,
	}

	settings, err := s.client.GetLoginSettings(ctx, ref.Organization)
	if err != nil {
		return flow.Input{}, apperrors.Wrapf(apperrors.ErrPolicyFetchFailed, "%v", err)
	}
	input.LoginSettings = settings

	record := s.resolve(req, ref)
	if record == nil {
		return input, nil
	}
	if input.RequestID == "" {
		input.RequestID = record.AuthRequestID
	}

	session, err := s.client.GetSession(ctx, record.ID, record.Token)
	if err != nil {
		if identity.IsNotFound(err) || identity.IsPermissionDenied(err) {
			// The service no longer honors this session; the cookie entry
			// is a stale hint.
			return input, nil
		}
		return flow.Input{}, classify(err)
	}
	return s.hydrate(ctx, input, session)
}

// FlowInputForSession builds the engine input from a session that was just
// returned by a check, bypassing the request cookies. Handlers use it
// right after a successful check, when the updated cookie is only on the
// response.
func (s *Service) FlowInputForSession(ctx context.Context, session *identity.Session, ref SessionRef) (flow.Input, error) {
	input := flow.Input{
		RequestID:                 ref.RequestID,
		LoginName:                 ref.LoginName,
		Organization:              ref.Organization,
		EmailVerificationRequired: s.emailVerificationRequired,
	}
	settings, err := s.client.GetLoginSettings(ctx, ref.Organization)
	if err != nil {
		return flow.Input{}, apperrors.Wrapf(apperrors.ErrPolicyFetchFailed, "%v", err)
	}
	input.LoginSettings = settings
	return s.hydrate(ctx, input, session)
}

func (s *Service) hydrate(ctx context.Context, input flow.Input, session *identity.Session) (flow.Input, error) {
	input.Session = session

	if user := session.Factors.User; user != nil {
		fullUser, err := s.client.GetUserByID(ctx, user.ID)
		if err != nil && !identity.IsNotFound(err) {
			return flow.Input{}, classify(err)
		}
		input.User = fullUser

		methods, err := s.client.ListAuthenticationMethodTypes(ctx, user.ID)
		if err != nil {
			return flow.Input{}, classify(err)
		}
		input.AuthMethods = methods

		expiry, err := s.client.GetPasswordExpirySettings(ctx, user.OrganizationID)
		if err != nil {
			log.Warn().Err(err).Msg("could not load password expiry settings")
		} else {
			input.ExpirySettings = expiry
		}
	}
	return input, nil
}

// ContinueWithSession re-validates an existing session for account
// switching: the cookie entry must still be honored by the service.
func (s *Service) ContinueWithSession(ctx context.Context, req *http.Request, sessionID string) (*sessioncookie.Session, error) {
	record := s.registry.ByID(req, sessionID)
	if record == nil {
		return nil, apperrors.ErrSessionNotFound
	}
	if _, err := s.client.GetSession(ctx, record.ID, record.Token); err != nil {
		if identity.IsNotFound(err) || identity.IsPermissionDenied(err) {
			return nil, apperrors.ErrSessionExpired
		}
		return nil, classify(err)
	}
	return record, nil
}

// Logout deletes the session at the service and removes it from the
// cookie. A service-side miss still clears the cookie entry.
func (s *Service) Logout(ctx context.Context, w http.ResponseWriter, req *http.Request, sessionID string) error {
	record := s.registry.ByID(req, sessionID)
	if record == nil {
		return apperrors.ErrSessionNotFound
	}
	if err := s.client.DeleteSession(ctx, record.ID, record.Token); err != nil && !identity.IsNotFound(err) {
		log.Warn().Err(err).Str("sessionID", record.ID).Msg("could not delete session at identity service")
	}
	return s.registry.Remove(w, req, record.ID)
}

// Sessions lists the live cookie sessions, most recent first.
func (s *Service) Sessions(req *http.Request) []sessioncookie.Session {
	return s.registry.All(req)
}

// LiveSessions filters the cookie sessions down to the ones the identity
// service still honors. A lookup failure falls back to the cookie view.
func (s *Service) LiveSessions(ctx context.Context, req *http.Request) []sessioncookie.Session {
	records := s.registry.All(req)
	if len(records) == 0 {
		return records
	}
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	live, err := s.client.ListSessions(ctx, ids)
	if err != nil {
		log.Warn().Err(err).Msg("could not list sessions at identity service")
		return records
	}
	alive := make(map[string]bool, len(live))
	for _, session := range live {
		alive[session.ID] = true
	}
	kept := make([]sessioncookie.Session, 0, len(records))
	for _, record := range records {
		if alive[record.ID] {
			kept = append(kept, record)
		}
	}
	return kept
}

// IdentityProviders lists the organization's active external providers.
// Returns nil when the settings do not allow external login.
func (s *Service) IdentityProviders(ctx context.Context, organization string) ([]identity.IdentityProvider, error) {
	settings, err := s.client.GetLoginSettings(ctx, organization)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrPolicyFetchFailed, "%v", err)
	}
	if !settings.AllowExternalIDP {
		return nil, nil
	}
	idps, err := s.client.GetActiveIdentityProviders(ctx, organization)
	if err != nil {
		return nil, classify(err)
	}
	return idps, nil
}

// StartIdentityProviderFlow asks the identity service to broker an
// external login and returns the provider's authorization URL.
func (s *Service) StartIdentityProviderFlow(ctx context.Context, idpID, successURL, failureURL string) (string, error) {
	redirectURL, err := s.client.StartIdentityProviderFlow(ctx, identity.StartIDPFlowRequest{
		IDPID:      idpID,
		SuccessURL: successURL,
		FailureURL: failureURL,
	})
	if err != nil {
		return "", classify(err)
	}
	return redirectURL, nil
}

// ClearSessions expires every session cookie.
func (s *Service) ClearSessions(w http.ResponseWriter, req *http.Request) {
	s.registry.Clear(w, req)
}
