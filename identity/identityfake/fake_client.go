// Package identityfake provides an in-memory identity.Client for tests.
package identityfake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cds-snc/forms-idp-login/identity"
)

var _ identity.Client = (*FakeClient)(nil)

type fakeSession struct {
	session identity.Session
	token   string
	// otpEmailCode is the pending code issued for this session's OTP email
	// challenge.
	otpEmailCode string
}

type FakeClient struct {
	lock sync.RWMutex

	users          map[string]*identity.User
	passwords      map[string]string
	failedAttempts map[string]uint64
	authMethods    map[string][]identity.AuthMethodType
	totpCodes      map[string]string
	emailCodes     map[string]string
	resetCodes     map[string]string
	pendingU2F     map[string]string
	sessions       map[string]*fakeSession

	loginSettings    map[string]*identity.LoginSettings
	lockoutSettings  map[string]*identity.LockoutSettings
	expirySettings   map[string]*identity.PasswordExpirySettings
	securitySettings *identity.SecuritySettings
	authRequests     map[string]*identity.AuthRequest
	samlRequests     map[string]*identity.SAMLRequest
	idps             map[string][]identity.IdentityProvider
	orgs             []identity.Organization

	nowTime func() time.Time

	// Err, when set, is returned by every call. Tests use it to simulate an
	// unreachable identity service.
	Err error
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		users:          make(map[string]*identity.User),
		passwords:      make(map[string]string),
		failedAttempts: make(map[string]uint64),
		authMethods:    make(map[string][]identity.AuthMethodType),
		totpCodes:      make(map[string]string),
		emailCodes:     make(map[string]string),
		resetCodes:     make(map[string]string),
		pendingU2F:     make(map[string]string),
		sessions:       make(map[string]*fakeSession),
		loginSettings:  make(map[string]*identity.LoginSettings),
		lockoutSettings: map[string]*identity.LockoutSettings{
			"": {MaxPasswordAttempts: 0},
		},
		expirySettings: make(map[string]*identity.PasswordExpirySettings),
		authRequests:   make(map[string]*identity.AuthRequest),
		samlRequests:   make(map[string]*identity.SAMLRequest),
		idps:           make(map[string][]identity.IdentityProvider),
		nowTime:        time.Now,
	}
}

// WithNow overrides the clock, so tests can steer factor timestamps and
// session expiry.
func (f *FakeClient) WithNow(now func() time.Time) *FakeClient {
	f.nowTime = now
	return f
}

// Seeding helpers

func (f *FakeClient) AddUser(user *identity.User, password string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	f.users[user.ID] = user
	if password != "" {
		f.passwords[user.ID] = password
		f.authMethods[user.ID] = append(f.authMethods[user.ID], identity.AuthMethodPassword)
	}
}

func (f *FakeClient) SetAuthMethods(userID string, methods ...identity.AuthMethodType) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.authMethods[userID] = methods
}

func (f *FakeClient) SetTOTPCode(userID, code string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.totpCodes[userID] = code
}

func (f *FakeClient) SetLoginSettings(organizationID string, settings *identity.LoginSettings) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.loginSettings[organizationID] = settings
}

func (f *FakeClient) SetLockoutSettings(organizationID string, settings *identity.LockoutSettings) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.lockoutSettings[organizationID] = settings
}

func (f *FakeClient) SetPasswordExpirySettings(organizationID string, settings *identity.PasswordExpirySettings) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.expirySettings[organizationID] = settings
}

func (f *FakeClient) SetSecuritySettings(settings *identity.SecuritySettings) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.securitySettings = settings
}

func (f *FakeClient) AddAuthRequest(req *identity.AuthRequest) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.authRequests[req.ID] = req
}

func (f *FakeClient) AddSAMLRequest(req *identity.SAMLRequest) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.samlRequests[req.ID] = req
}

func (f *FakeClient) AddIdentityProvider(organizationID string, idp identity.IdentityProvider) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.idps[organizationID] = append(f.idps[organizationID], idp)
}

func (f *FakeClient) AddOrganization(org identity.Organization) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.orgs = append(f.orgs, org)
}

// PendingOTPEmailCode exposes the code issued by the latest OTP email
// challenge on a session.
func (f *FakeClient) PendingOTPEmailCode(sessionID string) string {
	f.lock.RLock()
	defer f.lock.RUnlock()
	if fs, ok := f.sessions[sessionID]; ok {
		return fs.otpEmailCode
	}
	return ""
}

// IssuedEmailCode exposes the pending email verification code for a user.
func (f *FakeClient) IssuedEmailCode(userID string) string {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return f.emailCodes[userID]
}

// IssuedResetCode exposes the pending password reset code for a user.
func (f *FakeClient) IssuedResetCode(userID string) string {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return f.resetCodes[userID]
}

func randomCode() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func notFound(what string) error {
	return &identity.APIError{StatusCode: 404, Code: "NOT_FOUND", Message: what + " not found"}
}

func invalidCode() error {
	return &identity.APIError{StatusCode: 400, Code: "INVALID_ARGUMENT", Message: "invalid code"}
}

func (f *FakeClient) findUserLocked(check *identity.UserCheck) (*identity.User, error) {
	if check.UserID != "" {
		user, ok := f.users[check.UserID]
		if !ok {
			return nil, notFound("user")
		}
		return user, nil
	}
	for _, user := range f.users {
		if user.PreferredLoginName == check.LoginName || user.Username == check.LoginName {
			return user, nil
		}
	}
	return nil, notFound("user")
}

func (f *FakeClient) applyChecksLocked(fs *fakeSession, checks identity.Checks) error {
	now := f.nowTime()
	session := &fs.session

	if checks.User != nil {
		user, err := f.findUserLocked(checks.User)
		if err != nil {
			return err
		}
		displayName := user.PreferredLoginName
		if user.Human != nil && user.Human.Email.Address != "" {
			displayName = user.Human.Email.Address
		}
		session.Factors.User = &identity.UserFactor{
			ID:             user.ID,
			LoginName:      user.PreferredLoginName,
			DisplayName:    displayName,
			OrganizationID: user.OrganizationID,
			VerifiedAt:     now,
		}
	}

	if session.Factors.User == nil {
		return &identity.APIError{StatusCode: 400, Code: "INVALID_ARGUMENT", Message: "session has no user"}
	}
	userID := session.Factors.User.ID

	if checks.Password != nil {
		if f.passwords[userID] != checks.Password.Password {
			f.failedAttempts[userID]++
			return &identity.PasswordCheckError{FailedAttempts: f.failedAttempts[userID]}
		}
		f.failedAttempts[userID] = 0
		session.Factors.Password = &identity.Factor{VerifiedAt: now}
	}

	if checks.TOTP != nil {
		if f.totpCodes[userID] != checks.TOTP.Code {
			return invalidCode()
		}
		session.Factors.TOTP = &identity.Factor{VerifiedAt: now}
	}

	if checks.OTPEmail != nil {
		if fs.otpEmailCode == "" || fs.otpEmailCode != checks.OTPEmail.Code {
			return invalidCode()
		}
		fs.otpEmailCode = ""
		session.Factors.OTPEmail = &identity.Factor{VerifiedAt: now}
	}

	if checks.OTPSMS != nil {
		return invalidCode()
	}

	if checks.WebAuthN != nil {
		if len(checks.WebAuthN.CredentialAssertionData) == 0 {
			return &identity.APIError{StatusCode: 400, Code: "INVALID_ARGUMENT", Message: "missing assertion"}
		}
		session.Factors.WebAuthN = &identity.Factor{VerifiedAt: now}
	}

	session.ChangeDate = now
	return nil
}

func (f *FakeClient) applyChallengesLocked(fs *fakeSession, req *identity.ChallengeRequest) {
	if req == nil {
		return
	}
	fs.session.Challenges = identity.Challenges{}
	if req.OTPEmailReturnCode {
		fs.otpEmailCode = randomCode()
		fs.session.Challenges.OTPEmail = fs.otpEmailCode
	}
	if req.WebAuthN != nil {
		fs.session.Challenges.WebAuthN = &identity.WebAuthNChallenge{
			PublicKeyCredentialRequestOptions: json.RawMessage(`{"challenge":"` + randomCode() + `"}`),
		}
	}
}

func copySession(s identity.Session) *identity.Session {
	clone := s
	return &clone
}

func (f *FakeClient) CreateSession(_ context.Context, req identity.CreateSessionRequest) (*identity.SessionResult, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.Lock()
	defer f.lock.Unlock()

	now := f.nowTime()
	lifetime := req.Lifetime
	if lifetime <= 0 {
		lifetime = identity.DefaultCheckLifetime
	}
	fs := &fakeSession{
		session: identity.Session{
			ID:             uuid.New().String(),
			CreationDate:   now,
			ChangeDate:     now,
			ExpirationDate: now.Add(lifetime),
		},
		token: uuid.New().String(),
	}
	if err := f.applyChecksLocked(fs, req.Checks); err != nil {
		return nil, err
	}
	f.applyChallengesLocked(fs, req.Challenges)
	f.sessions[fs.session.ID] = fs
	return &identity.SessionResult{Session: copySession(fs.session), Token: fs.token}, nil
}

func (f *FakeClient) SetSession(_ context.Context, req identity.SetSessionRequest) (*identity.SessionResult, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.Lock()
	defer f.lock.Unlock()

	fs, ok := f.sessions[req.SessionID]
	if !ok {
		return nil, notFound("session")
	}
	if fs.token != req.SessionToken {
		return nil, &identity.APIError{StatusCode: 403, Code: "PERMISSION_DENIED", Message: "invalid session token"}
	}
	if req.Lifetime > 0 {
		fs.session.ExpirationDate = f.nowTime().Add(req.Lifetime)
	}
	if err := f.applyChecksLocked(fs, req.Checks); err != nil {
		return nil, err
	}
	f.applyChallengesLocked(fs, req.Challenges)
	return &identity.SessionResult{Session: copySession(fs.session), Token: fs.token}, nil
}

func (f *FakeClient) GetSession(_ context.Context, sessionID, sessionToken string) (*identity.Session, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.RLock()
	defer f.lock.RUnlock()

	fs, ok := f.sessions[sessionID]
	if !ok {
		return nil, notFound("session")
	}
	if sessionToken != "" && fs.token != sessionToken {
		return nil, &identity.APIError{StatusCode: 403, Code: "PERMISSION_DENIED", Message: "invalid session token"}
	}
	return copySession(fs.session), nil
}

func (f *FakeClient) DeleteSession(_ context.Context, sessionID, _ string) error {
	if f.Err != nil {
		return f.Err
	}
	f.lock.Lock()
	defer f.lock.Unlock()

	if _, ok := f.sessions[sessionID]; !ok {
		return notFound("session")
	}
	delete(f.sessions, sessionID)
	return nil
}

func (f *FakeClient) ListSessions(_ context.Context, ids []string) ([]*identity.Session, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.RLock()
	defer f.lock.RUnlock()

	found := make([]*identity.Session, 0, len(ids))
	for _, id := range ids {
		if fs, ok := f.sessions[id]; ok {
			found = append(found, copySession(fs.session))
		}
	}
	return found, nil
}

func (f *FakeClient) ListUsers(_ context.Context, loginName, organizationID string) ([]*identity.User, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.RLock()
	defer f.lock.RUnlock()

	matches := make([]*identity.User, 0, 1)
	for _, user := range f.users {
		if user.PreferredLoginName != loginName && user.Username != loginName {
			continue
		}
		if organizationID != "" && user.OrganizationID != organizationID {
			continue
		}
		matches = append(matches, user)
	}
	return matches, nil
}

func (f *FakeClient) GetUserByID(_ context.Context, userID string) (*identity.User, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.RLock()
	defer f.lock.RUnlock()

	user, ok := f.users[userID]
	if !ok {
		return nil, notFound("user")
	}
	return user, nil
}

func (f *FakeClient) ListAuthenticationMethodTypes(_ context.Context, userID string) ([]identity.AuthMethodType, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.RLock()
	defer f.lock.RUnlock()
	return append([]identity.AuthMethodType(nil), f.authMethods[userID]...), nil
}

func (f *FakeClient) RegisterTOTP(_ context.Context, userID string) (*identity.TOTPRegistration, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.Lock()
	defer f.lock.Unlock()

	if _, ok := f.users[userID]; !ok {
		return nil, notFound("user")
	}
	for _, method := range f.authMethods[userID] {
		if method == identity.AuthMethodTOTP {
			return nil, &identity.APIError{StatusCode: 409, Code: "ALREADY_EXISTS", Message: "TOTP already set up"}
		}
	}
	secret := randomCode()
	f.totpCodes[userID] = secret
	return &identity.TOTPRegistration{
		URI:    fmt.Sprintf("otpauth://totp/login:%s?secret=%s", userID, secret),
		Secret: secret,
	}, nil
}

func (f *FakeClient) VerifyTOTPRegistration(_ context.Context, userID, code string) error {
	if f.Err != nil {
		return f.Err
	}
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.totpCodes[userID] != code {
		return invalidCode()
	}
	f.authMethods[userID] = append(f.authMethods[userID], identity.AuthMethodTOTP)
	return nil
}

func (f *FakeClient) RegisterU2F(_ context.Context, userID, _ string) (*identity.U2FRegistration, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.Lock()
	defer f.lock.Unlock()

	if _, ok := f.users[userID]; !ok {
		return nil, notFound("user")
	}
	id := uuid.New().String()
	f.pendingU2F[id] = userID
	return &identity.U2FRegistration{
		ID:                                 id,
		PublicKeyCredentialCreationOptions: json.RawMessage(`{"challenge":"` + randomCode() + `"}`),
	}, nil
}

func (f *FakeClient) VerifyU2FRegistration(_ context.Context, req identity.VerifyU2FRegistrationRequest) error {
	if f.Err != nil {
		return f.Err
	}
	f.lock.Lock()
	defer f.lock.Unlock()

	userID, ok := f.pendingU2F[req.U2FID]
	if !ok || userID != req.UserID {
		return notFound("u2f registration")
	}
	if len(req.PublicKeyCredential) == 0 {
		return &identity.APIError{StatusCode: 400, Code: "INVALID_ARGUMENT", Message: "missing credential"}
	}
	delete(f.pendingU2F, req.U2FID)
	f.authMethods[req.UserID] = append(f.authMethods[req.UserID], identity.AuthMethodU2F)
	return nil
}

func (f *FakeClient) AddOTPEmail(_ context.Context, userID string) error {
	if f.Err != nil {
		return f.Err
	}
	f.lock.Lock()
	defer f.lock.Unlock()

	if _, ok := f.users[userID]; !ok {
		return notFound("user")
	}
	for _, method := range f.authMethods[userID] {
		if method == identity.AuthMethodOTPEmail {
			return &identity.APIError{StatusCode: 409, Code: "ALREADY_EXISTS", Message: "OTP Email already set up"}
		}
	}
	f.authMethods[userID] = append(f.authMethods[userID], identity.AuthMethodOTPEmail)
	return nil
}

func (f *FakeClient) VerifyEmail(_ context.Context, userID, code string) error {
	if f.Err != nil {
		return f.Err
	}
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.emailCodes[userID] == "" || f.emailCodes[userID] != code {
		return invalidCode()
	}
	delete(f.emailCodes, userID)
	if user, ok := f.users[userID]; ok && user.Human != nil {
		user.Human.Email.IsVerified = true
	}
	return nil
}

func (f *FakeClient) SendEmailCode(_ context.Context, userID string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	f.lock.Lock()
	defer f.lock.Unlock()

	if _, ok := f.users[userID]; !ok {
		return "", notFound("user")
	}
	code := randomCode()
	f.emailCodes[userID] = code
	return code, nil
}

func (f *FakeClient) PasswordReset(_ context.Context, userID string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	f.lock.Lock()
	defer f.lock.Unlock()

	if _, ok := f.users[userID]; !ok {
		return "", notFound("user")
	}
	code := randomCode()
	f.resetCodes[userID] = code
	return code, nil
}

func (f *FakeClient) SetPassword(_ context.Context, req identity.SetPasswordRequest) error {
	if f.Err != nil {
		return f.Err
	}
	f.lock.Lock()
	defer f.lock.Unlock()

	user, ok := f.users[req.UserID]
	if !ok {
		return notFound("user")
	}
	if req.Code != "" {
		if f.resetCodes[req.UserID] != req.Code {
			return invalidCode()
		}
		delete(f.resetCodes, req.UserID)
	}
	f.passwords[req.UserID] = req.NewPassword
	f.failedAttempts[req.UserID] = 0
	if user.Human != nil {
		user.Human.PasswordChanged = f.nowTime()
		user.Human.PasswordChangeRequired = req.ChangeRequired
	}
	return nil
}

func (f *FakeClient) GetLoginSettings(_ context.Context, organizationID string) (*identity.LoginSettings, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.RLock()
	defer f.lock.RUnlock()

	if settings, ok := f.loginSettings[organizationID]; ok {
		return settings, nil
	}
	if settings, ok := f.loginSettings[""]; ok {
		return settings, nil
	}
	return &identity.LoginSettings{AllowUsernamePassword: true}, nil
}

func (f *FakeClient) GetLockoutSettings(_ context.Context, organizationID string) (*identity.LockoutSettings, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.RLock()
	defer f.lock.RUnlock()

	if settings, ok := f.lockoutSettings[organizationID]; ok {
		return settings, nil
	}
	return f.lockoutSettings[""], nil
}

func (f *FakeClient) GetPasswordExpirySettings(_ context.Context, organizationID string) (*identity.PasswordExpirySettings, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.RLock()
	defer f.lock.RUnlock()

	if settings, ok := f.expirySettings[organizationID]; ok {
		return settings, nil
	}
	return &identity.PasswordExpirySettings{}, nil
}

func (f *FakeClient) GetSecuritySettings(_ context.Context) (*identity.SecuritySettings, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.RLock()
	defer f.lock.RUnlock()

	if f.securitySettings != nil {
		return f.securitySettings, nil
	}
	return &identity.SecuritySettings{}, nil
}

func (f *FakeClient) GetAuthRequest(_ context.Context, authRequestID string) (*identity.AuthRequest, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.RLock()
	defer f.lock.RUnlock()

	req, ok := f.authRequests[authRequestID]
	if !ok {
		return nil, notFound("auth request")
	}
	return req, nil
}

func (f *FakeClient) CreateCallback(_ context.Context, authRequestID, sessionID, sessionToken string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	f.lock.RLock()
	defer f.lock.RUnlock()

	if _, ok := f.authRequests[authRequestID]; !ok {
		return "", notFound("auth request")
	}
	fs, ok := f.sessions[sessionID]
	if !ok || fs.token != sessionToken {
		return "", &identity.APIError{StatusCode: 403, Code: "PERMISSION_DENIED", Message: "invalid session"}
	}
	return "https://rp.example.com/callback?code=" + authRequestID, nil
}

func (f *FakeClient) GetSAMLRequest(_ context.Context, samlRequestID string) (*identity.SAMLRequest, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.RLock()
	defer f.lock.RUnlock()

	req, ok := f.samlRequests[samlRequestID]
	if !ok {
		return nil, notFound("saml request")
	}
	return req, nil
}

func (f *FakeClient) CreateSAMLResponse(_ context.Context, samlRequestID, sessionID, sessionToken string) (*identity.SAMLResponseBinding, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.RLock()
	defer f.lock.RUnlock()

	if _, ok := f.samlRequests[samlRequestID]; !ok {
		return nil, notFound("saml request")
	}
	fs, ok := f.sessions[sessionID]
	if !ok || fs.token != sessionToken {
		return nil, &identity.APIError{StatusCode: 403, Code: "PERMISSION_DENIED", Message: "invalid session"}
	}
	return &identity.SAMLResponseBinding{
		Binding: "redirect",
		URL:     "https://sp.example.com/acs?request=" + samlRequestID,
	}, nil
}

func (f *FakeClient) GetActiveIdentityProviders(_ context.Context, organizationID string) ([]identity.IdentityProvider, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.RLock()
	defer f.lock.RUnlock()

	if idps, ok := f.idps[organizationID]; ok {
		return idps, nil
	}
	return f.idps[""], nil
}

func (f *FakeClient) StartIdentityProviderFlow(_ context.Context, req identity.StartIDPFlowRequest) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	return "https://idp.example.com/authorize?intent=" + req.IDPID, nil
}

func (f *FakeClient) GetOrgsByDomain(_ context.Context, domain string) ([]identity.Organization, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.lock.RLock()
	defer f.lock.RUnlock()

	matches := make([]identity.Organization, 0, 1)
	for _, org := range f.orgs {
		if org.PrimaryDomain == domain {
			matches = append(matches, org)
		}
	}
	return matches, nil
}
