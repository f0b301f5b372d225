package auth

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"github.com/cds-snc/forms-idp-login/identity"
	apperrors "github.com/cds-snc/forms-idp-login/internal/errors"
	"github.com/cds-snc/forms-idp-login/internal/metrics"
	"github.com/cds-snc/forms-idp-login/notify"
)

// Credential enrollment and password management. Registration endpoints
// follow the checkAfter pattern: a newly registered factor must be checked
// once on the session before the flow is allowed to continue.

// RegisterTOTP starts TOTP enrollment for the session's user.
func (s *Service) RegisterTOTP(ctx context.Context, req *http.Request, ref SessionRef) (*identity.TOTPRegistration, error) {
	userID, err := s.sessionUserID(ctx, req, ref)
	if err != nil {
		return nil, err
	}
	registration, err := s.client.RegisterTOTP(ctx, userID)
	if err != nil {
		return nil, classify(err)
	}
	return registration, nil
}

// VerifyTOTPRegistration confirms the enrollment code and then checks the
// new factor on the session so the flow sees it as satisfied.
func (s *Service) VerifyTOTPRegistration(ctx context.Context, w http.ResponseWriter, req *http.Request, ref SessionRef, code string) (*CheckResult, error) {
	userID, err := s.sessionUserID(ctx, req, ref)
	if err != nil {
		return nil, err
	}
	if err := s.client.VerifyTOTPRegistration(ctx, userID, code); err != nil {
		metrics.RecordFactorCheck("totp_setup", metrics.OutcomeRejected)
		return nil, classify(err)
	}
	metrics.RecordFactorCheck("totp_setup", metrics.OutcomeOK)
	return s.VerifyTOTP(ctx, w, req, ref, code)
}

// RegisterU2F starts WebAuthn credential enrollment.
func (s *Service) RegisterU2F(ctx context.Context, req *http.Request, ref SessionRef, domain string) (*identity.U2FRegistration, error) {
	userID, err := s.sessionUserID(ctx, req, ref)
	if err != nil {
		return nil, err
	}
	registration, err := s.client.RegisterU2F(ctx, userID, domain)
	if err != nil {
		return nil, classify(err)
	}
	return registration, nil
}

// VerifyU2FRegistration confirms the attestation response.
func (s *Service) VerifyU2FRegistration(ctx context.Context, req *http.Request, ref SessionRef, u2fID, tokenName string, credential []byte) error {
	userID, err := s.sessionUserID(ctx, req, ref)
	if err != nil {
		return err
	}
	if err := s.client.VerifyU2FRegistration(ctx, identity.VerifyU2FRegistrationRequest{
		U2FID:               u2fID,
		UserID:              userID,
		TokenName:           tokenName,
		PublicKeyCredential: credential,
	}); err != nil {
		metrics.RecordFactorCheck("u2f_setup", metrics.OutcomeRejected)
		return classify(err)
	}
	metrics.RecordFactorCheck("u2f_setup", metrics.OutcomeOK)
	return nil
}

// SetupOTPEmail enrolls the user's verified email address as an OTP
// factor. Enrolling twice is not an error for the caller.
func (s *Service) SetupOTPEmail(ctx context.Context, req *http.Request, ref SessionRef) error {
	userID, err := s.sessionUserID(ctx, req, ref)
	if err != nil {
		return err
	}
	if err := s.client.AddOTPEmail(ctx, userID); err != nil {
		if identity.IsAlreadySetUp(err) {
			return nil
		}
		return classify(err)
	}
	return nil
}

// ResetPassword issues a reset code for the login name and emails it,
// returning the user id the follow-up SetPasswordWithCode call needs. An
// unknown login name is reported as not found; callers typically hide that
// from the user.
func (s *Service) ResetPassword(ctx context.Context, ref SessionRef) (string, error) {
	users, err := s.client.ListUsers(ctx, ref.LoginName, ref.Organization)
	if err != nil {
		return "", classify(err)
	}
	if len(users) == 0 {
		return "", apperrors.ErrNotFound
	}
	user := users[0]

	code, err := s.client.PasswordReset(ctx, user.ID)
	if err != nil {
		return "", classify(err)
	}
	if user.Human == nil || user.Human.Email.Address == "" {
		return "", apperrors.Wrapf(apperrors.ErrInternal, "user %s has no email address", user.ID)
	}
	notify.SendAsync(s.sender, user.Human.Email.Address, s.emailTemplateID, notify.PasswordReset(code))
	return user.ID, nil
}

// SetPasswordWithCode completes a reset using the emailed code.
func (s *Service) SetPasswordWithCode(ctx context.Context, userID, code, newPassword string) error {
	if err := s.client.SetPassword(ctx, identity.SetPasswordRequest{
		UserID:      userID,
		Code:        code,
		NewPassword: newPassword,
	}); err != nil {
		return classify(err)
	}
	s.notifyPasswordChanged(ctx, userID)
	return nil
}

// ChangePassword verifies the current password on the session and then
// sets the new one, authorized by the session token.
func (s *Service) ChangePassword(ctx context.Context, w http.ResponseWriter, req *http.Request, ref SessionRef, currentPassword, newPassword string) error {
	result, err := s.SendPassword(ctx, w, req, ref, currentPassword)
	if err != nil {
		return err
	}
	userID := result.Full.Factors.User.ID
	if err := s.client.SetPassword(ctx, identity.SetPasswordRequest{
		UserID:       userID,
		SessionToken: result.Session.Token,
		NewPassword:  newPassword,
	}); err != nil {
		return classify(err)
	}
	s.notifyPasswordChanged(ctx, userID)
	return nil
}

func (s *Service) notifyPasswordChanged(ctx context.Context, userID string) {
	user, err := s.client.GetUserByID(ctx, userID)
	if err != nil || user.Human == nil || user.Human.Email.Address == "" {
		return
	}
	notify.SendAsync(s.sender, user.Human.Email.Address, s.emailTemplateID, notify.PasswordChanged())
}

func (s *Service) sessionUserID(ctx context.Context, req *http.Request, ref SessionRef) (string, error) {
	record := s.resolve(req, ref)
	if record == nil {
		return "", apperrors.ErrSessionNotFound
	}
	session, err := s.client.GetSession(ctx, record.ID, record.Token)
	if err != nil {
		return "", classify(err)
	}
	if session.Factors.User == nil {
		return "", errors.Wrap(apperrors.ErrSessionNotFound, "[Service.sessionUserID] session has no user factor")
	}
	return session.Factors.User.ID, nil
}
