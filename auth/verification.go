package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cds-snc/forms-idp-login/identity"
	apperrors "github.com/cds-snc/forms-idp-login/internal/errors"
	"github.com/cds-snc/forms-idp-login/notify"
)

// Email verification. Codes are issued by the identity service in
// return-code mode and delivered through our own provider.

// SendVerificationEmail issues a fresh verification code and emails it.
func (s *Service) SendVerificationEmail(ctx context.Context, userID string) error {
	code, err := s.client.SendEmailCode(ctx, userID)
	if err != nil {
		return classify(err)
	}
	user, err := s.client.GetUserByID(ctx, userID)
	if err != nil {
		return classify(err)
	}
	if user.Human == nil || user.Human.Email.Address == "" {
		return apperrors.Wrapf(apperrors.ErrInternal, "user %s has no email address", userID)
	}
	notify.SendAsync(s.sender, user.Human.Email.Address, s.emailTemplateID, notify.SecurityCode(code))
	return nil
}

// VerifyEmailCode confirms the emailed code. Once the address is verified
// and this deployment requires verification, the address is enrolled as an
// OTP email factor so MFA can use it immediately.
func (s *Service) VerifyEmailCode(ctx context.Context, userID, code string) error {
	if err := s.client.VerifyEmail(ctx, userID, code); err != nil {
		return classify(err)
	}
	if !s.emailVerificationRequired {
		return nil
	}
	if err := s.client.AddOTPEmail(ctx, userID); err != nil && !identity.IsAlreadySetUp(err) {
		log.Warn().Err(err).Str("userID", userID).Msg("could not enroll otp email after verification")
	}
	return nil
}

const (
	userVerificationCookie = "verificationCheck"
	userVerificationTTL    = 5 * time.Minute
)

func verificationFingerprint(userID, fingerprintID string) string {
	sum := sha256.Sum256([]byte(userID + ":" + fingerprintID))
	return hex.EncodeToString(sum[:])
}

// SetUserVerificationCookie marks this browser as having just proven
// control of the user's email. The mark is a short-lived fingerprint hash,
// not a credential.
func (s *Service) SetUserVerificationCookie(w http.ResponseWriter, userID, fingerprintID string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     userVerificationCookie,
		Value:    verificationFingerprint(userID, fingerprintID),
		Path:     "/",
		MaxAge:   int(userVerificationTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// CheckUserVerificationCookie reports whether the request carries a valid
// verification mark for the user.
func (s *Service) CheckUserVerificationCookie(req *http.Request, userID, fingerprintID string) bool {
	cookie, err := req.Cookie(userVerificationCookie)
	if err != nil {
		return false
	}
	return cookie.Value == verificationFingerprint(userID, fingerprintID)
}
