package server

import (
	"html/template"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/cds-snc/forms-idp-login/auth"
	"github.com/cds-snc/forms-idp-login/flow"
	apperrors "github.com/cds-snc/forms-idp-login/internal/errors"
)

// Username discovery

func (s *Server) LoginNamePageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		idps, err := s.auth.IdentityProviders(r.Context(), ref.Organization)
		if err != nil {
			log.Warn().Err(err).Msg("could not list identity providers")
		}
		s.render(w, http.StatusOK, "loginname", pageData{
			Sessions:          s.auth.Sessions(r),
			IdentityProviders: idps,
		}.withRef(ref))
	}
}

// IDPStartHandler hands the browser to an external identity provider. The
// identity service brokers the flow and sends the user back with the
// session's intent factor set.
func (s *Server) IDPStartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		idpID := r.FormValue("idpId")
		if idpID == "" {
			http.Redirect(w, r, flow.BuildPath("/", refParams(ref)), http.StatusFound)
			return
		}

		base := s.config.GetBaseURL()
		returnTarget := base + flow.BuildPath(RouteLogin, refParams(ref))
		if ref.RequestID == "" {
			returnTarget = base + flow.BuildPath("/", refParams(ref))
		}
		target, err := s.auth.StartIdentityProviderFlow(r.Context(), idpID, returnTarget, base+flow.BuildPath("/", refParams(ref)))
		if err != nil {
			s.renderFailure(w, "loginname", pageData{}.withRef(ref), err)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
	}
}

func (s *Server) LoginNameSubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		if ref.LoginName == "" {
			s.render(w, http.StatusBadRequest, "loginname", pageData{Error: "Enter your email or username"}.withRef(ref))
			return
		}

		result, err := s.auth.SendLoginName(r.Context(), w, r, ref)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				// Identical copy to the wrong-password message so this form
				// cannot be used to probe for accounts.
				s.render(w, http.StatusOK, "loginname", pageData{Error: "Could not verify password"}.withRef(ref))
				return
			}
			s.renderFailure(w, "loginname", pageData{}.withRef(ref), err)
			return
		}
		// The cookie record is keyed by the canonical login name, which may
		// differ from what the user typed (org-suffixed logins, aliases).
		// Carrying the typed form forward would miss the record on the next
		// submit and create a duplicate session.
		if result.Session != nil {
			ref.LoginName = result.Session.LoginName
			ref.Organization = result.Session.Organization
		}
		http.Redirect(w, r, flow.BuildPath(RoutePassword, refParams(ref)), http.StatusFound)
	}
}

// Password

func (s *Server) PasswordPageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		if ref.LoginName == "" && ref.SessionID == "" {
			http.Redirect(w, r, flow.BuildPath("/", refParams(ref)), http.StatusFound)
			return
		}
		s.render(w, http.StatusOK, "password", pageData{}.withRef(ref))
	}
}

func (s *Server) PasswordSubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		password := r.FormValue("password")
		if password == "" {
			s.render(w, http.StatusBadRequest, "password", pageData{Error: "Enter your password"}.withRef(ref))
			return
		}

		result, err := s.auth.SendPassword(r.Context(), w, r, ref, password)
		if err != nil {
			s.renderFailure(w, "password", pageData{}.withRef(ref), err)
			return
		}
		// The session cookie is only on the response at this point, so the
		// decision must run from the check result, not the request.
		s.decideResult(w, r, result, ref)
	}
}

func (s *Server) PasswordChangePageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.render(w, http.StatusOK, "password_change", pageData{}.withRef(refFromRequest(r)))
	}
}

func (s *Server) PasswordChangeSubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		current := r.FormValue("currentPassword")
		updated := r.FormValue("newPassword")
		if current == "" || updated == "" {
			s.render(w, http.StatusBadRequest, "password_change", pageData{Error: "Both passwords are required"}.withRef(ref))
			return
		}

		if err := s.auth.ChangePassword(r.Context(), w, r, ref, current, updated); err != nil {
			s.renderFailure(w, "password_change", pageData{}.withRef(ref), err)
			return
		}
		s.decide(w, r, ref)
	}
}

func (s *Server) PasswordResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		userID, err := s.auth.ResetPassword(r.Context(), ref)
		if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			// Unknown login names still land on the code entry page so the
			// form cannot be used to probe for accounts.
			s.renderFailure(w, "password", pageData{}.withRef(ref), err)
			return
		}
		s.render(w, http.StatusOK, "password_set", pageData{UserID: userID}.withRef(ref))
	}
}

func (s *Server) PasswordSetPageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		userID := r.URL.Query().Get("userId")
		s.render(w, http.StatusOK, "password_set", pageData{
			UserID:   userID,
			SkipCode: s.auth.CheckUserVerificationCookie(r, userID, fingerprintFromRequest(r)),
		}.withRef(ref))
	}
}

func (s *Server) PasswordSetSubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		userID := r.FormValue("userId")
		code := r.FormValue("code")
		updated := r.FormValue("newPassword")
		data := pageData{UserID: userID}.withRef(ref)
		if userID == "" || updated == "" {
			data.Error = "Invalid code. Try again."
			s.render(w, http.StatusOK, "password_set", data)
			return
		}
		// A browser that just verified the user's email may skip the code.
		if code == "" && !s.auth.CheckUserVerificationCookie(r, userID, fingerprintFromRequest(r)) {
			data.Error = "Invalid code. Try again."
			s.render(w, http.StatusOK, "password_set", data)
			return
		}

		if err := s.auth.SetPasswordWithCode(r.Context(), userID, code, updated); err != nil {
			s.renderFailure(w, "password_set", data, err)
			return
		}
		http.Redirect(w, r, flow.BuildPath(RoutePassword, refParams(ref)), http.StatusFound)
	}
}

// MFA

// MFAPageHandler re-runs the decision so a direct visit to /mfa lands on
// the right step; it only renders when an MFA challenge is actually due.
func (s *Server) MFAPageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		input, err := s.auth.FlowInput(r.Context(), r, ref)
		if err != nil {
			s.renderFailure(w, "error", pageData{}.withRef(ref), err)
			return
		}
		decision, err := s.engine.Decide(input)
		if err != nil {
			s.renderFailure(w, "error", pageData{}.withRef(ref), err)
			return
		}
		if decision.Kind != flow.KindMFAVerify {
			s.applyDecision(w, r, decision, ref)
			return
		}
		s.render(w, http.StatusOK, "mfa", pageData{Methods: decision.Methods}.withRef(ref))
	}
}

func (s *Server) MFASetPageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		s.render(w, http.StatusOK, "mfa_set", pageData{
			CheckAfter: r.URL.Query().Get("checkAfter") == "true",
		}.withRef(ref))
	}
}

func (s *Server) MFASetStartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		data := pageData{CheckAfter: r.FormValue("checkAfter") == "true"}.withRef(ref)

		registration, err := s.auth.RegisterTOTP(r.Context(), r, ref)
		if err != nil {
			s.renderFailure(w, "mfa_set", data, err)
			return
		}
		data.TOTP = registration
		s.render(w, http.StatusOK, "mfa_set", data)
	}
}

func (s *Server) MFASetSubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		code := r.FormValue("code")
		data := pageData{CheckAfter: r.FormValue("checkAfter") == "true"}.withRef(ref)
		if code == "" {
			data.Error = "Invalid code. Try again."
			s.render(w, http.StatusOK, "mfa_set", data)
			return
		}

		result, err := s.auth.VerifyTOTPRegistration(r.Context(), w, r, ref, code)
		if err != nil {
			s.renderFailure(w, "mfa_set", data, err)
			return
		}
		// The fresh factor was checked on the session, so the decision
		// continues past MFA instead of looping back into setup.
		s.decideResult(w, r, result, ref)
	}
}

// OTP challenges

func (s *Server) OTPPageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		method := r.PathValue("method")
		data := pageData{Method: method}.withRef(ref)

		if method == "email" && r.URL.Query().Get("sent") != "true" {
			if _, err := s.auth.SendOTPEmailChallenge(r.Context(), w, r, ref); err != nil {
				s.renderFailure(w, "otp", data, err)
				return
			}
			data.EmailSent = true
		}
		s.render(w, http.StatusOK, "otp", data)
	}
}

func (s *Server) OTPSubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		method := r.PathValue("method")
		code := r.FormValue("code")
		data := pageData{Method: method}.withRef(ref)

		var result *auth.CheckResult
		var err error
		switch method {
		case "time-based":
			result, err = s.auth.VerifyTOTP(r.Context(), w, r, ref, code)
		case "email":
			result, err = s.auth.VerifyOTPEmail(r.Context(), w, r, ref, code)
		default:
			http.NotFound(w, r)
			return
		}
		if err != nil {
			s.renderFailure(w, "otp", data, err)
			return
		}
		s.decideResult(w, r, result, ref)
	}
}

func (s *Server) OTPResendHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		if _, err := s.auth.SendOTPEmailChallenge(r.Context(), w, r, ref); err != nil {
			s.renderFailure(w, "otp", pageData{Method: "email"}.withRef(ref), err)
			return
		}
		params := refParams(ref)
		params.Set("sent", "true")
		http.Redirect(w, r, flow.BuildPath("/otp/email", params), http.StatusFound)
	}
}

// WebAuthn

func (s *Server) U2FPageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		result, err := s.auth.RequestU2FChallenge(r.Context(), w, r, ref, r.Host)
		if err != nil {
			s.renderFailure(w, "error", pageData{}.withRef(ref), err)
			return
		}

		data := pageData{}.withRef(ref)
		if challenge := result.Full.Challenges.WebAuthN; challenge != nil {
			data.WebAuthNOptions = template.JS(challenge.PublicKeyCredentialRequestOptions)
		}
		s.render(w, http.StatusOK, "u2f", data)
	}
}

func (s *Server) U2FSubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		assertion := r.FormValue("assertion")
		if assertion == "" {
			s.render(w, http.StatusBadRequest, "u2f", pageData{Error: "No credential received"}.withRef(ref))
			return
		}

		result, err := s.auth.VerifyU2F(r.Context(), w, r, ref, []byte(assertion))
		if err != nil {
			s.renderFailure(w, "u2f", pageData{}.withRef(ref), err)
			return
		}
		s.decideResult(w, r, result, ref)
	}
}

func (s *Server) U2FSetPageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		data := pageData{CheckAfter: r.URL.Query().Get("checkAfter") == "true"}.withRef(ref)

		registration, err := s.auth.RegisterU2F(r.Context(), r, ref, r.Host)
		if err != nil {
			s.renderFailure(w, "error", data, err)
			return
		}
		data.U2FID = registration.ID
		data.WebAuthNOptions = template.JS(registration.PublicKeyCredentialCreationOptions)
		s.render(w, http.StatusOK, "u2f_set", data)
	}
}

func (s *Server) U2FSetSubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		u2fID := r.FormValue("u2fId")
		credential := r.FormValue("credential")
		data := pageData{CheckAfter: r.FormValue("checkAfter") == "true"}.withRef(ref)
		if u2fID == "" || credential == "" {
			data.Error = "No credential received"
			s.render(w, http.StatusBadRequest, "u2f_set", data)
			return
		}

		err := s.auth.VerifyU2FRegistration(r.Context(), r, ref, u2fID, r.FormValue("tokenName"), []byte(credential))
		if err != nil {
			s.renderFailure(w, "u2f_set", data, err)
			return
		}
		if data.CheckAfter {
			// The fresh key still has to be checked on the session.
			http.Redirect(w, r, flow.BuildPath(RouteU2F, refParams(ref)), http.StatusFound)
			return
		}
		s.decide(w, r, ref)
	}
}

// Email verification

func (s *Server) VerifyPageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		data := pageData{UserID: r.URL.Query().Get("userId")}.withRef(ref)

		if data.UserID == "" {
			input, err := s.auth.FlowInput(r.Context(), r, ref)
			if err != nil {
				s.renderFailure(w, "error", data, err)
				return
			}
			if input.User != nil {
				data.UserID = input.User.ID
			}
		}
		if data.UserID == "" {
			http.Redirect(w, r, flow.BuildPath("/", refParams(ref)), http.StatusFound)
			return
		}

		if r.URL.Query().Get("sent") != "true" {
			if err := s.auth.SendVerificationEmail(r.Context(), data.UserID); err != nil {
				log.Warn().Err(err).Msg("could not send verification email")
			}
		}
		s.render(w, http.StatusOK, "verify", data)
	}
}

func (s *Server) VerifySubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		userID := r.FormValue("userId")
		code := r.FormValue("code")
		data := pageData{UserID: userID}.withRef(ref)
		if userID == "" || code == "" {
			data.Error = "Invalid code. Try again."
			s.render(w, http.StatusOK, "verify", data)
			return
		}

		if err := s.auth.VerifyEmailCode(r.Context(), userID, code); err != nil {
			s.renderFailure(w, "verify", data, err)
			return
		}
		// Mark this browser as having just proven control of the address, so
		// a follow-up password set can skip the emailed code.
		s.auth.SetUserVerificationCookie(w, userID, s.ensureFingerprint(w, r), s.secureCookies())
		s.decide(w, r, ref)
	}
}

func (s *Server) VerifyResendHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		userID := r.FormValue("userId")
		data := pageData{UserID: userID}.withRef(ref)
		if userID == "" {
			http.Redirect(w, r, flow.BuildPath("/", refParams(ref)), http.StatusFound)
			return
		}

		if err := s.auth.SendVerificationEmail(r.Context(), userID); err != nil {
			s.renderFailure(w, "verify", data, err)
			return
		}
		params := refParams(ref)
		params.Set("userId", userID)
		params.Set("sent", "true")
		http.Redirect(w, r, flow.BuildPath(RouteVerify, params), http.StatusFound)
	}
}

// Account selection and landing

func (s *Server) AccountsPageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		s.render(w, http.StatusOK, "accounts", pageData{
			Sessions: s.auth.LiveSessions(r.Context(), r),
		}.withRef(ref))
	}
}

func (s *Server) AccountsSubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		if ref.SessionID == "" {
			http.Redirect(w, r, flow.BuildPath("/", refParams(ref)), http.StatusFound)
			return
		}

		session, err := s.auth.ContinueWithSession(r.Context(), r, ref.SessionID)
		if err != nil {
			// A dead session drops back to username entry rather than a
			// broken page.
			http.Redirect(w, r, flow.BuildPath("/", refParams(auth.SessionRef{RequestID: ref.RequestID})), http.StatusFound)
			return
		}
		ref.LoginName = session.LoginName
		ref.Organization = session.Organization
		s.decide(w, r, ref)
	}
}

// RegisterPageHandler exists for the OIDC create prompt; self-service
// registration happens at the identity platform, so the user is guided
// back to username entry.
func (s *Server) RegisterPageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		s.render(w, http.StatusOK, "loginname", pageData{
			Error:    "Ask your administrator for an account, then sign in here.",
			Sessions: s.auth.Sessions(r),
		}.withRef(ref))
	}
}

func (s *Server) SignedInPageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		if ref.LoginName == "" {
			if recent := s.auth.Sessions(r); len(recent) > 0 {
				ref.LoginName = recent[0].LoginName
			}
		}
		s.render(w, http.StatusOK, "signedin", pageData{}.withRef(ref))
	}
}
