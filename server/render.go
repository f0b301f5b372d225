package server

import (
	"embed"
	"html/template"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/cds-snc/forms-idp-login/auth"
	"github.com/cds-snc/forms-idp-login/flow"
	"github.com/cds-snc/forms-idp-login/identity"
	apperrors "github.com/cds-snc/forms-idp-login/internal/errors"
	"github.com/cds-snc/forms-idp-login/internal/metrics"
	"github.com/cds-snc/forms-idp-login/sessioncookie"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageNames = []string{
	"loginname", "password", "password_change", "password_set",
	"mfa", "mfa_set", "otp", "u2f", "u2f_set", "verify",
	"accounts", "signedin", "error", "locked", "saml_post",
}

var pages = func() map[string]*template.Template {
	parsed := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		parsed[name] = template.Must(template.ParseFS(templateFS,
			"templates/layout.html", "templates/"+name+".html"))
	}
	return parsed
}()

type pageData struct {
	Title string
	Error string

	RequestID    string
	LoginName    string
	Organization string
	SessionID    string
	UserID       string
	Method       string
	Query        template.URL

	CheckAfter bool
	EmailSent  bool
	SkipCode   bool
	U2FID      string

	Sessions          []sessioncookie.Session
	IdentityProviders []identity.IdentityProvider
	Methods           []identity.AuthMethodType
	TOTP            *identity.TOTPRegistration
	WebAuthNOptions template.JS
	SAML            *identity.SAMLResponseBinding
}

// withRef seeds the page data from a session ref and rebuilds the query
// string the templates embed in links and hidden fields.
func (d pageData) withRef(ref auth.SessionRef) pageData {
	d.RequestID = ref.RequestID
	d.LoginName = ref.LoginName
	d.Organization = ref.Organization
	d.SessionID = ref.SessionID

	params := url.Values{}
	if ref.RequestID != "" {
		params.Set("requestId", ref.RequestID)
	}
	if ref.LoginName != "" {
		params.Set("loginName", ref.LoginName)
	}
	if ref.Organization != "" {
		params.Set("organization", ref.Organization)
	}
	d.Query = template.URL(params.Encode())
	return d
}

func (s *Server) render(w http.ResponseWriter, status int, page string, data pageData) {
	tmpl, ok := pages[page]
	if !ok {
		log.Error().Str("page", page).Msg("unknown page template")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if data.Title == "" {
		data.Title = s.config.GetAppName()
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.ExecuteTemplate(w, "base", data); err != nil {
		log.Error().Err(err).Str("page", page).Msg("template execution failed")
	}
}

// renderFailure maps an app error onto the right page and message.
func (s *Server) renderFailure(w http.ResponseWriter, page string, data pageData, err error) {
	switch {
	case apperrors.Is(err, apperrors.ErrAccountLocked):
		s.render(w, http.StatusOK, "locked", data)
	case apperrors.Is(err, apperrors.ErrPolicyFetchFailed),
		apperrors.Is(err, apperrors.ErrInternal),
		apperrors.Is(err, apperrors.ErrInitialUserState):
		log.Error().Err(err).Msg("fatal page error")
		data.Error = ""
		s.render(w, http.StatusInternalServerError, "error", data)
	default:
		data.Error = errorMessage(err)
		s.render(w, http.StatusOK, page, data)
	}
}

func errorMessage(err error) string {
	switch {
	case apperrors.Is(err, apperrors.ErrCheckRejected), apperrors.Is(err, apperrors.ErrNotFound):
		// Deliberately identical for unknown users and bad passwords.
		return "Could not verify password"
	case apperrors.Is(err, apperrors.ErrInvalidCode):
		return "Invalid code. Try again."
	case apperrors.Is(err, apperrors.ErrAlreadyRegistered):
		return "This method is already set up."
	case apperrors.Is(err, apperrors.ErrSessionNotFound), apperrors.Is(err, apperrors.ErrSessionExpired):
		return "Your session has expired. Start again."
	case apperrors.Is(err, apperrors.ErrTransient):
		return "Something went wrong. Try again."
	default:
		return "Something went wrong."
	}
}

// decide runs the flow engine for the ref and applies the outcome.
func (s *Server) decide(w http.ResponseWriter, r *http.Request, ref auth.SessionRef) {
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
	s.applyDecisionRecord(w, r, decision, ref, nil)
}

// decideResult re-decides from a check result, whose cookie only exists on
// the response so far.
func (s *Server) decideResult(w http.ResponseWriter, r *http.Request, result *auth.CheckResult, ref auth.SessionRef) {
	input, err := s.auth.FlowInputForSession(r.Context(), result.Full, ref)
	if err != nil {
		s.renderFailure(w, "error", pageData{}.withRef(ref), err)
		return
	}
	decision, err := s.engine.Decide(input)
	if err != nil {
		s.renderFailure(w, "error", pageData{}.withRef(ref), err)
		return
	}
	s.applyDecisionRecord(w, r, decision, ref, result.Session)
}

func (s *Server) applyDecision(w http.ResponseWriter, r *http.Request, decision flow.Decision, ref auth.SessionRef) {
	s.applyDecisionRecord(w, r, decision, ref, nil)
}

func (s *Server) applyDecisionRecord(w http.ResponseWriter, r *http.Request, decision flow.Decision, ref auth.SessionRef, record *sessioncookie.Session) {
	metrics.RecordFlowDecision(decision.Kind.String())

	switch decision.Kind {
	case flow.KindCallback:
		var finalization *auth.Finalization
		var err error
		if record != nil {
			finalization, err = s.auth.FinalizeSession(r.Context(), record, ref.RequestID)
		} else {
			finalization, err = s.auth.Finalize(r.Context(), r, ref)
		}
		if err != nil {
			s.renderFailure(w, "error", pageData{}.withRef(ref), err)
			return
		}
		if finalization.SAMLPost != nil {
			s.render(w, http.StatusOK, "saml_post", pageData{SAML: finalization.SAMLPost}.withRef(ref))
			return
		}
		http.Redirect(w, r, finalization.RedirectURL, http.StatusFound)
	case flow.KindRedirect:
		http.Redirect(w, r, decision.RedirectURI, http.StatusFound)
	default:
		http.Redirect(w, r, decision.Path, http.StatusFound)
	}
}
