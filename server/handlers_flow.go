package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cds-snc/forms-idp-login/auth"
	"github.com/cds-snc/forms-idp-login/flow"
	"github.com/cds-snc/forms-idp-login/identity"
	apperrors "github.com/cds-snc/forms-idp-login/internal/errors"
)

// refFromRequest extracts the session ref carried by query or form
// parameters.
func refFromRequest(r *http.Request) auth.SessionRef {
	get := func(key string) string {
		if value := r.FormValue(key); value != "" {
			return value
		}
		return r.URL.Query().Get(key)
	}
	return auth.SessionRef{
		SessionID:    get("sessionId"),
		LoginName:    get("loginName"),
		Organization: get("organization"),
		RequestID:    get("requestId"),
	}
}

func refParams(ref auth.SessionRef) url.Values {
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
	if ref.SessionID != "" {
		params.Set("sessionId", ref.SessionID)
	}
	return params
}

// requestIDFromQuery normalizes the relying party's incoming identifiers.
// OIDC arrives as authRequest, SAML as samlRequest; a pre-prefixed
// requestId is accepted as-is.
func requestIDFromQuery(r *http.Request) (string, error) {
	query := r.URL.Query()
	if id := query.Get("authRequest"); id != "" {
		if strings.HasPrefix(id, "oidc_") {
			return id, nil
		}
		return "oidc_" + id, nil
	}
	if id := query.Get("samlRequest"); id != "" {
		if strings.HasPrefix(id, "saml_") {
			return id, nil
		}
		return "saml_" + id, nil
	}
	if id := query.Get("requestId"); id != "" {
		if !auth.ValidRequestID(id) {
			return "", apperrors.ErrMissingRequestID
		}
		return id, nil
	}
	return "", apperrors.ErrMissingRequestID
}

// FlowInitiationHandler is the relying party's entry point. It validates
// the request id, honors OIDC prompts, and hands the rest to the decision
// engine.
func (s *Server) FlowInitiationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID, err := requestIDFromQuery(r)
		if err != nil {
			http.Error(w, "missing or malformed request id", http.StatusBadRequest)
			return
		}
		ref := auth.SessionRef{
			RequestID:    requestID,
			Organization: r.URL.Query().Get("organization"),
		}

		if strings.HasPrefix(requestID, "oidc_") {
			s.initiateOIDC(w, r, ref)
			return
		}
		s.initiateSAML(w, r, ref)
	}
}

func (s *Server) initiateOIDC(w http.ResponseWriter, r *http.Request, ref auth.SessionRef) {
	authRequest, err := s.client.GetAuthRequest(r.Context(), ref.RequestID)
	if err != nil {
		if identity.IsNotFound(err) {
			http.Error(w, "unknown authorization request", http.StatusBadRequest)
			return
		}
		s.renderFailure(w, "error", pageData{}.withRef(ref), apperrors.Wrapf(apperrors.ErrTransient, "%v", err))
		return
	}
	if authRequest.LoginHint != "" {
		ref.LoginName = authRequest.LoginHint
	}

	switch {
	case authRequest.HasPrompt(identity.PromptCreate):
		http.Redirect(w, r, flow.BuildPath(RouteRegister, refParams(ref)), http.StatusFound)
	case authRequest.HasPrompt(identity.PromptSelectAccount):
		http.Redirect(w, r, flow.BuildPath(RouteAccounts, refParams(ref)), http.StatusFound)
	case authRequest.HasPrompt(identity.PromptLogin):
		// Force a fresh authentication regardless of existing sessions.
		http.Redirect(w, r, flow.BuildPath("/", refParams(ref)), http.StatusFound)
	case authRequest.HasPrompt(identity.PromptNone):
		s.initiateSilent(w, r, ref)
	default:
		s.decide(w, r, ref)
	}
}

// initiateSilent handles prompt=none: the flow must already be complete,
// no screen may be shown.
func (s *Server) initiateSilent(w http.ResponseWriter, r *http.Request, ref auth.SessionRef) {
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
	if decision.Kind != flow.KindCallback {
		log.Info().Str("next", decision.Kind.String()).Msg("silent login not possible")
		http.Error(w, "login required", http.StatusBadRequest)
		return
	}
	s.applyDecision(w, r, decision, ref)
}

func (s *Server) initiateSAML(w http.ResponseWriter, r *http.Request, ref auth.SessionRef) {
	if _, err := s.client.GetSAMLRequest(r.Context(), ref.RequestID); err != nil {
		if identity.IsNotFound(err) {
			http.Error(w, "unknown SAML request", http.StatusBadRequest)
			return
		}
		s.renderFailure(w, "error", pageData{}.withRef(ref), apperrors.Wrapf(apperrors.ErrTransient, "%v", err))
		return
	}
	s.decide(w, r, ref)
}

// LogoutSessionHandler ends one session and sends the browser to a
// cache-busted return target.
func (s *Server) LogoutSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFromRequest(r)
		sessionID := ref.SessionID
		if sessionID == "" {
			if recent := s.auth.Sessions(r); len(recent) > 0 {
				sessionID = recent[0].ID
			}
		}
		if sessionID != "" {
			if err := s.auth.Logout(r.Context(), w, r, sessionID); err != nil && !apperrors.Is(err, apperrors.ErrSessionNotFound) {
				log.Warn().Err(err).Msg("logout failed")
			}
		}

		returnURL := r.URL.Query().Get("returnUrl")
		if flow.ValidateReturnURL(returnURL) != nil {
			returnURL = "/"
		}
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, flow.CacheBust(returnURL, time.Now().Unix()), http.StatusFound)
	}
}

// SecuritySettingsHandler proxies the instance security settings with a
// long shared cache.
func (s *Server) SecuritySettingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings, err := s.client.GetSecuritySettings(r.Context())
		if err != nil {
			http.Error(w, "could not load security settings", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600, stale-while-revalidate=86400")
		if err := json.NewEncoder(w).Encode(settings); err != nil {
			log.Error().Err(err).Msg("encode security settings")
		}
	}
}

func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
