package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/cds-snc/forms-idp-login/identity"
	apperrors "github.com/cds-snc/forms-idp-login/internal/errors"
	"github.com/cds-snc/forms-idp-login/sessioncookie"
)

// Finalization is the terminal result of a fully verified flow: either a
// redirect back to the relying party, or SAML POST-binding form data.
type Finalization struct {
	RedirectURL string
	SAMLPost    *identity.SAMLResponseBinding
}

// RequestKind splits a relying-party request id into its protocol.
const (
	requestPrefixOIDC = "oidc_"
	requestPrefixSAML = "saml_"
)

// ValidRequestID reports whether the id carries a known protocol prefix.
func ValidRequestID(requestID string) bool {
	return strings.HasPrefix(requestID, requestPrefixOIDC) || strings.HasPrefix(requestID, requestPrefixSAML)
}

// Finalize marks the relying-party request satisfied by the session a ref
// points at and returns where to send the browser.
func (s *Service) Finalize(ctx context.Context, req *http.Request, ref SessionRef) (*Finalization, error) {
	record := s.resolve(req, ref)
	if record == nil {
		return nil, apperrors.ErrSessionNotFound
	}
	return s.FinalizeSession(ctx, record, ref.RequestID)
}

// FinalizeSession is Finalize for a session record the caller already
// holds, so a check and its finalization can share one request.
func (s *Service) FinalizeSession(ctx context.Context, record *sessioncookie.Session, requestID string) (*Finalization, error) {
	if !ValidRequestID(requestID) {
		return nil, apperrors.ErrMissingRequestID
	}

	if strings.HasPrefix(requestID, requestPrefixOIDC) {
		callbackURL, err := s.client.CreateCallback(ctx, requestID, record.ID, record.Token)
		if err != nil {
			return nil, classify(err)
		}
		return &Finalization{RedirectURL: callbackURL}, nil
	}

	binding, err := s.client.CreateSAMLResponse(ctx, requestID, record.ID, record.Token)
	if err != nil {
		return nil, classify(err)
	}
	if binding.Binding == "post" {
		return &Finalization{SAMLPost: binding}, nil
	}
	return &Finalization{RedirectURL: binding.URL}, nil
}
