package config

type IdentityConfig interface {
	GetIdentityServiceURL() string
	GetIdentityServiceToken() string
	GetEmailVerificationRequired() bool
}

type Identity struct{}

var _ IdentityConfig = Identity{}

// GetIdentityServiceURL returns the base URL of the Zitadel-compatible
// identity service (e.g. "https://identity.example.com").
func (Identity) GetIdentityServiceURL() string {
	return GetEnv("IDENTITY_SERVICE_URL", "http://localhost:8080")
}

// GetIdentityServiceToken returns the personal access token used for
// service-level calls (settings, user search, registration).
func (Identity) GetIdentityServiceToken() string {
	return GetEnv("IDENTITY_SERVICE_TOKEN", "")
}

// GetEmailVerificationRequired reports whether a verified email address is
// required before a login flow may complete.
func (Identity) GetEmailVerificationRequired() bool {
	return GetEnv("EMAIL_VERIFICATION", "false") == "true"
}
