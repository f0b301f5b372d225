package config

type CookieConfig interface {
	GetCookieSigningKey() string
	GetCookieEncryptionKey() string
}

type Cookies struct{}

var _ CookieConfig = Cookies{}

// GetCookieSigningKey returns the HMAC key used to sign session cookie
// chunks. Must be set in production; an empty key is rejected by the codec.
func (Cookies) GetCookieSigningKey() string {
	return GetEnv("COOKIE_SIGNING_KEY", "")
}

// GetCookieEncryptionKey returns the base64 encoded 32-byte key used to
// seal session records before they are written into cookies.
func (Cookies) GetCookieEncryptionKey() string {
	return GetEnv("COOKIE_ENCRYPTION_KEY", "")
}
