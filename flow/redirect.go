package flow

import (
	"net/url"
	"strconv"
	"strings"

	apperrors "github.com/cds-snc/forms-idp-login/internal/errors"
)

// ValidateReturnURL accepts only relative, same-site redirect targets.
// Absolute URLs and protocol-relative ("//host") forms are rejected so a
// returnUrl parameter can never send the browser off-site.
func ValidateReturnURL(raw string) error {
	if raw == "" {
		return apperrors.ErrInvalidRedirect
	}
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return apperrors.ErrInvalidRedirect
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrInvalidRedirect, "parse %q", raw)
	}
	if parsed.Scheme != "" || parsed.Host != "" {
		return apperrors.ErrInvalidRedirect
	}
	return nil
}

// CacheBust appends a timestamp parameter so browsers re-fetch the target
// after logout instead of serving a cached page.
func CacheBust(target string, nowUnix int64) string {
	separator := "?"
	if strings.Contains(target, "?") {
		separator = "&"
	}
	return target + separator + "t=" + strconv.FormatInt(nowUnix, 10)
}
