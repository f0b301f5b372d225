package zitadelhttp

import (
	"strconv"
	"strings"
	"time"

	"github.com/cds-snc/forms-idp-login/identity"
)

// The v2 API renders protobuf durations as "<seconds>s" strings and enums
// as SCREAMING_SNAKE names. These helpers convert to the domain types.

func parseDuration(s string) time.Duration {
	s = strings.TrimSuffix(s, "s")
	seconds, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func parseAuthMethodType(name string) identity.AuthMethodType {
	switch name {
	case "AUTHENTICATION_METHOD_TYPE_PASSWORD":
		return identity.AuthMethodPassword
	case "AUTHENTICATION_METHOD_TYPE_PASSKEY":
		return identity.AuthMethodPasskey
	case "AUTHENTICATION_METHOD_TYPE_IDP":
		return identity.AuthMethodIDP
	case "AUTHENTICATION_METHOD_TYPE_TOTP":
		return identity.AuthMethodTOTP
	case "AUTHENTICATION_METHOD_TYPE_U2F":
		return identity.AuthMethodU2F
	case "AUTHENTICATION_METHOD_TYPE_OTP_SMS":
		return identity.AuthMethodOTPSMS
	case "AUTHENTICATION_METHOD_TYPE_OTP_EMAIL":
		return identity.AuthMethodOTPEmail
	default:
		return identity.AuthMethodUnspecified
	}
}

func parsePrompt(name string) identity.Prompt {
	switch name {
	case "PROMPT_NONE":
		return identity.PromptNone
	case "PROMPT_LOGIN":
		return identity.PromptLogin
	case "PROMPT_CONSENT":
		return identity.PromptConsent
	case "PROMPT_SELECT_ACCOUNT":
		return identity.PromptSelectAccount
	case "PROMPT_CREATE":
		return identity.PromptCreate
	default:
		return identity.PromptUnspecified
	}
}

type wireLoginSettings struct {
	AllowUsernamePassword     bool   `json:"allowUsernamePassword"`
	AllowRegister             bool   `json:"allowRegister"`
	AllowExternalIDP          bool   `json:"allowExternalIdp"`
	ForceMFA                  bool   `json:"forceMfa"`
	ForceMFALocalOnly         bool   `json:"forceMfaLocalOnly"`
	IgnoreUnknownUsernames    bool   `json:"ignoreUnknownUsernames"`
	PasswordCheckLifetime     string `json:"passwordCheckLifetime"`
	SecondFactorCheckLifetime string `json:"secondFactorCheckLifetime"`
	MultiFactorCheckLifetime  string `json:"multiFactorCheckLifetime"`
	DefaultRedirectURI        string `json:"defaultRedirectUri"`
}

func (w *wireLoginSettings) toDomain() *identity.LoginSettings {
	return &identity.LoginSettings{
		AllowUsernamePassword:     w.AllowUsernamePassword,
		AllowRegister:             w.AllowRegister,
		AllowExternalIDP:          w.AllowExternalIDP,
		ForceMFA:                  w.ForceMFA,
		ForceMFALocalOnly:         w.ForceMFALocalOnly,
		IgnoreUnknownUsernames:    w.IgnoreUnknownUsernames,
		PasswordCheckLifetime:     parseDuration(w.PasswordCheckLifetime),
		SecondFactorCheckLifetime: parseDuration(w.SecondFactorCheckLifetime),
		MultiFactorCheckLifetime:  parseDuration(w.MultiFactorCheckLifetime),
		DefaultRedirectURI:        w.DefaultRedirectURI,
	}
}

type wireAuthRequest struct {
	ID         string   `json:"id"`
	ClientID   string   `json:"clientId"`
	Scope      []string `json:"scope"`
	Prompt     []string `json:"prompt"`
	LoginHint  string   `json:"loginHint"`
	HintUserID string   `json:"hintUserId"`
}

func (w *wireAuthRequest) toDomain() *identity.AuthRequest {
	prompts := make([]identity.Prompt, 0, len(w.Prompt))
	for _, name := range w.Prompt {
		prompts = append(prompts, parsePrompt(name))
	}
	return &identity.AuthRequest{
		ID:         w.ID,
		ClientID:   w.ClientID,
		Scope:      w.Scope,
		Prompt:     prompts,
		LoginHint:  w.LoginHint,
		HintUserID: w.HintUserID,
	}
}

// wireChallenges maps a ChallengeRequest into the request body shape the
// session endpoints expect.
func wireChallenges(req *identity.ChallengeRequest) map[string]any {
	challenges := map[string]any{}
	if req.WebAuthN != nil {
		challenges["webAuthN"] = map[string]any{
			"domain":                      req.WebAuthN.Domain,
			"userVerificationRequirement": req.WebAuthN.UserVerificationRequirement,
		}
	}
	if req.OTPEmailReturnCode {
		challenges["otpEmail"] = map[string]any{"returnCode": map[string]any{}}
	}
	if req.OTPSMS {
		challenges["otpSms"] = map[string]any{}
	}
	return challenges
}
