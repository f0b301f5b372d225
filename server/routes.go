package server

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	RouteLogin         = "/login"
	RouteLogoutSession = "/logout-session"
	RouteSecurity      = "/security"
	RouteHealthz       = "/healthz"
	RouteMetrics       = "/metrics"

	RouteLoginName      = "/loginname"
	RoutePassword       = "/password"
	RoutePasswordChange = "/password/change"
	RoutePasswordReset  = "/password/reset"
	RoutePasswordSet    = "/password/set"
	RouteMFA            = "/mfa"
	RouteMFASet         = "/mfa/set"
	RouteMFASetStart    = "/mfa/set/start"
	RouteOTP            = "/otp/{method}"
	RouteOTPResend      = "/otp/email/resend"
	RouteU2F            = "/u2f"
	RouteU2FSet         = "/u2f/set"
	RouteVerify         = "/verify"
	RouteVerifyResend   = "/verify/resend"
	RouteAccounts       = "/accounts"
	RouteIDPStart       = "/idp/start"
	RouteRegister       = "/register"
	RouteSignedIn       = "/signedin"
)

func (s *Server) initRoutes() {
	// Flow initiation and operational routes
	s.RegisterRouteHandler("GET "+RouteLogin, ChainMiddleware(s.FlowInitiationHandler(), s.PageMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteLogoutSession, ChainMiddleware(s.LogoutSessionHandler(), s.PageMiddleware()...))
	s.RegisterRouteFunc("GET "+RouteSecurity, s.SecuritySettingsHandler())
	s.RegisterRouteFunc("GET "+RouteHealthz, s.HealthzHandler())
	s.RegisterRouteHandler("GET "+RouteMetrics, promhttp.Handler())

	// Username discovery
	s.RegisterRouteHandler("GET /{$}", ChainMiddleware(s.LoginNamePageHandler(), s.PageMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteLoginName, ChainMiddleware(s.LoginNameSubmitHandler(), s.SubmitMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteIDPStart, ChainMiddleware(s.IDPStartHandler(), s.SubmitMiddleware()...))

	// Password
	s.RegisterRouteHandler("GET "+RoutePassword, ChainMiddleware(s.PasswordPageHandler(), s.PageMiddleware()...))
	s.RegisterRouteHandler("POST "+RoutePassword, ChainMiddleware(s.PasswordSubmitHandler(), s.SubmitMiddleware()...))
	s.RegisterRouteHandler("GET "+RoutePasswordChange, ChainMiddleware(s.PasswordChangePageHandler(), s.PageMiddleware()...))
	s.RegisterRouteHandler("POST "+RoutePasswordChange, ChainMiddleware(s.PasswordChangeSubmitHandler(), s.SubmitMiddleware()...))
	s.RegisterRouteHandler("POST "+RoutePasswordReset, ChainMiddleware(s.PasswordResetHandler(), s.SubmitMiddleware()...))
	s.RegisterRouteHandler("GET "+RoutePasswordSet, ChainMiddleware(s.PasswordSetPageHandler(), s.PageMiddleware()...))
	s.RegisterRouteHandler("POST "+RoutePasswordSet, ChainMiddleware(s.PasswordSetSubmitHandler(), s.SubmitMiddleware()...))

	// MFA
	s.RegisterRouteHandler("GET "+RouteMFA, ChainMiddleware(s.MFAPageHandler(), s.PageMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteMFASet, ChainMiddleware(s.MFASetPageHandler(), s.PageMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteMFASetStart, ChainMiddleware(s.MFASetStartHandler(), s.SubmitMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteMFASet, ChainMiddleware(s.MFASetSubmitHandler(), s.SubmitMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteOTP, ChainMiddleware(s.OTPPageHandler(), s.PageMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteOTP, ChainMiddleware(s.OTPSubmitHandler(), s.SubmitMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteOTPResend, ChainMiddleware(s.OTPResendHandler(), s.SubmitMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteU2F, ChainMiddleware(s.U2FPageHandler(), s.PageMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteU2F, ChainMiddleware(s.U2FSubmitHandler(), s.SubmitMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteU2FSet, ChainMiddleware(s.U2FSetPageHandler(), s.PageMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteU2FSet, ChainMiddleware(s.U2FSetSubmitHandler(), s.SubmitMiddleware()...))

	// Email verification
	s.RegisterRouteHandler("GET "+RouteVerify, ChainMiddleware(s.VerifyPageHandler(), s.PageMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteVerify, ChainMiddleware(s.VerifySubmitHandler(), s.SubmitMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteVerifyResend, ChainMiddleware(s.VerifyResendHandler(), s.SubmitMiddleware()...))

	// Accounts and landing
	s.RegisterRouteHandler("GET "+RouteAccounts, ChainMiddleware(s.AccountsPageHandler(), s.PageMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteAccounts, ChainMiddleware(s.AccountsSubmitHandler(), s.SubmitMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteRegister, ChainMiddleware(s.RegisterPageHandler(), s.PageMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteSignedIn, ChainMiddleware(s.SignedInPageHandler(), s.PageMiddleware()...))
}
