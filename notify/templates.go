package notify

import "fmt"

// Personalisation builders for the bilingual login emails. The template at
// the provider side renders a single "subject" and "body" pair.

// SecurityCode builds the personalisation for a one-time security code.
func SecurityCode(code string) map[string]string {
	return map[string]string{
		"subject": "Security code | Code de sécurité",
		"body": fmt.Sprintf(
			"Your security code is: %s\n\nThis code expires shortly. If you did not request it, ignore this message.\n\n---\n\nVotre code de sécurité est : %s\n\nCe code expirera sous peu. Si vous n'avez pas demandé ce code, ignorez ce message.",
			code, code),
	}
}

// PasswordReset builds the personalisation for a password reset code.
func PasswordReset(code string) map[string]string {
	return map[string]string{
		"subject": "Password reset | Réinitialisation du mot de passe",
		"body": fmt.Sprintf(
			"Use this code to reset your password: %s\n\nIf you did not request a reset, you can ignore this message.\n\n---\n\nUtilisez ce code pour réinitialiser votre mot de passe : %s\n\nSi vous n'avez pas demandé de réinitialisation, vous pouvez ignorer ce message.",
			code, code),
	}
}

// PasswordChanged builds the personalisation for the change notification.
func PasswordChanged() map[string]string {
	return map[string]string{
		"subject": "Password changed | Mot de passe modifié",
		"body": "Your password was changed. If this was not you, contact support immediately.\n\n---\n\nVotre mot de passe a été modifié. Si ce n'était pas vous, communiquez immédiatement avec le soutien.",
	}
}
