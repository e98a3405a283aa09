package notify

import (
	"fmt"
	"strings"
)

// Kind names a notification type.
type Kind string

const (
	KindVerification  Kind = "verification"
	KindPasswordReset Kind = "password_reset"
	KindTwoFactorCode Kind = "two_factor_code"
)

type message struct {
	kind    Kind
	subject string
	text    string
}

// render builds a plain-text message. When link is empty the secret is included
// verbatim so the recipient can paste it.
func render(kind Kind, link, secret string) message {
	var b strings.Builder
	var subject string

	switch kind {
	case KindVerification:
		subject = "Verify your email address"
		b.WriteString("Confirm your email address to activate your account.\n\n")
	case KindPasswordReset:
		subject = "Reset your password"
		b.WriteString("A password reset was requested for your account. It expires in one hour.\n")
		b.WriteString("If you did not request it, you can ignore this message.\n\n")
	case KindTwoFactorCode:
		subject = "Your sign-in code"
		fmt.Fprintf(&b, "Your sign-in code is %s\n\nIt can be used once.\n", secret)
		return message{kind: kind, subject: subject, text: b.String()}
	}

	if link != "" {
		fmt.Fprintf(&b, "%s\n", link)
	} else {
		fmt.Fprintf(&b, "Token: %s\n", secret)
	}
	return message{kind: kind, subject: subject, text: b.String()}
}
