package email

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/knoguchi/promptrelay/internal/channel"
)

const noPromptText = "No valid prompt found in your email. Please include your AI request in the email body."

var angleAddress = regexp.MustCompile(`<([^>]+)>`)

// Formatter renders the reply mail bodies.
type Formatter struct {
	TriggerSubject string
}

// Success embeds the request and the generated response.
func (f Formatter) Success(prompt, response string) string {
	return fmt.Sprintf(`Hello!

Thank you for your AI request. Here's the response to your query:

Your Request:
%s

AI Response:
%s

---
This is an automated response from the AI Assistant.
If you have another question, please send a new email with the subject "%s".`, prompt, response, f.TriggerSubject)
}

// Failure wraps a fixed message with usage instructions.
func (f Formatter) Failure(kind channel.Failure) string {
	var msg string
	switch kind {
	case channel.FailureNoPrompt:
		msg = noPromptText
	case channel.FailureEmptyResponse:
		msg = channel.EmptyResponseText
	default:
		msg = channel.ErrorText
	}

	return fmt.Sprintf(`Hello!

%s

Please make sure to:
1. Include your AI request in the email body
2. Use the subject "%s"

---
This is an automated response from the AI Assistant.`, msg, f.TriggerSubject)
}

// ExtractAddress returns the bare address from a "Name <addr>" From value.
func ExtractAddress(from string) (string, error) {
	if addr, err := mail.ParseAddress(from); err == nil {
		return addr.Address, nil
	}
	if m := angleAddress.FindStringSubmatch(from); m != nil {
		return strings.TrimSpace(m[1]), nil
	}
	from = strings.TrimSpace(from)
	if from == "" {
		return "", errors.New("empty sender address")
	}
	return from, nil
}

// ReplySubject prefixes subject with "Re:" once.
func ReplySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if len(subject) >= 3 && strings.EqualFold(subject[:3], "re:") {
		return subject
	}
	return "Re: " + subject
}
