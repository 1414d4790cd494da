// Package message builds RFC 5322 messages for the relay client using
// per-recipient personalization.
package message

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/rotomail/rotomail/internal/campaign"
)

// varPattern matches {{variable}} placeholders in subject and body.
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Builder renders campaign messages into wire bytes. Attachments are
// referenced by path and read at build time; the files themselves are
// never modified.
type Builder struct{}

// NewBuilder creates a message builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build renders the message for one recipient and returns the raw
// message bytes ready for the SMTP DATA phase.
func (b *Builder) Build(from string, rcpt campaign.Recipient, msg *campaign.Message) ([]byte, error) {
	if from == "" {
		return nil, fmt.Errorf("sender address is empty")
	}

	vars := templateVars(rcpt)

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	if rcpt.Name != "" {
		m.SetAddressHeader("To", rcpt.Email, rcpt.Name)
	} else {
		m.SetHeader("To", rcpt.Email)
	}
	m.SetHeader("Subject", renderTemplate(msg.Subject, vars))

	body := renderTemplate(msg.Body, vars)
	if msg.IsHTML {
		m.SetBody("text/html", body)
	} else {
		m.SetBody("text/plain", body)
	}

	for _, att := range msg.Attachments {
		if att.Name != "" {
			m.Attach(att.Path, gomail.Rename(att.Name))
		} else {
			m.Attach(att.Path)
		}
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to render message: %w", err)
	}
	return buf.Bytes(), nil
}

// templateVars collects the substitution variables for a recipient.
// Explicit fields win over the built-in email/name values.
func templateVars(rcpt campaign.Recipient) map[string]string {
	vars := map[string]string{
		"email": rcpt.Email,
		"name":  rcpt.Name,
	}
	for k, v := range rcpt.Fields {
		vars[k] = v
	}
	return vars
}

// renderTemplate substitutes {{variable}} placeholders. Unknown
// variables are left as-is so typos stay visible in test sends.
func renderTemplate(text string, vars map[string]string) string {
	if text == "" {
		return text
	}

	return varPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}
