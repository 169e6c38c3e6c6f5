package config

import (
	"errors"
	"strings"
)

// ErrSMTPHostRequired is returned when no SMTP host is configured.
var ErrSMTPHostRequired = errors.New("QW_SMTP_HOST is required")

// MailConfig holds SMTP transport settings for the audit notifier's default
// email dispatcher. AuditRecipients is a comma-separated list; an empty list
// is valid configuration — the audit notifier then drops failure events,
// while success emails still go to the job owner's address.
type MailConfig struct {
	SMTPHost string `env:"QW_SMTP_HOST"`
	SMTPPort int    `env:"QW_SMTP_PORT" default:"587"`
	SMTPUser string `env:"QW_SMTP_USER"`
	SMTPPass string `env:"QW_SMTP_PASS"`
	FromAddr string `env:"QW_MAIL_FROM"`

	// AuditRecipientsRaw is the raw comma-separated env value; use
	// AuditRecipients() to get the parsed slice.
	AuditRecipientsRaw string `env:"QW_MAIL_AUDIT_RECIPIENTS"`

	// SubjectPrefix is prepended to every outgoing subject, unless the
	// subject already starts with it (case-insensitive). Empty disables
	// the prefix entirely.
	SubjectPrefix string `env:"QW_MAIL_SUBJECT_PREFIX" default:"[DevDox]"`

	// RedirectAllToRaw, when non-empty, hard-redirects every outgoing email:
	// To is replaced wholesale, Cc is dropped, and Bcc keeps only the
	// AlwaysBCC addresses that don't collide with the redirect target. This
	// is the non-production safety valve that keeps real recipients from
	// ever seeing staging/test mail.
	RedirectAllToRaw string `env:"QW_MAIL_REDIRECT_ALL_TO"`

	// AlwaysBCCRaw is merged into Bcc on every outgoing email (e.g. an
	// audit/archive mailbox), minus any address already present in To/Cc.
	AlwaysBCCRaw string `env:"QW_MAIL_ALWAYS_BCC"`
}

// AuditRecipients parses the configured recipient list, trimming whitespace
// and dropping empty entries.
func (c MailConfig) AuditRecipients() []string {
	return splitAddrList(c.AuditRecipientsRaw)
}

// RedirectAllTo parses the configured hard-redirect recipient list.
func (c MailConfig) RedirectAllTo() []string {
	return splitAddrList(c.RedirectAllToRaw)
}

// AlwaysBCC parses the configured always-bcc recipient list.
func (c MailConfig) AlwaysBCC() []string {
	return splitAddrList(c.AlwaysBCCRaw)
}

func splitAddrList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the mail configuration. SMTP host is only required if
// a sender address is configured; a fleet with no mail setup at all is a
// valid (if audit-less) deployment.
func (c *MailConfig) Validate() error {
	if c.FromAddr != "" && c.SMTPHost == "" {
		return ErrSMTPHostRequired
	}
	return nil
}
