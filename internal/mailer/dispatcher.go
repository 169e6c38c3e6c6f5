// Package mailer provides the default EmailDispatcher: SMTP delivery via
// go-mail/mail, rendering html/template files embedded at build time.
package mailer

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"strings"

	mail "github.com/go-mail/mail/v2"

	"github.com/devdoxai/queueworker/internal/contracts"
)

//go:embed templates/*.html.tmpl
var templateFS embed.FS

// ErrUnknownTemplate is returned when SendTemplatedHTML is asked to render
// a template this dispatcher doesn't know about.
var ErrUnknownTemplate = errors.New("mailer: unknown template")

// Config holds SMTP transport settings plus the dispatch-wide recipient and
// subject knobs named by the configuration surface (subject_prefix,
// redirect_all_to, always_bcc).
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	FromAddr string

	// SubjectPrefix is prepended to every subject unless already present
	// (case-insensitive). Empty disables the prefix.
	SubjectPrefix string
	// RedirectAllTo, when non-empty, hard-redirects every send: To becomes
	// this list, Cc is dropped, and Bcc keeps only the AlwaysBCC addresses
	// that don't collide with it.
	RedirectAllTo []string
	// AlwaysBCC is merged into Bcc on every send, minus anything already
	// present in To/Cc.
	AlwaysBCC []string
}

// Dispatcher is the default contracts.EmailDispatcher.
type Dispatcher struct {
	cfg       Config
	templates *template.Template
}

// NewDispatcher parses the embedded templates and builds a Dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("mailer: parse templates: %w", err)
	}
	return &Dispatcher{cfg: cfg, templates: tmpl}, nil
}

func templateFile(t contracts.EmailTemplate) (string, string, error) {
	switch t {
	case contracts.TemplateProjectAnalysisFailure:
		return "failure.html.tmpl", "Repository analysis failed", nil
	case contracts.TemplateProjectAnalysisSuccess:
		return "success.html.tmpl", "Repository analysis complete", nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnknownTemplate, t)
	}
}

// SendTemplatedHTML implements contracts.EmailDispatcher.
func (d *Dispatcher) SendTemplatedHTML(ctx context.Context, to []string, t contracts.EmailTemplate, data any) error {
	name, subject, err := templateFile(t)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	if err := d.templates.ExecuteTemplate(&body, name, data); err != nil {
		return fmt.Errorf("mailer: render %s: %w", name, err)
	}

	recipients := d.rewriteRecipients(to, nil, nil)
	subject = d.prefixSubject(subject)

	m := mail.NewMessage()
	m.SetHeader("From", d.cfg.FromAddr)
	m.SetHeader("To", recipients.To...)
	if len(recipients.Cc) > 0 {
		m.SetHeader("Cc", recipients.Cc...)
	}
	if len(recipients.Bcc) > 0 {
		m.SetHeader("Bcc", recipients.Bcc...)
	}
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body.String())

	dialer := mail.NewDialer(d.cfg.Host, d.cfg.Port, d.cfg.Username, d.cfg.Password)
	if err := dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("mailer: send: %w", err)
	}
	return nil
}

// recipientSet is the post-rewrite To/Cc/Bcc split.
type recipientSet struct {
	To  []string
	Cc  []string
	Bcc []string
}

// rewriteRecipients applies the redirect_all_to / always_bcc knobs the same
// way the original mailing service's EmailDispatchOptions.rewrite_recipients
// does: de-dupe each bucket, then either hard-redirect everything to
// RedirectAllTo (clearing Cc, keeping only the AlwaysBCC addresses that don't
// collide with the redirect target), or merge AlwaysBCC into Bcc minus
// anything already present in To/Cc.
func (d *Dispatcher) rewriteRecipients(to, cc, bcc []string) recipientSet {
	to = dedupeEmails(to)
	cc = dedupeEmails(cc)
	bcc = dedupeEmails(bcc)

	if len(d.cfg.RedirectAllTo) > 0 {
		redirectedTo := dedupeEmails(d.cfg.RedirectAllTo)
		toSet := emailSet(redirectedTo)
		safeBCC := make([]string, 0, len(d.cfg.AlwaysBCC))
		for _, addr := range dedupeEmails(d.cfg.AlwaysBCC) {
			if !toSet[normalizeEmail(addr)] {
				safeBCC = append(safeBCC, addr)
			}
		}
		return recipientSet{To: redirectedTo, Cc: nil, Bcc: safeBCC}
	}

	toCC := emailSet(append(append([]string{}, to...), cc...))
	merged := dedupeEmails(append(append([]string{}, bcc...), d.cfg.AlwaysBCC...))
	mergedBCC := make([]string, 0, len(merged))
	for _, addr := range merged {
		if !toCC[normalizeEmail(addr)] {
			mergedBCC = append(mergedBCC, addr)
		}
	}
	return recipientSet{To: to, Cc: cc, Bcc: mergedBCC}
}

// prefixSubject prepends cfg.SubjectPrefix unless subject already starts
// with it, case-insensitively, or the prefix is unset.
func (d *Dispatcher) prefixSubject(subject string) string {
	p := d.cfg.SubjectPrefix
	if p == "" {
		return subject
	}
	if strings.HasPrefix(strings.ToLower(subject), strings.ToLower(p)) {
		return subject
	}
	return p + " " + subject
}

func normalizeEmail(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func emailSet(addrs []string) map[string]bool {
	set := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		set[normalizeEmail(a)] = true
	}
	return set
}

// dedupeEmails drops blanks and repeated addresses (case-insensitively),
// preserving first-seen order and original casing.
func dedupeEmails(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		key := normalizeEmail(a)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	return out
}

var _ contracts.EmailDispatcher = (*Dispatcher)(nil)
