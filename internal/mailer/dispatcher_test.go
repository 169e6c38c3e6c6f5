package mailer

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devdoxai/queueworker/internal/audit"
	"github.com/devdoxai/queueworker/internal/contracts"
)

func TestNewDispatcher_ParsesEmbeddedTemplates(t *testing.T) {
	d, err := NewDispatcher(Config{Host: "localhost", Port: 1025, FromAddr: "noreply@example.com"})
	require.NoError(t, err)
	require.NotNil(t, d.templates)
	assert.NotNil(t, d.templates.Lookup("failure.html.tmpl"))
	assert.NotNil(t, d.templates.Lookup("success.html.tmpl"))
}

func TestSendTemplatedHTML_UnknownTemplateFailsBeforeDialing(t *testing.T) {
	d, err := NewDispatcher(Config{Host: "localhost", Port: 1025, FromAddr: "noreply@example.com"})
	require.NoError(t, err)

	err = d.SendTemplatedHTML(context.Background(), []string{"to@example.com"}, contracts.EmailTemplate("bogus"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestTemplateFile_MapsKnownTemplates(t *testing.T) {
	name, subject, err := templateFile(contracts.TemplateProjectAnalysisFailure)
	require.NoError(t, err)
	assert.Equal(t, "failure.html.tmpl", name)
	assert.NotEmpty(t, subject)

	name, subject, err = templateFile(contracts.TemplateProjectAnalysisSuccess)
	require.NoError(t, err)
	assert.Equal(t, "success.html.tmpl", name)
	assert.NotEmpty(t, subject)
}

func TestRewriteRecipients_DeduplicatesEachBucket(t *testing.T) {
	d := &Dispatcher{}
	got := d.rewriteRecipients(
		[]string{"a@example.com", "A@example.com", "b@example.com"},
		[]string{"c@example.com", "c@example.com"},
		nil,
	)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, got.To)
	assert.Equal(t, []string{"c@example.com"}, got.Cc)
}

func TestRewriteRecipients_MergesAlwaysBCCMinusToAndCC(t *testing.T) {
	d := &Dispatcher{cfg: Config{AlwaysBCC: []string{"audit@example.com", "a@example.com"}}}
	got := d.rewriteRecipients([]string{"a@example.com"}, []string{"c@example.com"}, nil)
	assert.Equal(t, []string{"a@example.com"}, got.To)
	assert.Equal(t, []string{"c@example.com"}, got.Cc)
	assert.Equal(t, []string{"audit@example.com"}, got.Bcc)
}

func TestRewriteRecipients_RedirectAllToClearsCCAndOverridesTo(t *testing.T) {
	d := &Dispatcher{cfg: Config{
		RedirectAllTo: []string{"dev@example.com"},
		AlwaysBCC:     []string{"audit@example.com", "dev@example.com"},
	}}
	got := d.rewriteRecipients([]string{"real-user@example.com"}, []string{"real-cc@example.com"}, nil)
	assert.Equal(t, []string{"dev@example.com"}, got.To)
	assert.Empty(t, got.Cc)
	assert.Equal(t, []string{"audit@example.com"}, got.Bcc, "always_bcc colliding with the redirect target is dropped")
}

func TestPrefixSubject_IsIdempotentAndCaseInsensitive(t *testing.T) {
	d := &Dispatcher{cfg: Config{SubjectPrefix: "[DevDox]"}}
	assert.Equal(t, "[DevDox] Repository analysis failed", d.prefixSubject("Repository analysis failed"))
	assert.Equal(t, "[devdox] already prefixed", d.prefixSubject("[devdox] already prefixed"))
}

func TestPrefixSubject_EmptyPrefixIsNoop(t *testing.T) {
	d := &Dispatcher{}
	assert.Equal(t, "Repository analysis failed", d.prefixSubject("Repository analysis failed"))
}

func TestFailureTemplate_RendersErrorChain(t *testing.T) {
	d, err := NewDispatcher(Config{Host: "localhost", Port: 1025, FromAddr: "noreply@example.com"})
	require.NoError(t, err)

	event := audit.FailureEvent{
		JobContextID: "ctx-1",
		RepoID:       "repo-1",
		ErrorSummary: "boom",
	}
	var buf bytes.Buffer
	require.NoError(t, d.templates.ExecuteTemplate(&buf, "failure.html.tmpl", event))
	assert.Contains(t, buf.String(), "boom")
}
