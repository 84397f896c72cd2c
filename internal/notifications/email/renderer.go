// Package email renders and delivers the billing notification emails consumed
// by the email worker.
package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"

	"aitextspeak/internal/types"
)

//go:embed templates/*.html
var templateFS embed.FS

// RenderedEmail holds pre-rendered email content ready for transmission.
type RenderedEmail struct {
	Subject  string
	BodyHTML string
}

// templateData is the struct passed into Go templates for rendering.
type templateData struct {
	PlanName       string
	Provider       string
	SubscriptionID string
	CustomerEmail  string
	Reason         string
}

// subjects maps email kinds to their subject line.
var subjects = map[types.EmailKind]string{
	types.EmailWelcome:              "Welcome to AITextSpeak Pro",
	types.EmailPaymentFailed:        "Action needed: payment issue on your subscription",
	types.EmailAdminNewSubscription: "[billing] New subscription",
	types.EmailAdminCancellation:    "[billing] Subscription canceled",
}

// Renderer renders billing emails from embedded html/template files. Each
// kind's template defines a "content" block injected into the shared base
// layout.
type Renderer struct {
	templates map[types.EmailKind]*template.Template
}

// NewRenderer parses the embedded templates. Returns an error if any template
// fails to parse, so a broken template is caught at startup rather than on
// first send.
func NewRenderer() (*Renderer, error) {
	base, err := templateFS.ReadFile("templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("email: failed to read base.html: %w", err)
	}

	r := &Renderer{templates: make(map[types.EmailKind]*template.Template)}
	for kind := range subjects {
		content, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.html", kind))
		if err != nil {
			return nil, fmt.Errorf("email: failed to read %s.html: %w", kind, err)
		}
		tmpl, err := template.New("base").Parse(string(base))
		if err != nil {
			return nil, fmt.Errorf("email: failed to parse base.html: %w", err)
		}
		if _, err := tmpl.Parse(string(content)); err != nil {
			return nil, fmt.Errorf("email: failed to parse %s.html: %w", kind, err)
		}
		r.templates[kind] = tmpl
	}
	return r, nil
}

// Render produces the subject and HTML body for a task.
func (r *Renderer) Render(kind types.EmailKind, fields map[string]string) (*RenderedEmail, error) {
	tmpl, ok := r.templates[kind]
	if !ok {
		return nil, fmt.Errorf("email: no template for kind %q", kind)
	}

	data := templateData{
		PlanName:       fields["plan_name"],
		Provider:       fields["provider"],
		SubscriptionID: fields["subscription_id"],
		CustomerEmail:  fields["customer_email"],
		Reason:         fields["reason"],
	}
	if data.PlanName == "" {
		data.PlanName = "AITextSpeak Pro"
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("email: failed to render %q: %w", kind, err)
	}

	return &RenderedEmail{
		Subject:  subjects[kind],
		BodyHTML: buf.String(),
	}, nil
}
