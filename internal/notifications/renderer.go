package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/bissquit/fanfest-signup/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// DefaultTitle is used when no event title is configured.
const DefaultTitle = "Kansas City FIFA Fan Fest"

// Renderer renders confirmation messages from templates.
type Renderer struct {
	title     string
	templates map[domain.ChannelType]*template.Template
}

// NewRenderer creates a new renderer and loads the template of every channel.
func NewRenderer(title string) (*Renderer, error) {
	if title == "" {
		title = DefaultTitle
	}

	funcMap := template.FuncMap{
		"title":      titleCase,
		"join":       strings.Join,
		"formatTime": formatTime,
	}

	r := &Renderer{
		title:     title,
		templates: make(map[domain.ChannelType]*template.Template),
	}

	for _, channel := range []domain.ChannelType{domain.ChannelTypeSMS, domain.ChannelTypeEmail} {
		filename := fmt.Sprintf("templates/%s_confirmation.tmpl", channel)

		content, err := templatesFS.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", filename, err)
		}

		tmpl, err := template.New(string(channel)).Funcs(funcMap).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", filename, err)
		}

		r.templates[channel] = tmpl
	}

	return r, nil
}

// Render renders the confirmation for a signup on the given channel.
// SMS messages have no subject.
func (r *Renderer) Render(channel domain.ChannelType, s *domain.Signup) (subject, body string, err error) {
	tmpl, ok := r.templates[channel]
	if !ok {
		return "", "", fmt.Errorf("template not found: %s", channel)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, NewMessagePayload(r.title, s)); err != nil {
		return "", "", fmt.Errorf("execute template %s: %w", channel, err)
	}

	if channel == domain.ChannelTypeEmail {
		subject = fmt.Sprintf("You're registered for the %s", r.title)
	}
	return subject, strings.TrimSpace(buf.String()), nil
}

// titleCase builds a Caser per call; Casers carry state and are not safe
// for concurrent use.
func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}
