package notifications

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"
	_ "time/tzdata"
)

var (
	// ErrUnknownKind is returned for kinds without a template.
	ErrUnknownKind = errors.New("unknown notification kind")

	// ErrTemplateData is returned when template_data does not match the
	// shape expected by the kind. Retrying cannot fix it.
	ErrTemplateData = errors.New("invalid template data")
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = parseTemplates()

var templateFuncs = template.FuncMap{
	"datetime": formatDateTime,
	"lines":    func(s string) []string { return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") },
	"color": func(s string) template.CSS {
		if s == "" || !isHexColor(s) {
			return template.CSS("#1e40af")
		}
		return template.CSS(s)
	},
}

// parseTemplates builds one template set per kind, each combining the shared
// layout with the kind's "content" block.
func parseTemplates() map[Kind]*template.Template {
	sets := make(map[Kind]*template.Template, len(Kinds))
	for _, kind := range Kinds {
		sets[kind] = template.Must(
			template.New("layout.html").
				Funcs(templateFuncs).
				ParseFS(templateFS, "templates/layout.html", "templates/"+string(kind)+".html"),
		)
	}
	return sets
}

// Rendered is the subject and HTML body of a notification.
type Rendered struct {
	Subject  string
	HTMLBody string
}

// Render decodes raw into the data shape of kind and renders it. Unknown
// fields and missing required fields are rejected.
func Render(kind Kind, raw json.RawMessage) (*Rendered, error) {
	tmpl, ok := templates[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	data, _ := newTemplateData(kind)

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: %s: empty", ErrTemplateData, kind)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTemplateData, kind, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%w: %s: trailing data", ErrTemplateData, kind)
	}
	if err := data.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTemplateData, kind, err)
	}

	var body bytes.Buffer
	if err := tmpl.ExecuteTemplate(&body, "layout.html", data); err != nil {
		return nil, fmt.Errorf("render %s: %w", kind, err)
	}

	return &Rendered{
		Subject:  data.subject(),
		HTMLBody: body.String(),
	}, nil
}

func formatDateTime(t time.Time, tz string) string {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	return t.In(loc).Format("Monday, January 2, 2006 at 15:04 MST")
}

func isHexColor(s string) bool {
	if len(s) != 4 && len(s) != 7 || s[0] != '#' {
		return false
	}
	for _, c := range s[1:] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
