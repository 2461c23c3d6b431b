package util

import (
	"strings"
	"sync"
	"text/template"
)

// parsed templates keyed by their source text
var templates sync.Map

// RenderTemplate executes text as a text/template against data. Templates
// are parsed once per distinct source and reused, since prompts are rendered
// on every turn. Text without actions is returned unchanged.
func RenderTemplate(text string, data any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	var tmpl *template.Template
	if v, ok := templates.Load(text); ok {
		tmpl = v.(*template.Template)
	} else {
		t, err := template.New("prompt").Option("missingkey=zero").Parse(text)
		if err != nil {
			return "", err
		}
		v, _ := templates.LoadOrStore(text, t)
		tmpl = v.(*template.Template)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
