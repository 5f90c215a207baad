// Package template is the rendering collaborator: it turns a template name
// plus opaque data into html/text bodies using the Liquid template language.
// The queue and router never look inside the output.
package template

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Source resolves a template name to its html and text bodies.
type Source interface {
	Template(name string) (htmlBody, textBody string, err error)
}

// MapSource is an in-memory Source, used in tests and for inline
// registration at startup.
type MapSource map[string]struct{ HTML, Text string }

// Template implements Source.
func (m MapSource) Template(name string) (string, string, error) {
	t, ok := m[name]
	if !ok {
		return "", "", fmt.Errorf("template %q not found", name)
	}
	return t.HTML, t.Text, nil
}

// Engine renders named Liquid templates with a parse cache.
type Engine struct {
	engine *liquid.Engine
	source Source
	cache  sync.Map // map[string]*liquid.Template
}

// NewEngine creates an engine over the given source with the standard
// filter set registered.
func NewEngine(source Source) *Engine {
	e := &Engine{
		engine: liquid.NewEngine(),
		source: source,
	}
	e.registerFilters()
	return e
}

func (e *Engine) registerFilters() {
	// Default value: {{ first_name | default: "Friend" }}
	e.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// Title case: {{ name | titlecase }}
	e.engine.RegisterFilter("titlecase", func(s string) string {
		return strings.Title(strings.ToLower(s))
	})

	// URL encode: {{ email | urlencode }}
	e.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// HTML escape (safety): {{ user_input | escape }}
	e.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})
}

// Render produces the html and text bodies for a named template. Parsed
// templates are cached by name+body hash equivalence (name is sufficient
// here because sources are static for a process lifetime).
func (e *Engine) Render(name string, data map[string]interface{}) (htmlBody, textBody string, err error) {
	rawHTML, rawText, err := e.source.Template(name)
	if err != nil {
		return "", "", err
	}

	htmlBody, err = e.renderOne(name+"#html", rawHTML, data)
	if err != nil {
		return "", "", fmt.Errorf("render html for %q: %w", name, err)
	}
	textBody, err = e.renderOne(name+"#text", rawText, data)
	if err != nil {
		return "", "", fmt.Errorf("render text for %q: %w", name, err)
	}
	return htmlBody, textBody, nil
}

func (e *Engine) renderOne(cacheKey, body string, data map[string]interface{}) (string, error) {
	if body == "" {
		return "", nil
	}

	var tmpl *liquid.Template
	if cached, ok := e.cache.Load(cacheKey); ok {
		tmpl = cached.(*liquid.Template)
	} else {
		parsed, err := e.engine.ParseString(body)
		if err != nil {
			return "", err
		}
		e.cache.Store(cacheKey, parsed)
		tmpl = parsed
	}

	out, err := tmpl.Render(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
