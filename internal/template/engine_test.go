package template

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	source := MapSource{
		"welcome": {
			HTML: `<p>Hello {{ name | default: "Friend" }}!</p>`,
			Text: `Hello {{ name | default: "Friend" }}!`,
		},
		"html_only": {
			HTML: `<p>{{ body }}</p>`,
		},
	}
	engine := NewEngine(source)

	htmlBody, textBody, err := engine.Render("welcome", map[string]interface{}{"name": "Ada"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if htmlBody != "<p>Hello Ada!</p>" {
		t.Errorf("html = %q", htmlBody)
	}
	if textBody != "Hello Ada!" {
		t.Errorf("text = %q", textBody)
	}

	// Default filter kicks in for missing data
	htmlBody, _, err = engine.Render("welcome", map[string]interface{}{})
	if err != nil {
		t.Fatalf("render with defaults: %v", err)
	}
	if !strings.Contains(htmlBody, "Friend") {
		t.Errorf("expected default value, got %q", htmlBody)
	}

	// Missing text body renders empty, not an error
	_, textBody, err = engine.Render("html_only", map[string]interface{}{"body": "x"})
	if err != nil {
		t.Fatalf("render html_only: %v", err)
	}
	if textBody != "" {
		t.Errorf("text = %q, want empty", textBody)
	}

	if _, _, err := engine.Render("missing", nil); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestRenderFilters(t *testing.T) {
	source := MapSource{
		"filters": {
			HTML: `{{ name | titlecase }} {{ email | urlencode }} {{ input | escape }}`,
		},
	}
	engine := NewEngine(source)

	htmlBody, _, err := engine.Render("filters", map[string]interface{}{
		"name":  "ada LOVELACE",
		"email": "a+b@example.com",
		"input": "<script>",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"Ada Lovelace", "a%2Bb%40example.com", "&lt;script&gt;"} {
		if !strings.Contains(htmlBody, want) {
			t.Errorf("output %q missing %q", htmlBody, want)
		}
	}
}

func TestRenderBadTemplate(t *testing.T) {
	engine := NewEngine(MapSource{
		"broken": {HTML: `{{ unclosed`},
	})
	if _, _, err := engine.Render("broken", nil); err == nil {
		t.Error("expected parse error")
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "receipt.html"), []byte("<p>{{ total }}</p>"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "receipt.txt"), []byte("Total: {{ total }}"), 0644); err != nil {
		t.Fatal(err)
	}

	source, err := NewDirSource(dir)
	if err != nil {
		t.Fatalf("NewDirSource: %v", err)
	}

	htmlBody, textBody, err := source.Template("receipt")
	if err != nil {
		t.Fatalf("Template: %v", err)
	}
	if !strings.Contains(htmlBody, "total") || !strings.Contains(textBody, "Total") {
		t.Errorf("unexpected bodies %q / %q", htmlBody, textBody)
	}

	if _, _, err := source.Template("missing"); err == nil {
		t.Error("expected error for missing template")
	}
	if _, _, err := source.Template("../etc/passwd"); err == nil {
		t.Error("expected error for traversal attempt")
	}

	if _, err := NewDirSource(filepath.Join(dir, "nope")); err == nil {
		t.Error("expected error for missing directory")
	}
}
