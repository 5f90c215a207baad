package template

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirSource resolves template names against a directory, reading
// <name>.html and <name>.txt. A missing .txt is fine; a missing .html is
// only an error when the .txt is missing too.
type DirSource struct {
	dir string
}

// NewDirSource creates a Source over the given directory.
func NewDirSource(dir string) (*DirSource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("template dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("template dir %s is not a directory", dir)
	}
	return &DirSource{dir: dir}, nil
}

// Template implements Source.
func (d *DirSource) Template(name string) (string, string, error) {
	// Reject traversal outside the template directory
	if name != filepath.Base(name) {
		return "", "", fmt.Errorf("invalid template name %q", name)
	}

	htmlBody, htmlErr := d.read(name + ".html")
	textBody, textErr := d.read(name + ".txt")
	if htmlErr != nil && textErr != nil {
		return "", "", fmt.Errorf("template %q not found", name)
	}
	return htmlBody, textBody, nil
}

func (d *DirSource) read(file string) (string, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, file))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
