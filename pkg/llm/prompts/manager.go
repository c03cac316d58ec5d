package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"text/template"
)

//go:embed templates
var embedded embed.FS

// Manager handles loading and rendering of prompt templates.
// Built-in templates are always loaded; files in an override directory
// replace built-ins of the same name.
type Manager struct {
	root *template.Template
}

// NewManager loads the built-in templates and, if dir is non-empty, the
// overrides found there.
func NewManager(dir string) (*Manager, error) {
	builtin, err := fs.Sub(embedded, "templates")
	if err != nil {
		return nil, err
	}
	sources := []fs.FS{builtin}
	if dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("prompt dir: %w", err)
		}
		sources = append(sources, os.DirFS(dir))
	}
	return NewManagerFS(sources...)
}

// NewManagerFS loads templates from each source in order. Later sources win.
func NewManagerFS(sources ...fs.FS) (*Manager, error) {
	m := &Manager{}
	m.root = template.New("root").Funcs(template.FuncMap{
		"orAbsent": orAbsentFunc,
		"json":     jsonFunc,
		"trim":     strings.TrimSpace,
	})

	for _, src := range sources {
		if err := m.load(src, true); err != nil {
			return nil, fmt.Errorf("loading common templates: %w", err)
		}
		if err := m.load(src, false); err != nil {
			return nil, fmt.Errorf("loading templates: %w", err)
		}
	}
	return m, nil
}

// load parses either the common/ macros or the named templates of src.
func (m *Manager) load(src fs.FS, common bool) error {
	return fs.WalkDir(src, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".tmpl" {
			return nil
		}
		if strings.HasPrefix(p, "common/") != common {
			return nil
		}

		content, err := fs.ReadFile(src, p)
		if err != nil {
			return err
		}

		t := m.root
		if !common {
			t = m.root.New(p)
		}
		if _, err := t.Parse(string(content)); err != nil {
			return fmt.Errorf("parsing %s: %w", p, err)
		}
		return nil
	})
}

// Has reports whether a template with the given name is loaded.
func (m *Manager) Has(name string) bool {
	return m.root.Lookup(name) != nil
}

// Render executes the named template with the provided data.
func (m *Manager) Render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := m.root.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// orAbsentFunc renders an empty value as "absent".
// Usage: {{orAbsent .Weather.Humidity}}
func orAbsentFunc(v any) string {
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" || s == "<nil>" {
		return "absent"
	}
	return s
}

// jsonFunc renders v as compact JSON without HTML escaping.
func jsonFunc(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
