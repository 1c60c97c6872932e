// Package msgcat renders user-facing messages from YAML templates.
package msgcat

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"text/template"

	yaml "gopkg.in/yaml.v3"
)

//go:embed messages.en.yaml
var embedded embed.FS

const defaultFile = "messages.en.yaml"

// Catalog holds parsed templates keyed by dotted path ("error.room_full").
// It is immutable after New, so lookups take no lock.
type Catalog struct {
	tpl map[Key]*template.Template
}

// New loads the embedded English messages, then every *.yaml / *.yml file
// in overrideDir. An override file may only replace keys, and two override
// files may not set the same key. Every Required key must end up defined.
func New(overrideDir string) (*Catalog, error) {
	text, err := readFlat(embedded, defaultFile)
	if err != nil {
		return nil, fmt.Errorf("embedded messages: %w", err)
	}
	if dir := strings.TrimSpace(overrideDir); dir != "" {
		over, err := readOverrides(os.DirFS(dir))
		if err != nil {
			return nil, fmt.Errorf("message overrides %s: %w", dir, err)
		}
		for k, v := range over {
			text[k] = v
		}
	}

	c := &Catalog{tpl: make(map[Key]*template.Template, len(text))}
	for k, v := range text {
		t, err := template.New(string(k)).Option("missingkey=error").Parse(v)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", k, err)
		}
		c.tpl[k] = t
	}
	if missing := c.missing(); len(missing) > 0 {
		return nil, fmt.Errorf("missing message keys: %s", strings.Join(missing, ", "))
	}
	return c, nil
}

func readOverrides(fsys fs.FS) (map[Key]string, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := fs.Glob(fsys, pattern)
		if err != nil {
			return nil, err
		}
		files = append(files, m...)
	}
	sort.Strings(files)

	out := make(map[Key]string)
	from := make(map[Key]string)
	for _, name := range files {
		flat, err := readFlat(fsys, name)
		if err != nil {
			return nil, err
		}
		for k, v := range flat {
			if prev, ok := from[k]; ok {
				return nil, fmt.Errorf("duplicate key %q in %s and %s", k, prev, name)
			}
			from[k] = name
			out[k] = v
		}
	}
	return out, nil
}

func readFlat(fsys fs.FS, name string) (map[Key]string, error) {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}
	flat, err := parseYAMLToFlat(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return flat, nil
}

func parseYAMLToFlat(b []byte) (map[Key]string, error) {
	var root map[string]any
	if err := yaml.Unmarshal(b, &root); err != nil {
		return nil, err
	}
	out := make(map[Key]string)
	if err := flatten(root, "", out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(node any, path string, out map[Key]string) error {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			p := k
			if path != "" {
				p = path + "." + k
			}
			if err := flatten(child, p, out); err != nil {
				return err
			}
		}
	case string:
		if path == "" {
			return errors.New("top-level string without a key")
		}
		out[Key(path)] = v
	case nil:
	default:
		return fmt.Errorf("%s: only string values are allowed, got %T", path, v)
	}
	return nil
}

func (c *Catalog) missing() []string {
	var out []string
	for _, k := range Required {
		if _, ok := c.tpl[k]; !ok {
			out = append(out, string(k))
		}
	}
	return out
}

// Render executes the template for key; unknown keys and missing data
// fields are errors.
func (c *Catalog) Render(key Key, data any) (string, error) {
	t, ok := c.tpl[key]
	if !ok {
		return "", fmt.Errorf("message %q not found", key)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Text is Render that falls back to the key itself.
func (c *Catalog) Text(key Key, data any) string {
	if c == nil {
		return string(key)
	}
	s, err := c.Render(key, data)
	if err != nil {
		return string(key)
	}
	return s
}
