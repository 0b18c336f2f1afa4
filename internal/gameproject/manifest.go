// Package gameproject loads game-project content: the manifest describing a
// project and its module bindings, and the lore corpus used to seed each run.
package gameproject

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoreConfig locates the lore corpus within the project directory. Paths are
// relative to the project root.
type LoreConfig struct {
	// World is the always-present world context document.
	World string `json:"world,omitempty" yaml:"world,omitempty"`

	// Entries is the CSV of seed lore entries.
	Entries string `json:"entries,omitempty" yaml:"entries,omitempty"`

	// Include lists doublestar glob patterns of extra markdown lore files,
	// e.g. "lore/**/*.md". Each match seeds one entry keyed by its path.
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
}

// Manifest describes one game project.
type Manifest struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Modules maps a module role to a binding. Absolute http(s) URLs are used
	// directly; anything else defers to environment/default resolution.
	Modules map[string]string `json:"modules,omitempty" yaml:"modules,omitempty"`

	Lore LoreConfig `json:"lore,omitempty" yaml:"lore,omitempty"`
}

// Default lore locations when the manifest leaves them unset.
const (
	DefaultWorldPath   = "lore/world.md"
	DefaultEntriesPath = "lore/default_lore_entries.csv"
)

// LoadManifest reads manifest.json or manifest.yaml from the project
// directory. Unknown fields are rejected. A missing manifest file yields a
// minimal manifest for the directory: content-light projects are valid.
func LoadManifest(projectDir, projectID string) (*Manifest, error) {
	for _, name := range []string{"manifest.json", "manifest.yaml", "manifest.yml"} {
		path := filepath.Join(projectDir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		m, err := decodeManifest(b, filepath.Ext(name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		applyManifestDefaults(m, projectID)
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return m, nil
	}
	m := &Manifest{}
	applyManifestDefaults(m, projectID)
	return m, nil
}

func decodeManifest(b []byte, ext string) (*Manifest, error) {
	var m Manifest
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		var trailing any
		if err := dec.Decode(&trailing); err != io.EOF {
			if err == nil {
				return nil, fmt.Errorf("multiple top-level values are not allowed")
			}
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func applyManifestDefaults(m *Manifest, projectID string) {
	if strings.TrimSpace(m.ID) == "" {
		m.ID = projectID
	}
	if strings.TrimSpace(m.Lore.World) == "" {
		m.Lore.World = DefaultWorldPath
	}
	if strings.TrimSpace(m.Lore.Entries) == "" {
		m.Lore.Entries = DefaultEntriesPath
	}
}

// Validate rejects lore locations that escape the project directory.
func (m *Manifest) Validate() error {
	for _, p := range append([]string{m.Lore.World, m.Lore.Entries}, m.Lore.Include...) {
		if strings.Contains(p, "..") {
			return fmt.Errorf("lore path escapes project directory: %q", p)
		}
		if filepath.IsAbs(p) {
			return fmt.Errorf("lore path must be relative: %q", p)
		}
	}
	return nil
}

// Binding returns the manifest binding for a role, if any.
func (m *Manifest) Binding(role string) string {
	if m == nil || m.Modules == nil {
		return ""
	}
	return m.Modules[role]
}
