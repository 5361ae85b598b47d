package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// ManifestFile is the manifest file name at the root of every plugin
const ManifestFile = "zource-plugin.json"

var namePattern = regexp.MustCompile(`^[a-z0-9-]+/[a-z0-9-]+$`)

// Manifest is the parsed content of zource-plugin.json
type Manifest struct {
	Name        string            `json:"name"`
	Namespaces  map[string]string `json:"namespaces"`
	Description string            `json:"description,omitempty"`
}

// ValidName reports whether name has the <vendor>/<name> form
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// ParseManifest decodes and validates raw manifest bytes
func ParseManifest(raw []byte) (*Manifest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidManifest)
	}

	rawName, ok := fields["name"]
	if !ok {
		return nil, fmt.Errorf("%w: name", ErrMissingField)
	}
	var name string
	if err := json.Unmarshal(rawName, &name); err != nil {
		return nil, fmt.Errorf("%w: name must be a string", ErrInvalidManifest)
	}
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q does not match <vendor>/<name>", ErrInvalidName, name)
	}

	rawNamespaces, ok := fields["namespaces"]
	if !ok || bytes.Equal(bytes.TrimSpace(rawNamespaces), []byte("null")) {
		return nil, fmt.Errorf("%w: namespaces", ErrMissingField)
	}
	var namespaces map[string]string
	if err := json.Unmarshal(rawNamespaces, &namespaces); err != nil {
		return nil, fmt.Errorf("%w: namespaces must map prefixes to paths", ErrInvalidManifest)
	}
	if len(namespaces) == 0 {
		return nil, fmt.Errorf("%w: namespaces is empty", ErrInvalidManifest)
	}
	for ns, p := range namespaces {
		if strings.TrimSpace(ns) == "" {
			return nil, fmt.Errorf("%w: empty namespace prefix", ErrInvalidManifest)
		}
		if _, err := namespaceDir(p); err != nil {
			return nil, fmt.Errorf("%w: namespace %q: %v", ErrInvalidManifest, ns, err)
		}
	}

	m := &Manifest{
		Name:       name,
		Namespaces: namespaces,
	}

	if rawDesc, ok := fields["description"]; ok {
		if err := json.Unmarshal(rawDesc, &m.Description); err != nil {
			return nil, fmt.Errorf("%w: description must be a string", ErrInvalidManifest)
		}
	}

	return m, nil
}

// ReadManifest reads and validates dir/zource-plugin.json
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w in %s", ErrMissingManifest, dir)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// namespaceDir normalizes a namespace path relative to the plugin root.
// Leading slashes are dropped; paths leaving the plugin root are rejected.
func namespaceDir(p string) (string, error) {
	rel := path.Clean(strings.TrimLeft(filepath.ToSlash(p), "/"))
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %q escapes the plugin directory", p)
	}
	if rel == "." {
		return "", nil
	}
	return rel, nil
}
