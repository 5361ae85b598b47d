package plugin

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zource/zource/internal/metrics"
)

// MappingEntry maps a namespace prefix to the directory holding its code
type MappingEntry struct {
	Namespace string `json:"namespace"`
	Path      string `json:"path"`
	Plugin    string `json:"plugin,omitempty"`
}

// Conflict records a namespace claimed by more than one active plugin
type Conflict struct {
	Namespace string
	Plugin    string
	Winner    string
}

// BuildMapping derives the autoloader mapping from active plugins in the given order.
// Namespaces of one plugin are emitted sorted. The first plugin to claim a namespace keeps it.
func BuildMapping(pluginsDir string, active []*Plugin) ([]MappingEntry, []Conflict) {
	root := filepath.ToSlash(pluginsDir)
	entries := make([]MappingEntry, 0)
	owners := make(map[string]string)
	var conflicts []Conflict

	for _, p := range active {
		if !p.Active {
			continue
		}
		for _, ns := range p.NamespaceNames() {
			if owner, taken := owners[ns]; taken {
				conflicts = append(conflicts, Conflict{Namespace: ns, Plugin: p.Name, Winner: owner})
				continue
			}
			rel, err := namespaceDir(p.Namespaces[ns])
			if err != nil {
				conflicts = append(conflicts, Conflict{Namespace: ns, Plugin: p.Name})
				continue
			}
			owners[ns] = p.Name
			entries = append(entries, MappingEntry{
				Namespace: ns,
				Path:      path.Join(root, p.Name, rel),
				Plugin:    p.Name,
			})
		}
	}

	return entries, conflicts
}

// AutoloaderGenerator writes the namespace mapping file read by the host at startup
type AutoloaderGenerator struct {
	pluginsDir string
	outputPath string
	logger     *slog.Logger
	mu         sync.Mutex
}

// NewAutoloaderGenerator creates a generator; outputPath defaults to pluginsDir/autoloader.yaml
func NewAutoloaderGenerator(pluginsDir, outputPath string, logger *slog.Logger) *AutoloaderGenerator {
	if outputPath == "" {
		outputPath = filepath.Join(pluginsDir, "autoloader.yaml")
	}
	return &AutoloaderGenerator{
		pluginsDir: pluginsDir,
		outputPath: outputPath,
		logger:     logger.With("component", "autoloader"),
	}
}

// Path returns the mapping file location
func (g *AutoloaderGenerator) Path() string {
	return g.outputPath
}

// Regenerate rewrites the mapping file from active plugins and returns the written entries.
// Readers never observe a partially written file.
func (g *AutoloaderGenerator) Regenerate(ctx context.Context, active []*Plugin) ([]MappingEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, conflicts := BuildMapping(g.pluginsDir, active)
	for _, c := range conflicts {
		if c.Winner == "" {
			g.logger.Warn("Skipping invalid namespace path", "namespace", c.Namespace, "plugin", c.Plugin)
			continue
		}
		g.logger.Warn("Namespace already claimed by another plugin",
			"namespace", c.Namespace, "plugin", c.Plugin, "owner", c.Winner)
	}

	data, err := encodeMapping(entries, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to encode autoloader: %w", err)
	}

	if err := writeFileAtomic(g.outputPath, data, 0644); err != nil {
		return nil, fmt.Errorf("%w: write autoloader: %v", ErrPersistence, err)
	}

	metrics.RecordRegeneration(len(entries))
	g.logger.Info("Autoloader regenerated", "path", g.outputPath, "entries", len(entries))
	return entries, nil
}

// LoadMapping reads a mapping file back in file order
func LoadMapping(filePath string) ([]MappingEntry, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse autoloader: %w", err)
	}

	entries := make([]MappingEntry, 0)
	if len(doc.Content) == 0 {
		return entries, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("autoloader %s is not a mapping", filePath)
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		comment := value.LineComment
		if comment == "" {
			comment = key.LineComment
		}
		entries = append(entries, MappingEntry{
			Namespace: key.Value,
			Path:      value.Value,
			Plugin:    strings.TrimSpace(strings.TrimPrefix(comment, "#")),
		})
	}
	return entries, nil
}

func encodeMapping(entries []MappingEntry, generated time.Time) ([]byte, error) {
	mapping := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range entries {
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: e.Namespace},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: e.Path, LineComment: "# " + e.Plugin},
		)
	}

	doc := &yaml.Node{
		Kind: yaml.DocumentNode,
		HeadComment: "# This file is automatically generated by Zource\n" +
			"# Generated on " + generated.Format(time.RFC1123Z),
		Content: []*yaml.Node{mapping},
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeFileAtomic writes data to a temp file beside name, syncs it, then renames it over name
func writeFileAtomic(name string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(name)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, name)
}
