package onnx

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// NodeInfo is one graph input or output as listed in manifest.json.
type NodeInfo struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []any  `json:"shape"`
}

// Session describes one exported graph: where it lives on disk and the
// tensors it declares.
type Session struct {
	Name     string     `json:"name"`
	Filename string     `json:"filename"`
	Inputs   []NodeInfo `json:"inputs"`
	Outputs  []NodeInfo `json:"outputs"`

	// Path is Filename resolved against the manifest directory.
	Path string `json:"-"`
}

// HasInput reports whether the graph declares an input called name.
func (s Session) HasInput(name string) bool {
	return slices.ContainsFunc(s.Inputs, func(n NodeInfo) bool { return n.Name == name })
}

// HasOutput reports whether the graph declares an output called name.
func (s Session) HasOutput(name string) bool {
	return slices.ContainsFunc(s.Outputs, func(n NodeInfo) bool { return n.Name == name })
}

// MissingGraphError is returned by Require for a graph the manifest lacks.
type MissingGraphError struct {
	Graph    string
	Manifest string
}

func (e *MissingGraphError) Error() string {
	return fmt.Sprintf("onnx manifest %s has no graph %q", e.Manifest, e.Graph)
}

// Manifest is the parsed manifest.json of an exported model directory.
// Graphs keep the order they were listed in.
type Manifest struct {
	path   string
	graphs []Session
}

// LoadManifest reads manifestPath and checks that every listed graph file
// exists next to it.
func LoadManifest(manifestPath string) (*Manifest, error) {
	if manifestPath == "" {
		return nil, errors.New("onnx manifest path is required")
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read onnx manifest: %w", err)
	}

	var doc struct {
		Graphs []Session `json:"graphs"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode onnx manifest %s: %w", manifestPath, err)
	}
	if len(doc.Graphs) == 0 {
		return nil, fmt.Errorf("onnx manifest %s lists no graphs", manifestPath)
	}

	m := &Manifest{path: manifestPath, graphs: doc.Graphs}
	if err := m.resolve(filepath.Dir(manifestPath)); err != nil {
		return nil, err
	}

	slog.Debug("onnx manifest loaded", "path", manifestPath, "graphs", m.Names())

	return m, nil
}

func (m *Manifest) resolve(dir string) error {
	seen := make(map[string]bool, len(m.graphs))

	for i := range m.graphs {
		g := &m.graphs[i]
		switch {
		case g.Name == "":
			return fmt.Errorf("onnx manifest entry %d has no name", i)
		case g.Filename == "":
			return fmt.Errorf("graph %q has no filename", g.Name)
		case seen[g.Name]:
			return fmt.Errorf("graph %q listed twice", g.Name)
		}
		seen[g.Name] = true

		g.Path = g.Filename
		if !filepath.IsAbs(g.Path) {
			g.Path = filepath.Join(dir, g.Path)
		}
		g.Path = filepath.Clean(g.Path)

		if _, err := os.Stat(g.Path); err != nil {
			return fmt.Errorf("graph %q: %w", g.Name, err)
		}
	}

	return nil
}

// Graph returns the named graph.
func (m *Manifest) Graph(name string) (Session, bool) {
	i := slices.IndexFunc(m.graphs, func(s Session) bool { return s.Name == name })
	if i < 0 {
		return Session{}, false
	}
	return m.graphs[i], true
}

// Graphs returns a copy of every graph in manifest order.
func (m *Manifest) Graphs() []Session {
	out := make([]Session, len(m.graphs))
	for i, s := range m.graphs {
		s.Inputs = slices.Clone(s.Inputs)
		s.Outputs = slices.Clone(s.Outputs)
		out[i] = s
	}
	return out
}

// Names lists graph names in manifest order.
func (m *Manifest) Names() []string {
	names := make([]string, len(m.graphs))
	for i, s := range m.graphs {
		names[i] = s.Name
	}
	return names
}

// Require returns a *MissingGraphError for the first absent name.
func (m *Manifest) Require(names ...string) error {
	for _, name := range names {
		if _, ok := m.Graph(name); !ok {
			return &MissingGraphError{Graph: name, Manifest: m.path}
		}
	}
	return nil
}

// CheckLanguageModel requires the prefill and step graphs and, when they
// declare their tensors, the token input and logits output the stage-1
// model feeds and reads. The step graph must also take cache inputs.
func (m *Manifest) CheckLanguageModel() error {
	if err := m.Require(GraphPrefill, GraphStep); err != nil {
		return err
	}

	for _, name := range []string{GraphPrefill, GraphStep} {
		g, _ := m.Graph(name)
		if len(g.Inputs) == 0 && len(g.Outputs) == 0 {
			continue
		}

		var missing []string
		if !g.HasInput(inputIDs) {
			missing = append(missing, "input "+inputIDs)
		}
		if !g.HasOutput(outputLogits) {
			missing = append(missing, "output "+outputLogits)
		}
		if name == GraphStep && !slices.ContainsFunc(g.Inputs, func(n NodeInfo) bool {
			return strings.HasPrefix(n.Name, pastPrefix)
		}) {
			missing = append(missing, "inputs "+pastPrefix+"*")
		}

		if len(missing) > 0 {
			return fmt.Errorf("graph %q does not declare %s", name, strings.Join(missing, ", "))
		}
	}

	return nil
}
