// File: internal/scene/loader.go
package scene

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// document is the on-disk layout of a scene graph definition. Keys this
// package does not own (such as subjects) are ignored.
type document struct {
	Hub      string     `yaml:"hub"`
	HubProbe string     `yaml:"hub_probe"`
	Scenes   []nodeSpec `yaml:"scenes"`
}

type nodeSpec struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Fingerprint string     `yaml:"fingerprint"`
	TextCues    []string   `yaml:"text_cues"`
	BackTo      string     `yaml:"back_to"`
	BackProbe   string     `yaml:"back_probe"`
	Edges       []edgeSpec `yaml:"edges"`
}

type edgeSpec struct {
	Target         string         `yaml:"target"`
	Action         string         `yaml:"action"`
	Probe          string         `yaml:"probe"`
	Text           string         `yaml:"text"`
	Scroll         string         `yaml:"scroll"`
	ScrollDistance int            `yaml:"scroll_distance"`
	Wait           *time.Duration `yaml:"wait"`
}

func (s edgeSpec) edge() Edge {
	e := Edge{
		Target:         s.Target,
		Action:         ActionType(s.Action),
		Probe:          s.Probe,
		Text:           s.Text,
		Scroll:         Direction(s.Scroll),
		ScrollDistance: s.ScrollDistance,
		Wait:           DefaultWait,
	}
	if s.Wait != nil {
		e.Wait = *s.Wait
	}
	if e.Scroll != ScrollNone && e.ScrollDistance == 0 {
		e.ScrollDistance = DefaultScrollDistance
	}
	return e
}

// Load parses a YAML scene graph definition and builds the graph.
func Load(r io.Reader) (*Graph, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode scene graph: %w", err)
	}
	if len(doc.Scenes) == 0 {
		return nil, fmt.Errorf("%w: definition contains no scenes", ErrInvalidNode)
	}

	b := NewBuilder()
	b.SetHub(doc.Hub, doc.HubProbe)
	for _, sd := range doc.Scenes {
		n := Node{
			ID:          sd.ID,
			Name:        sd.Name,
			Fingerprint: sd.Fingerprint,
			TextCues:    sd.TextCues,
			BackTo:      sd.BackTo,
			BackProbe:   sd.BackProbe,
		}
		for _, es := range sd.Edges {
			n.Edges = append(n.Edges, es.edge())
		}
		if err := b.Register(n); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

// LoadBytes is Load over an in-memory document.
func LoadBytes(data []byte) (*Graph, error) {
	return Load(bytes.NewReader(data))
}

// LoadFile reads and builds the graph stored at path.
func LoadFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scene graph: %w", err)
	}
	defer f.Close()
	return Load(f)
}
