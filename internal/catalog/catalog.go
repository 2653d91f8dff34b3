// File: internal/catalog/catalog.go
// Package catalog describes the repeatable activities (subjects) the
// orchestrator can run and the variants each one offers.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sylvester1001/zat/internal/scene"
)

var (
	ErrUnknownSubject = errors.New("unknown subject")
	ErrUnknownVariant = errors.New("unknown variant")
)

// Variant is a selectable flavour of a subject, such as a difficulty.
type Variant struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// Probe is tapped to select the variant.
	Probe string `yaml:"probe"`
	// SelectedProbe matches when the variant is already selected.
	SelectedProbe string `yaml:"selected_probe"`
}

// Subject is an activity entry point in the scene graph.
type Subject struct {
	ID         string    `yaml:"id"`
	Name       string    `yaml:"name"`
	Target     string    `yaml:"target"`
	StartProbe string    `yaml:"start_probe"`
	ExitProbe  string    `yaml:"exit_probe"`
	Variants   []Variant `yaml:"variants"`
}

// Variant looks up a variant by id. Subjects without variants accept "".
func (s Subject) Variant(id string) (Variant, error) {
	if id == "" && len(s.Variants) == 0 {
		return Variant{}, nil
	}
	for _, v := range s.Variants {
		if v.ID == id {
			return v, nil
		}
	}
	return Variant{}, fmt.Errorf("%w: %q has no variant %q", ErrUnknownVariant, s.ID, id)
}

// Catalog is an ordered, read-only set of subjects.
type Catalog struct {
	subjects []Subject
	index    map[string]int
}

// New validates subjects against the graph and indexes them.
func New(g *scene.Graph, subjects []Subject) (*Catalog, error) {
	c := &Catalog{index: make(map[string]int, len(subjects))}
	for _, s := range subjects {
		if s.ID == "" {
			return nil, fmt.Errorf("subject with empty id")
		}
		if _, dup := c.index[s.ID]; dup {
			return nil, fmt.Errorf("duplicate subject %q", s.ID)
		}
		if !g.Has(s.Target) {
			return nil, fmt.Errorf("subject %q targets unregistered scene %q", s.ID, s.Target)
		}
		if s.StartProbe == "" {
			return nil, fmt.Errorf("subject %q requires a start_probe", s.ID)
		}
		for _, v := range s.Variants {
			if v.ID == "" || v.Probe == "" {
				return nil, fmt.Errorf("subject %q has a variant without id or probe", s.ID)
			}
		}
		c.index[s.ID] = len(c.subjects)
		c.subjects = append(c.subjects, s)
	}
	return c, nil
}

// Get returns the subject with the given id.
func (c *Catalog) Get(id string) (Subject, error) {
	i, ok := c.index[id]
	if !ok {
		return Subject{}, fmt.Errorf("%w: %q", ErrUnknownSubject, id)
	}
	return c.subjects[i], nil
}

// Subjects returns every subject in definition order.
func (c *Catalog) Subjects() []Subject {
	out := make([]Subject, len(c.subjects))
	copy(out, c.subjects)
	return out
}

// Load reads the subjects section of a graph document.
func Load(g *scene.Graph, r io.Reader) (*Catalog, error) {
	var doc struct {
		Subjects []Subject `yaml:"subjects"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode subject catalog: %w", err)
	}
	return New(g, doc.Subjects)
}

// LoadBytes is Load over an in-memory document.
func LoadBytes(g *scene.Graph, data []byte) (*Catalog, error) {
	return Load(g, bytes.NewReader(data))
}

// LoadFile reads the catalog stored at path.
func LoadFile(g *scene.Graph, path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open subject catalog: %w", err)
	}
	defer f.Close()
	return Load(g, f)
}
