package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Document describes a job as a list of steps. It is read from YAML or JSON.
type Document struct {
	Name     string `yaml:"name" json:"name"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Group    string `yaml:"group,omitempty" json:"group,omitempty"`
	Steps    []Step `yaml:"steps" json:"steps"`

	// Metadata is carried on the job as-is.
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Step is one task of a pipeline.
type Step struct {
	ID        string            `yaml:"id" json:"id"`
	Kind      string            `yaml:"kind" json:"kind"`
	Name      string            `yaml:"name,omitempty" json:"name,omitempty"`
	Params    map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	DependsOn []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Writes names files in the job directory the step writes besides its
	// own artifacts. Steps sharing a file never run at the same time.
	Writes []string `yaml:"writes,omitempty" json:"writes,omitempty"`

	// Optional steps whose required parameters are empty are left out of
	// the job, and dependencies on them are dropped.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// Parse decodes a pipeline document. JSON documents are accepted since
// JSON is valid YAML. Unknown fields are rejected.
func Parse(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty pipeline document")
		}
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}
	return &doc, nil
}

// ParseFile reads and decodes a pipeline document from path.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline: %w", err)
	}
	return Parse(data)
}

// Marshal encodes the document as YAML.
func (d *Document) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}
