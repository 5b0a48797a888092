package pipeline

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"pipeflow/internal/domain"
)

// Fixture document identifiers.
const (
	FixtureAPIVersion = "pipeflow/v1"
	FixtureKind       = "Pipeline"
)

// PipelineFixture is a YAML document describing an already-built pipeline:
//
//	apiVersion: pipeflow/v1
//	kind: Pipeline
//	spec:
//	  name: main
//	  created_by: alice
//	  stages:
//	    - name: build
//	      jobs:
//	        - name: compile
//	    - name: test
//	      jobs:
//	        - name: unit
//	          needs: [compile]
//
// A job with a needs key, even an empty one, is dag-scheduled.
type PipelineFixture struct {
	APIVersion string                       `yaml:"apiVersion"`
	Kind       string                       `yaml:"kind"`
	Spec       domain.CreatePipelineRequest `yaml:"spec"`
}

// DecodePipelineFixture parses and validates a fixture. Unknown fields are
// rejected.
func DecodePipelineFixture(r io.Reader) (domain.CreatePipelineRequest, error) {
	var doc PipelineFixture
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return domain.CreatePipelineRequest{}, fmt.Errorf("parse fixture: %w", err)
	}
	if doc.APIVersion != FixtureAPIVersion {
		return domain.CreatePipelineRequest{}, domain.ErrValidation("unsupported apiVersion %q (expected %q)", doc.APIVersion, FixtureAPIVersion)
	}
	if doc.Kind != FixtureKind {
		return domain.CreatePipelineRequest{}, domain.ErrValidation("unexpected kind %q (expected %q)", doc.Kind, FixtureKind)
	}
	if err := doc.Spec.Validate(); err != nil {
		return domain.CreatePipelineRequest{}, err
	}
	return doc.Spec, nil
}
