// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cwl parses the subset of the Common Workflow Language this
// service needs to drive a job: recognising a document as a
// CommandLineTool, ExpressionTool or Workflow, and reading its declared input and
// output parameter names. Full CWL semantics (scatter, sub-workflows,
// requirements, expression evaluation) are out of scope; execution itself
// is delegated to the remote CWL runner (cwltiny.py on the compute
// resource), this package only needs enough structure to validate a
// document and to know which input bindings are file-typed.
package cwl

import (
	"fmt"

	"gopkg.in/yaml.v3"

	cerrors "github.com/arnikz/cerise/pkg/errors"
)

// Document is the parsed shape of a CommandLineTool, ExpressionTool or
// Workflow.
type Document struct {
	CWLVersion string                `yaml:"cwlVersion"`
	Class      string                `yaml:"class"`
	Inputs     map[string]ParamType  `yaml:"-"`
	Outputs    map[string]ParamType  `yaml:"-"`
}

// ParamType is the declared type of an input or output parameter, enough
// to tell whether it is File-typed (directly or as an optional/array of
// File).
type ParamType struct {
	Type string
}

// IsFile reports whether the parameter's type names File, possibly as an
// optional ("File?") or array ("File[]") type.
func (p ParamType) IsFile() bool {
	switch p.Type {
	case "File", "File?", "File[]", "File[]?":
		return true
	default:
		return false
	}
}

// rawDocument mirrors the on-disk shape closely enough for yaml.v3 to
// unmarshal the parts we read; CWL allows inputs/outputs as either a map
// or a list of {id, type} objects, so both shapes are handled in Parse.
type rawDocument struct {
	CWLVersion string `yaml:"cwlVersion"`
	Class      string `yaml:"class"`
	Inputs     yaml.Node `yaml:"inputs"`
	Outputs    yaml.Node `yaml:"outputs"`
}

// Parser parses a CWL document. An external collaborator per the design:
// production wiring uses the default implementation in this package;
// nothing else in the service depends on concrete parsing internals.
type Parser interface {
	Parse(content []byte) (*Document, error)
}

// DefaultParser implements Parser using gopkg.in/yaml.v3 (CWL documents
// are YAML supersets of JSON, so the same decoder reads both).
type DefaultParser struct{}

var _ Parser = DefaultParser{}

// Parse validates that content is a recognisable CommandLineTool,
// ExpressionTool or Workflow document and extracts its input/output parameter types.
func (DefaultParser) Parse(content []byte) (*Document, error) {
	var raw rawDocument
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, &cerrors.InputError{Reason: "workflow document is not valid CWL/YAML", Cause: err}
	}
	if raw.Class != "CommandLineTool" && raw.Class != "ExpressionTool" && raw.Class != "Workflow" {
		return nil, &cerrors.InputError{Reason: fmt.Sprintf("unsupported CWL class %q", raw.Class)}
	}

	inputs, err := parseParams(raw.Inputs)
	if err != nil {
		return nil, &cerrors.InputError{Reason: "failed to parse inputs", Cause: err}
	}
	outputs, err := parseParams(raw.Outputs)
	if err != nil {
		return nil, &cerrors.InputError{Reason: "failed to parse outputs", Cause: err}
	}

	return &Document{
		CWLVersion: raw.CWLVersion,
		Class:      raw.Class,
		Inputs:     inputs,
		Outputs:    outputs,
	}, nil
}

// parseParams accepts both CWL parameter shapes: a mapping of name to
// type (or {type: ...} object), and a sequence of {id, type} objects.
func parseParams(node yaml.Node) (map[string]ParamType, error) {
	params := map[string]ParamType{}
	if node.IsZero() {
		return params, nil
	}

	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i < len(node.Content); i += 2 {
			name := node.Content[i].Value
			typeNode := node.Content[i+1]
			params[name] = paramTypeFromNode(typeNode)
		}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			var entry struct {
				ID   string `yaml:"id"`
				Type string `yaml:"type"`
			}
			if err := item.Decode(&entry); err != nil {
				return nil, err
			}
			params[entry.ID] = ParamType{Type: entry.Type}
		}
	}
	return params, nil
}

func paramTypeFromNode(n *yaml.Node) ParamType {
	if n.Kind == yaml.ScalarNode {
		return ParamType{Type: n.Value}
	}
	var entry struct {
		Type string `yaml:"type"`
	}
	n.Decode(&entry)
	return ParamType{Type: entry.Type}
}
