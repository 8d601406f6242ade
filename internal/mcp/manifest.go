package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Runtime names one server execution environment.
type Runtime string

const (
	RuntimeWasm   Runtime = "wasm"
	RuntimeWorker Runtime = "worker"
	RuntimeRemote Runtime = "remote"
)

// ToolDescriptor declares one callable tool and its argument schema.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Manifest declares one tool server. Exactly one of ModulePath, Command,
// or RemoteURL drives the runtime when Runtime is unset.
type Manifest struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version,omitempty"`
	Runtime      Runtime           `json:"runtime,omitempty"`
	Tools        []ToolDescriptor  `json:"tools"`
	Permissions  []string          `json:"permissions,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	ModulePath   string            `json:"modulePath,omitempty"` // wasm binary on disk
	Command      string            `json:"command,omitempty"`    // worker executable
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	RemoteURL    string            `json:"remoteUrl,omitempty"`
}

// EffectiveRuntime resolves the runtime: the explicit field wins; otherwise
// it is inferred from which location field is set.
func (m *Manifest) EffectiveRuntime() (Runtime, error) {
	if m.Runtime != "" {
		switch m.Runtime {
		case RuntimeWasm, RuntimeWorker, RuntimeRemote:
			return m.Runtime, nil
		}
		return "", fmt.Errorf("unknown runtime %q for server %s", m.Runtime, m.ID)
	}
	switch {
	case m.RemoteURL != "":
		return RuntimeRemote, nil
	case m.Command != "":
		return RuntimeWorker, nil
	case m.ModulePath != "":
		return RuntimeWasm, nil
	}
	return "", fmt.Errorf("server %s declares no runtime and no location field", m.ID)
}

// Validate checks structural requirements before registration.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest missing id")
	}
	if m.Name == "" {
		return fmt.Errorf("manifest %s missing name", m.ID)
	}
	if len(m.Tools) == 0 {
		return fmt.Errorf("manifest %s declares no tools", m.ID)
	}
	seen := make(map[string]struct{}, len(m.Tools))
	for _, tool := range m.Tools {
		if tool.Name == "" {
			return fmt.Errorf("manifest %s has a tool with no name", m.ID)
		}
		if _, dup := seen[tool.Name]; dup {
			return fmt.Errorf("manifest %s declares tool %q twice", m.ID, tool.Name)
		}
		seen[tool.Name] = struct{}{}
	}
	if _, err := m.EffectiveRuntime(); err != nil {
		return err
	}
	return nil
}

// Tool returns the named tool descriptor.
func (m *Manifest) Tool(name string) (ToolDescriptor, bool) {
	for _, t := range m.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolDescriptor{}, false
}

// ValidateArgs checks call arguments against the tool's declared input
// schema. Tools without a schema accept anything.
func ValidateArgs(tool ToolDescriptor, args json.RawMessage) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(tool.InputSchema))
	if err != nil {
		return fmt.Errorf("tool %s has malformed input schema: %w", tool.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline://schema.json", schemaDoc); err != nil {
		return fmt.Errorf("tool %s schema: %w", tool.Name, err)
	}
	schema, err := compiler.Compile("inline://schema.json")
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", tool.Name, err)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("tool %s arguments are not valid JSON: %w", tool.Name, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("tool %s arguments rejected by schema: %w", tool.Name, err)
	}
	return nil
}
