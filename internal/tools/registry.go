// Package tools holds the tool registry and the middleware chain every tool
// call passes through before dispatch.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parley-ai/parley/internal/observability"
)

// Tool sources. Decorator tools are registered programmatically; config tools
// are declared in JSON files and bound to a service by name.
const (
	SourceDecorator = "decorator"
	SourceConfig    = "config"
)

// Handler executes a tool call.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Service is the capability a config-declared tool binds to.
type Service interface {
	Run(ctx context.Context, call map[string]any) (string, error)
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc func(ctx context.Context, call map[string]any) (string, error)

func (f ServiceFunc) Run(ctx context.Context, call map[string]any) (string, error) {
	return f(ctx, call)
}

// Descriptor describes one registered tool.
type Descriptor struct {
	Name        string
	Description string
	// Schema is the JSON-schema of the tool parameters. Config tools always
	// carry one; decorator tools may leave it nil.
	Schema  json.RawMessage
	Tags    []string
	Source  string
	Enabled bool

	handler  Handler
	compiled *jsonschema.Schema
}

// Registry maps tool names to descriptors. Names are unique; on conflict the
// decorator source wins over config.
type Registry struct {
	logger *observability.Logger

	mu    sync.RWMutex
	tools map[string]*Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}
	return &Registry{
		logger: logger,
		tools:  make(map[string]*Descriptor),
	}
}

// Register adds a decorator-source tool. A decorator tool replaces any config
// tool of the same name; a second decorator tool with the same name is an
// error.
func (r *Registry) Register(desc Descriptor, handler Handler) error {
	if desc.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %q: handler is required", desc.Name)
	}
	desc.Source = SourceDecorator
	desc.Enabled = true
	desc.handler = handler

	if len(desc.Schema) > 0 {
		compiled, err := compileSchema(desc.Name, desc.Schema)
		if err != nil {
			return fmt.Errorf("tool %q: %w", desc.Name, err)
		}
		desc.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[desc.Name]; ok {
		if existing.Source == SourceDecorator {
			return fmt.Errorf("tool %q already registered", desc.Name)
		}
		r.logger.Info(context.Background(), "decorator tool replaces config tool", "tool", desc.Name)
	}
	r.tools[desc.Name] = &desc
	return nil
}

// RegisterConfig adds a config-source tool bound to a service. If a decorator
// tool with the same name exists, the config tool is skipped.
func (r *Registry) RegisterConfig(desc Descriptor, service Service) error {
	if desc.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if service == nil {
		return fmt.Errorf("tool %q: service is required", desc.Name)
	}
	desc.Source = SourceConfig
	desc.Enabled = true
	desc.handler = func(ctx context.Context, args map[string]any) (string, error) {
		return service.Run(ctx, args)
	}

	if len(desc.Schema) > 0 {
		compiled, err := compileSchema(desc.Name, desc.Schema)
		if err != nil {
			return fmt.Errorf("tool %q: %w", desc.Name, err)
		}
		desc.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[desc.Name]; ok && existing.Source == SourceDecorator {
		r.logger.Debug(context.Background(), "config tool skipped, decorator tool takes precedence", "tool", desc.Name)
		return nil
	}
	r.tools[desc.Name] = &desc
	return nil
}

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}
	return compiled, nil
}

// Get returns the descriptor for a tool name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.tools[name]
	return desc, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all descriptors, sorted by name.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.tools))
	for _, desc := range r.tools {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByTag returns descriptors carrying the given tag, sorted by name.
func (r *Registry) ByTag(tag string) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Descriptor
	for _, desc := range r.tools {
		for _, t := range desc.Tags {
			if t == tag {
				out = append(out, desc)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateArgs checks arguments against the tool's parameter schema. Tools
// without a schema accept any arguments.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	desc, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	if desc.compiled == nil {
		return nil
	}
	// Round-trip through JSON so typed values compare like wire data.
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("tool %q: encode arguments: %w", name, err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("tool %q: decode arguments: %w", name, err)
	}
	if err := desc.compiled.Validate(decoded); err != nil {
		return fmt.Errorf("tool %q: invalid arguments: %w", name, err)
	}
	return nil
}

// configToolFile is the on-disk shape of a config-declared tool.
type configToolFile struct {
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
	Tags    []string `json:"tags"`
	Service string   `json:"service"`
}

// LoadConfigDir reads *.json tool descriptors from a directory and registers
// each against the service resolved by name. The tool name defaults to the
// file stem; the bound service defaults to the tool name. Files whose service
// cannot be resolved are skipped with a warning. A missing directory is not
// an error.
func (r *Registry) LoadConfigDir(ctx context.Context, dir string, services map[string]Service) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read tool config dir: %w", err)
	}

	registered := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn(ctx, "failed to read tool config", "path", path, "error", err)
			continue
		}

		var file configToolFile
		if err := json.Unmarshal(data, &file); err != nil {
			r.logger.Warn(ctx, "invalid tool config json", "path", path, "error", err)
			continue
		}

		name := file.Function.Name
		if name == "" {
			name = strings.TrimSuffix(entry.Name(), ".json")
		}
		serviceName := file.Service
		if serviceName == "" {
			serviceName = name
		}
		service, ok := services[serviceName]
		if !ok {
			r.logger.Warn(ctx, "no service bound for config tool", "tool", name, "service", serviceName)
			continue
		}

		err = r.RegisterConfig(Descriptor{
			Name:        name,
			Description: file.Function.Description,
			Schema:      file.Function.Parameters,
			Tags:        file.Tags,
		}, service)
		if err != nil {
			r.logger.Warn(ctx, "failed to register config tool", "tool", name, "error", err)
			continue
		}
		registered++
	}
	r.logger.Info(ctx, "config tools loaded", "dir", dir, "count", registered)
	return registered, nil
}
