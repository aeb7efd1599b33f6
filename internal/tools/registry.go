// Package tools is the connector layer: a registry of named tools whose
// arguments are validated against a JSON schema before each time-boxed call.
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-hive/internal/shared"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrInvalidArgs = errors.New("invalid tool arguments")
)

// CallFunc runs a tool. args has already passed schema validation.
type CallFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is a registered connector.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Call        CallFunc
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds tools by name and applies a default timeout to each call.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]entry
	timeout time.Duration
}

func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Registry{tools: make(map[string]entry), timeout: timeout}
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema for %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	return schema, nil
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) error {
	name := strings.ToLower(strings.TrimSpace(t.Name))
	if name == "" {
		return errors.New("tool name is required")
	}
	if t.Call == nil {
		return fmt.Errorf("tool %s: nil call", name)
	}
	schema, err := compileSchema(name, t.Schema)
	if err != nil {
		return err
	}
	t.Name = name
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = entry{tool: t, schema: schema}
	return nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[strings.ToLower(name)]
	return ok
}

// Invoke validates args and runs the tool under the registry timeout.
// Every failure wraps shared.ErrToolFailure; deadline overruns also match
// context.DeadlineExceeded.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	e, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %w: %s", shared.ErrToolFailure, ErrUnknownTool, name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(args)))
	if err != nil {
		return "", fmt.Errorf("%w: %w: %v", shared.ErrToolFailure, ErrInvalidArgs, err)
	}
	if err := e.schema.Validate(inst); err != nil {
		return "", fmt.Errorf("%w: %w: %v", shared.ErrToolFailure, ErrInvalidArgs, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := e.tool.Call(callCtx, args)
		done <- result{out, err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("%w: %s: %w", shared.ErrToolFailure, e.tool.Name, res.err)
		}
		return res.out, nil
	case <-callCtx.Done():
		return "", fmt.Errorf("%w: %s: %w", shared.ErrToolFailure, e.tool.Name, callCtx.Err())
	}
}

// CallKey is a stable reference to one tool invocation, used as evidence
// in results.
func CallKey(taskID, toolName string, args json.RawMessage) string {
	h := sha256.Sum256(args)
	return fmt.Sprintf("%s:%s:%x", taskID, toolName, h[:8])
}
