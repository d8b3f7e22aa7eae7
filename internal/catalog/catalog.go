// Package catalog holds the registry of tools the planner may call, with the
// retry, timeout and permission policy attached to each.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ashita-ai/bunseki/internal/model"
)

var (
	// ErrDuplicateTool is returned by Register when the name is taken.
	ErrDuplicateTool = errors.New("catalog: duplicate tool")
	// ErrUnknownTool is returned for names that are not registered or inactive.
	ErrUnknownTool = errors.New("catalog: unknown tool")
	// ErrInvalidArguments is returned when arguments fail the input schema.
	ErrInvalidArguments = errors.New("catalog: invalid arguments")
)

type entry struct {
	tool   Tool
	desc   Descriptor
	schema *gojsonschema.Schema
}

// Catalog is the process-wide tool registry. It is built at startup and
// read concurrently afterwards.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]*entry
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{tools: make(map[string]*entry)}
}

// Register adds a tool. Registering a name twice is an error; use Replace to
// swap an implementation deliberately.
func (c *Catalog) Register(t Tool) error {
	return c.put(t, false)
}

// Replace registers t, overwriting any tool with the same name.
func (c *Catalog) Replace(t Tool) error {
	return c.put(t, true)
}

// MustRegister is Register for static startup lists.
func (c *Catalog) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := c.Register(t); err != nil {
			panic(err)
		}
	}
}

func (c *Catalog) put(t Tool, overwrite bool) error {
	desc := t.Descriptor()
	if err := desc.validate(); err != nil {
		return fmt.Errorf("catalog: register: %w", err)
	}

	var schema *gojsonschema.Schema
	if len(desc.InputSchema) > 0 {
		s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(desc.InputSchema))
		if err != nil {
			return fmt.Errorf("catalog: register %s: compile input schema: %w", desc.Name, err)
		}
		schema = s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tools[desc.Name]; exists && !overwrite {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, desc.Name)
	}
	c.tools[desc.Name] = &entry{tool: t, desc: desc.clone(), schema: schema}
	return nil
}

// Get returns the descriptor for name. It reports false when the tool is
// unknown or inactive.
func (c *Catalog) Get(name string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.tools[name]
	if !ok || !e.desc.IsActive {
		return Descriptor{}, false
	}
	return e.desc.clone(), true
}

// Lookup returns the implementation and descriptor of an active tool.
func (c *Catalog) Lookup(name string) (Tool, Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.tools[name]
	if !ok || !e.desc.IsActive {
		return nil, Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return e.tool, e.desc.clone(), nil
}

// List returns the active descriptors matching f, ordered by name.
func (c *Catalog) List(f Filter) []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Descriptor, 0, len(c.tools))
	for _, e := range c.tools {
		if f.matches(e.desc) {
			out = append(out, e.desc.clone())
		}
	}
	slices.SortFunc(out, func(a, b Descriptor) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// CatalogFor renders the tools a planner may call on a turn of plan type pt
// for the given organization. Inactive tools never appear.
func (c *Catalog) CatalogFor(pt model.PlanType, organization string) []Entry {
	return c.Entries(Filter{PlanType: pt, Organization: organization})
}

// Entries renders every active tool matching f in planner-facing form.
func (c *Catalog) Entries(f Filter) []Entry {
	descs := c.List(f)
	out := make([]Entry, 0, len(descs))
	for _, d := range descs {
		schema := d.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		tags := d.Tags
		if tags == nil {
			tags = []string{}
		}
		out = append(out, Entry{
			Name:               d.Name,
			Description:        d.Description,
			Schema:             schema,
			Category:           d.Category,
			Version:            d.Version,
			ResearchAccessible: d.Category.Allows(model.PlanTypeResearch),
			MaxRetries:         d.MaxRetries,
			TimeoutSeconds:     d.TimeoutSeconds,
			Tags:               tags,
			IsActive:           d.IsActive,
			ObservationPolicy:  d.ObservationPolicy,
		})
	}
	return out
}

// ValidateArguments checks args against the tool's input schema. Tools
// without a schema accept anything.
func (c *Catalog) ValidateArguments(name string, args map[string]any) error {
	c.mu.RLock()
	e, ok := c.tools[name]
	c.mu.RUnlock()
	if !ok || !e.desc.IsActive {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if e.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("catalog: validate %s: %w", name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		return fmt.Errorf("%w: %s: %s", ErrInvalidArguments, name, strings.Join(msgs, "; "))
	}
	return nil
}

// Len returns the number of registered tools, active or not.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}
