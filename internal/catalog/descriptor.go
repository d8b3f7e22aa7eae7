package catalog

import (
	"fmt"
	"slices"
	"time"

	"github.com/ashita-ai/bunseki/internal/model"
)

// Category says which plan types may call a tool.
type Category string

const (
	CategoryResearch Category = "research"
	CategoryAction   Category = "action"
	CategoryBoth     Category = "both"
)

// Allows reports whether a tool of category c may be called on a turn of plan type pt.
func (c Category) Allows(pt model.PlanType) bool {
	switch pt {
	case model.PlanTypeResearch:
		return c == CategoryResearch || c == CategoryBoth
	case model.PlanTypeAction:
		return c == CategoryAction || c == CategoryBoth
	}
	return false
}

func (c Category) valid() bool {
	return c == CategoryResearch || c == CategoryAction || c == CategoryBoth
}

// ObservationPolicy controls when a tool's output is fed back to the planner.
//
//	always:     summary, artifacts and payload every time
//	on_trigger: full observation only on failure or when the tool flags it
//	never:      only failures
type ObservationPolicy string

const (
	ObserveNever     ObservationPolicy = "never"
	ObserveOnTrigger ObservationPolicy = "on_trigger"
	ObserveAlways    ObservationPolicy = "always"
)

// Descriptor is the catalog metadata for one tool.
type Descriptor struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Category     Category       `json:"category"`
	Version      string         `json:"version,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	// MaxRetries applies only when Idempotent is set.
	MaxRetries          int               `json:"max_retries"`
	TimeoutSeconds      int               `json:"timeout_seconds"`
	Tags                []string          `json:"tags,omitempty"`
	RequiredPermissions []string          `json:"required_permissions,omitempty"`
	EnabledForOrgs      []string          `json:"enabled_for_orgs,omitempty"`
	IsActive            bool              `json:"is_active"`
	Idempotent          bool              `json:"idempotent"`
	ObservationPolicy   ObservationPolicy `json:"observation_policy"`
}

// Timeout returns the per-attempt timeout, or def when the descriptor sets none.
func (d Descriptor) Timeout(def time.Duration) time.Duration {
	if d.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// EnabledFor reports whether org may use the tool. A descriptor without an
// org list is enabled for everyone.
func (d Descriptor) EnabledFor(org string) bool {
	return len(d.EnabledForOrgs) == 0 || slices.Contains(d.EnabledForOrgs, org)
}

// Permits reports whether perms covers every required permission.
func (d Descriptor) Permits(perms []string) bool {
	for _, p := range d.RequiredPermissions {
		if !slices.Contains(perms, p) {
			return false
		}
	}
	return true
}

func (d Descriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !d.Category.valid() {
		return fmt.Errorf("tool %s: invalid category %q", d.Name, d.Category)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("tool %s: max_retries must not be negative", d.Name)
	}
	if d.TimeoutSeconds < 0 {
		return fmt.Errorf("tool %s: timeout_seconds must not be negative", d.Name)
	}
	switch d.ObservationPolicy {
	case ObserveNever, ObserveOnTrigger, ObserveAlways:
	default:
		return fmt.Errorf("tool %s: invalid observation_policy %q", d.Name, d.ObservationPolicy)
	}
	return nil
}

func (d Descriptor) clone() Descriptor {
	d.Tags = slices.Clone(d.Tags)
	d.RequiredPermissions = slices.Clone(d.RequiredPermissions)
	d.EnabledForOrgs = slices.Clone(d.EnabledForOrgs)
	return d
}

// Entry is the planner-facing rendering of a descriptor returned by CatalogFor.
type Entry struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	Schema             map[string]any    `json:"schema"`
	Category           Category          `json:"category"`
	Version            string            `json:"version"`
	ResearchAccessible bool              `json:"research_accessible"`
	MaxRetries         int               `json:"max_retries"`
	TimeoutSeconds     int               `json:"timeout_seconds"`
	Tags               []string          `json:"tags"`
	IsActive           bool              `json:"is_active"`
	ObservationPolicy  ObservationPolicy `json:"observation_policy"`
}

// Filter narrows List results. Zero-valued fields do not filter, except
// Permissions: a non-nil slice is the caller's full permission set.
type Filter struct {
	PlanType     model.PlanType
	Organization string
	Permissions  []string
	Tags         []string
}

func (f Filter) matches(d Descriptor) bool {
	if !d.IsActive {
		return false
	}
	if f.PlanType != "" && !d.Category.Allows(f.PlanType) {
		return false
	}
	if f.Organization != "" && !d.EnabledFor(f.Organization) {
		return false
	}
	if f.Permissions != nil && !d.Permits(f.Permissions) {
		return false
	}
	if len(f.Tags) > 0 && !slices.ContainsFunc(f.Tags, func(t string) bool { return slices.Contains(d.Tags, t) }) {
		return false
	}
	return true
}
