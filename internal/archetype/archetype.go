// Package archetype holds the closed set of behavioral role templates and the
// lookup table the kernel, market and lifecycle consult instead of branching
// on agent type.
package archetype

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/basket/go-hive/internal/config"
	"github.com/basket/go-hive/internal/cron"
)

// Tag identifies an archetype.
type Tag string

const (
	Scout    Tag = "scout"
	Builder  Tag = "builder"
	Director Tag = "director"
)

// ErrUnknownArchetype is returned for tags outside the closed set.
var ErrUnknownArchetype = errors.New("unknown archetype")

// Procedure is a seed procedural-memory entry planted at onboarding.
type Procedure struct {
	Name  string
	Tags  []string
	Tools []string
}

// Archetype is one row of the lookup table.
type Archetype struct {
	Tag               Tag
	CapabilityWeights map[string]float64
	ConcurrencyLimit  int
	BudgetQuota       float64
	ExecuteTimeout    time.Duration
	MinRest           time.Duration
	ShiftCron         string
	AllowedTools      []string
	Anchor            map[string]float64
	Procedures        []Procedure
}

// Fit is the mean capability weight over the task tags. Unknown tags weigh 0.
func (a Archetype) Fit(tags []string) float64 {
	if len(tags) == 0 {
		return 0
	}
	var sum float64
	for _, tag := range tags {
		sum += a.CapabilityWeights[normalizeTag(tag)]
	}
	return sum / float64(len(tags))
}

// QuotaAt returns the budget quota for an agent promoted to level.
func (a Archetype) QuotaAt(level int) float64 {
	if level < 0 {
		level = 0
	}
	return a.BudgetQuota * (1 + 0.1*float64(level))
}

// AllowsTool reports whether the archetype may invoke the named tool.
func (a Archetype) AllowsTool(name string) bool {
	return slices.Contains(a.AllowedTools, name)
}

// Table maps archetype tags to their behavior.
type Table struct {
	entries map[Tag]Archetype
}

// Lookup returns the archetype for tag.
func (t *Table) Lookup(tag Tag) (Archetype, error) {
	a, ok := t.entries[tag]
	if !ok {
		return Archetype{}, fmt.Errorf("%w: %q", ErrUnknownArchetype, tag)
	}
	return a, nil
}

// Tags lists the archetypes in the table in a stable order.
func (t *Table) Tags() []Tag {
	tags := make([]Tag, 0, len(t.entries))
	for tag := range t.entries {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Defaults returns the built-in table.
func Defaults() *Table {
	entries := map[Tag]Archetype{
		Scout: {
			Tag: Scout,
			CapabilityWeights: map[string]float64{
				"research": 0.9, "search": 0.8, "analysis": 0.6, "summarize": 0.5, "plan": 0.3, "build": 0.2,
			},
			ConcurrencyLimit: 2,
			BudgetQuota:      20,
			ExecuteTimeout:   30 * time.Second,
			MinRest:          5 * time.Minute,
			ShiftCron:        "0 */4 * * *",
			AllowedTools:     []string{"echo", "summarize", "extract_keywords", "classify"},
			Anchor: map[string]float64{
				"openness": 0.8, "conscientiousness": 0.5, "extraversion": 0.6,
				"agreeableness": 0.6, "stability": 0.5, "curiosity": 0.85,
			},
			Procedures: []Procedure{
				{Name: "desk-research", Tags: []string{"research", "search"}, Tools: []string{"extract_keywords", "summarize"}},
				{Name: "triage", Tags: []string{"analysis", "classify"}, Tools: []string{"classify", "echo"}},
			},
		},
		Builder: {
			Tag: Builder,
			CapabilityWeights: map[string]float64{
				"build": 0.9, "code": 0.85, "test": 0.7, "analysis": 0.5, "research": 0.3,
			},
			ConcurrencyLimit: 1,
			BudgetQuota:      30,
			ExecuteTimeout:   60 * time.Second,
			MinRest:          10 * time.Minute,
			ShiftCron:        "0 */6 * * *",
			AllowedTools:     []string{"echo", "summarize", "classify"},
			Anchor: map[string]float64{
				"openness": 0.5, "conscientiousness": 0.85, "extraversion": 0.4,
				"agreeableness": 0.6, "stability": 0.75, "curiosity": 0.4,
			},
			Procedures: []Procedure{
				{Name: "assemble", Tags: []string{"build", "code"}, Tools: []string{"echo", "summarize"}},
				{Name: "verify", Tags: []string{"test", "analysis"}, Tools: []string{"classify", "echo"}},
			},
		},
		Director: {
			Tag: Director,
			CapabilityWeights: map[string]float64{
				"plan": 0.9, "review": 0.8, "coordinate": 0.8, "analysis": 0.6, "research": 0.4,
			},
			ConcurrencyLimit: 3,
			BudgetQuota:      25,
			ExecuteTimeout:   45 * time.Second,
			MinRest:          8 * time.Minute,
			ShiftCron:        "0 */8 * * *",
			AllowedTools:     []string{"echo", "summarize", "extract_keywords", "classify"},
			Anchor: map[string]float64{
				"openness": 0.6, "conscientiousness": 0.75, "extraversion": 0.75,
				"agreeableness": 0.7, "stability": 0.7, "curiosity": 0.55,
			},
			Procedures: []Procedure{
				{Name: "brief", Tags: []string{"plan", "coordinate"}, Tools: []string{"summarize", "echo"}},
				{Name: "review", Tags: []string{"review", "analysis"}, Tools: []string{"classify", "summarize"}},
			},
		},
	}
	return &Table{entries: entries}
}

// New builds the table from the defaults plus config overrides. Overrides may
// only refine the closed set; an unknown tag is an error.
func New(overrides map[string]config.ArchetypeConfig) (*Table, error) {
	t := Defaults()
	for name, o := range overrides {
		tag := Tag(normalizeTag(name))
		a, ok := t.entries[tag]
		if !ok {
			return nil, fmt.Errorf("archetypes.%s: %w", name, ErrUnknownArchetype)
		}
		if len(o.CapabilityWeights) > 0 {
			a.CapabilityWeights = normalizeWeights(o.CapabilityWeights)
		}
		if o.ConcurrencyLimit > 0 {
			a.ConcurrencyLimit = o.ConcurrencyLimit
		}
		if o.BudgetQuota > 0 {
			a.BudgetQuota = o.BudgetQuota
		}
		if o.ExecuteTimeoutSeconds > 0 {
			a.ExecuteTimeout = time.Duration(o.ExecuteTimeoutSeconds) * time.Second
		}
		if o.MinRestSeconds > 0 {
			a.MinRest = time.Duration(o.MinRestSeconds) * time.Second
		}
		if o.ShiftCron != "" {
			if _, err := cron.NextRunTime(o.ShiftCron, time.Now()); err != nil {
				return nil, fmt.Errorf("archetypes.%s.shift_cron: %w", name, err)
			}
			a.ShiftCron = o.ShiftCron
		}
		if len(o.AllowedTools) > 0 {
			a.AllowedTools = slices.Clone(o.AllowedTools)
		}
		if len(o.Anchor) > 0 {
			anchor := maps.Clone(a.Anchor)
			maps.Copy(anchor, o.Anchor)
			a.Anchor = anchor
		}
		if len(o.Procedures) > 0 {
			a.Procedures = a.Procedures[:0:0]
			for _, p := range o.Procedures {
				a.Procedures = append(a.Procedures, Procedure{Name: p.Name, Tags: p.Tags, Tools: p.Tools})
			}
		}
		t.entries[tag] = a
	}
	return t, nil
}

func normalizeWeights(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[normalizeTag(k)] = min(max(v, 0), 1)
	}
	return out
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
