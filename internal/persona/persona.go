// Package persona keeps an agent's bounded personality: a trait vector with
// style and modality weights, versioned as an append-only chain of
// snapshots and held within a continuity floor of the archetype anchor.
package persona

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/basket/go-hive/internal/bus"
	"github.com/basket/go-hive/internal/config"
	"github.com/basket/go-hive/internal/persistence"
)

const (
	TraitOpenness          = "openness"
	TraitConscientiousness = "conscientiousness"
	TraitExtraversion      = "extraversion"
	TraitAgreeableness     = "agreeableness"
	TraitStability         = "stability"
	TraitCuriosity         = "curiosity"
)

var (
	ErrContinuityBreach = errors.New("persona update breaches continuity floor")
	ErrUnknownVersion   = errors.New("unknown persona version")
)

// Snapshot is one immutable persona version.
type Snapshot struct {
	AgentID    string             `json:"agent_id"`
	Version    int                `json:"version"`
	Traits     map[string]float64 `json:"traits"`
	Style      map[string]float64 `json:"style"`
	Modality   map[string]float64 `json:"modality"`
	Continuity float64            `json:"continuity"`
	Damping    float64            `json:"damping"`
	Diff       map[string]float64 `json:"diff"`
	Reason     string             `json:"reason"`
	CreatedAt  time.Time          `json:"created_at"`
}

func (s Snapshot) row() persistence.PersonaRow {
	return persistence.PersonaRow{
		AgentID: s.AgentID, Version: s.Version, Traits: s.Traits, Style: s.Style, Modality: s.Modality,
		Continuity: s.Continuity, Damping: s.Damping, Diff: s.Diff, Reason: s.Reason, CreatedAt: s.CreatedAt,
	}
}

func fromRow(r persistence.PersonaRow) Snapshot {
	return Snapshot{
		AgentID: r.AgentID, Version: r.Version, Traits: r.Traits, Style: r.Style, Modality: r.Modality,
		Continuity: r.Continuity, Damping: r.Damping, Diff: r.Diff, Reason: r.Reason, CreatedAt: r.CreatedAt,
	}
}

// Delta is a requested change. Values are scaled by the learning rate.
type Delta struct {
	Traits   map[string]float64
	Style    map[string]float64
	Modality map[string]float64
}

// DefaultStyle and DefaultModality seed version 1.
func DefaultStyle() map[string]float64 {
	return map[string]float64{"concise": 0.5, "formal": 0.5, "exploratory": 0.5}
}

func DefaultModality() map[string]float64 {
	return map[string]float64{"text": 1.0, "structured": 0.5}
}

// Continuity is 1 - ||traits - anchor||2 / sqrt(n) over the anchor's
// traits, all of which lie in [0,1], so the result is in [0,1].
func Continuity(traits, anchor map[string]float64) float64 {
	if len(anchor) == 0 {
		return 1
	}
	var sum float64
	for k, a := range anchor {
		d := traits[k] - a
		sum += d * d
	}
	return 1 - math.Sqrt(sum)/math.Sqrt(float64(len(anchor)))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Persona is the live state for one agent.
type Persona struct {
	mu      sync.Mutex
	agentID string
	anchor  map[string]float64
	cfg     config.PersonaConfig
	db      *persistence.Store
	bus     *bus.Bus
	now     func() time.Time
	current Snapshot
}

// Load returns the agent's persona, writing version 1 at the anchor when
// none exists yet.
func Load(ctx context.Context, db *persistence.Store, eventBus *bus.Bus, agentID string, anchor map[string]float64, cfg config.PersonaConfig) (*Persona, error) {
	p := &Persona{
		agentID: agentID,
		anchor:  copyMap(anchor),
		cfg:     cfg,
		db:      db,
		bus:     eventBus,
		now:     time.Now,
	}
	latest, err := db.LatestPersona(ctx, agentID)
	if err == nil {
		p.current = fromRow(*latest)
		return p, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}
	first := Snapshot{
		AgentID:    agentID,
		Version:    1,
		Traits:     copyMap(anchor),
		Style:      DefaultStyle(),
		Modality:   DefaultModality(),
		Continuity: 1,
		Damping:    1,
		Diff:       map[string]float64{},
		Reason:     "onboard",
		CreatedAt:  p.now(),
	}
	if err := p.append(ctx, first); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Persona) append(ctx context.Context, s Snapshot) error {
	if err := p.db.InsertPersonaSnapshot(ctx, s.row()); err != nil {
		return err
	}
	p.current = s
	p.bus.Publish(bus.TopicPersonaUpdated, bus.PersonaUpdatedEvent{
		AgentID: p.agentID, Version: s.Version, Continuity: s.Continuity, Damping: s.Damping,
	})
	return nil
}

// Current returns a copy of the latest snapshot.
func (p *Persona) Current() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.current
	s.Traits = copyMap(s.Traits)
	s.Style = copyMap(s.Style)
	s.Modality = copyMap(s.Modality)
	s.Diff = copyMap(s.Diff)
	return s
}

// Trait returns the current value of one trait.
func (p *Persona) Trait(name string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.Traits[name]
}

func (p *Persona) floor() float64 {
	if p.cfg.ContinuityFloor <= 0 {
		return 0.8
	}
	return p.cfg.ContinuityFloor
}

func apply(base, delta map[string]float64, scale float64) map[string]float64 {
	out := copyMap(base)
	for k, d := range delta {
		out[k] = clamp01(out[k] + scale*d)
	}
	return out
}

// Propose applies delta scaled by the learning rate. When the full step
// would breach the continuity floor it is damped by the largest factor in
// (0,1] that keeps continuity at or above the floor; if that factor is
// below the minimum damping the update is rejected and nothing changes.
func (p *Persona) Propose(ctx context.Context, delta Delta, reason string) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lr := p.cfg.LearningRate
	if lr <= 0 {
		lr = 0.05
	}
	floor := p.floor()
	cur := p.current

	feasible := func(alpha float64) bool {
		return Continuity(apply(cur.Traits, delta.Traits, alpha*lr), p.anchor) >= floor
	}
	alpha := 1.0
	if !feasible(1) {
		lo, hi := 0.0, 1.0
		for i := 0; i < 30; i++ {
			mid := (lo + hi) / 2
			if feasible(mid) {
				lo = mid
			} else {
				hi = mid
			}
		}
		alpha = lo
		if alpha < p.cfg.MinDamping || alpha == 0 {
			return cur, fmt.Errorf("%w: damping %.3f below minimum %.3f", ErrContinuityBreach, alpha, p.cfg.MinDamping)
		}
	}

	traits := apply(cur.Traits, delta.Traits, alpha*lr)
	next := Snapshot{
		AgentID:    p.agentID,
		Version:    cur.Version + 1,
		Traits:     traits,
		Style:      apply(cur.Style, delta.Style, alpha*lr),
		Modality:   apply(cur.Modality, delta.Modality, alpha*lr),
		Continuity: Continuity(traits, p.anchor),
		Damping:    alpha,
		Diff:       diff(cur.Traits, traits),
		Reason:     reason,
		CreatedAt:  p.now(),
	}
	if err := p.append(ctx, next); err != nil {
		return cur, err
	}
	return next, nil
}

func diff(before, after map[string]float64) map[string]float64 {
	out := make(map[string]float64)
	keys := make([]string, 0, len(after))
	for k := range after {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if d := after[k] - before[k]; d != 0 {
			out[k] = d
		}
	}
	return out
}

// Feedback maps a task outcome to a trait delta and proposes it. Success
// reinforces conscientiousness and stability; failure raises curiosity.
func (p *Persona) Feedback(ctx context.Context, success bool, quality float64) (Snapshot, error) {
	quality = clamp01(quality)
	var d Delta
	if success {
		d.Traits = map[string]float64{
			TraitConscientiousness: quality,
			TraitStability:         quality / 2,
			TraitCuriosity:         -0.25,
		}
		d.Style = map[string]float64{"concise": 0.5}
	} else {
		d.Traits = map[string]float64{
			TraitCuriosity: 1,
			TraitStability: -0.5,
		}
		d.Style = map[string]float64{"exploratory": 0.5}
	}
	reason := "task.failure"
	if success {
		reason = "task.success"
	}
	return p.Propose(ctx, d, reason)
}

// Rollback appends a new snapshot equal to an earlier version. History is
// never rewritten.
func (p *Persona) Rollback(ctx context.Context, version int) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.db.ListPersonaSnapshots(ctx, p.agentID)
	if err != nil {
		return p.current, err
	}
	var target *Snapshot
	for _, r := range rows {
		if r.Version == version {
			s := fromRow(r)
			target = &s
			break
		}
	}
	if target == nil {
		return p.current, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	if c := Continuity(target.Traits, p.anchor); c < p.floor() {
		return p.current, fmt.Errorf("%w: v%d continuity %.3f", ErrContinuityBreach, version, c)
	}
	cur := p.current
	next := Snapshot{
		AgentID:    p.agentID,
		Version:    cur.Version + 1,
		Traits:     copyMap(target.Traits),
		Style:      copyMap(target.Style),
		Modality:   copyMap(target.Modality),
		Continuity: Continuity(target.Traits, p.anchor),
		Damping:    1,
		Diff:       diff(cur.Traits, target.Traits),
		Reason:     fmt.Sprintf("rollback to v%d", version),
		CreatedAt:  p.now(),
	}
	if err := p.append(ctx, next); err != nil {
		return cur, err
	}
	return next, nil
}

// History returns every snapshot in version order.
func (p *Persona) History(ctx context.Context) ([]Snapshot, error) {
	rows, err := p.db.ListPersonaSnapshots(ctx, p.agentID)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}
