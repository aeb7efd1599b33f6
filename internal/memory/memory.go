// Package memory is an agent's four-tier memory: an append-only episodic
// log, mutable semantic facts and procedures, and a periodically rewritten
// autobiographical summary. Records live in sqlite; an in-process chromem
// collection per agent serves the vector half of hybrid retrieval.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-hive/internal/config"
	"github.com/basket/go-hive/internal/persistence"
	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

type Tier string

const (
	Episodic         Tier = "episodic"
	Semantic         Tier = "semantic"
	Procedural       Tier = "procedural"
	Autobiographical Tier = "autobiographical"
)

func (t Tier) Valid() bool {
	switch t {
	case Episodic, Semantic, Procedural, Autobiographical:
		return true
	}
	return false
}

var (
	ErrMissingProvenance = errors.New("memory write without provenance")
	ErrInvalidTier       = errors.New("invalid memory tier")
	ErrEpisodicImmutable = errors.New("episodic records are append-only")
)

// Provenance names who wrote a record and why.
type Provenance struct {
	Writer string `json:"writer"`
	Source string `json:"source"`
	TaskID string `json:"task_id,omitempty"`
}

// Record is one memory entry.
type Record struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	Tier        Tier       `json:"tier"`
	Key         string     `json:"key"`
	Content     string     `json:"content"`
	Tags        []string   `json:"tags"`
	ContentHash string     `json:"content_hash"`
	DecayWeight float64    `json:"decay_weight"`
	Provenance  Provenance `json:"provenance"`
	Committed   bool       `json:"committed"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (r Record) row() persistence.MemoryRow {
	return persistence.MemoryRow{
		ID: r.ID, AgentID: r.AgentID, Tier: string(r.Tier), Key: r.Key, Content: r.Content,
		Tags: r.Tags, ContentHash: r.ContentHash, DecayWeight: r.DecayWeight,
		Writer: r.Provenance.Writer, Source: r.Provenance.Source, TaskID: r.Provenance.TaskID,
		Committed: r.Committed, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func fromRow(row persistence.MemoryRow) Record {
	return Record{
		ID: row.ID, AgentID: row.AgentID, Tier: Tier(row.Tier), Key: row.Key, Content: row.Content,
		Tags: row.Tags, ContentHash: row.ContentHash, DecayWeight: row.DecayWeight,
		Provenance: Provenance{Writer: row.Writer, Source: row.Source, TaskID: row.TaskID},
		Committed:  row.Committed, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
}

// ContentHash is the sha256 of the content, hex encoded.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// NormalizeTags lowercases, trims, dedups and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Store is one agent's memory. It is owned by that agent and is not meant
// to be shared; the mutex only guards the index against the agent's own
// background work.
type Store struct {
	agentID  string
	db       *persistence.Store
	cfg      config.MemoryConfig
	embedder Embedder
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	index *chromem.Collection
}

// Options tunes a Store. Zero values take defaults.
type Options struct {
	Embedder Embedder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Open loads agentID's records from db and builds the vector index.
func Open(ctx context.Context, db *persistence.Store, agentID string, cfg config.MemoryConfig, opts Options) (*Store, error) {
	if opts.Embedder == nil {
		opts.Embedder = NewHashEmbedder(cfg.Dimensions)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	col, err := chromem.NewDB().CreateCollection("agent_"+agentID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create memory index: %w", err)
	}
	s := &Store{
		agentID:  agentID,
		db:       db,
		cfg:      cfg,
		embedder: opts.Embedder,
		logger:   opts.Logger.With("agent_id", agentID),
		now:      opts.Now,
		index:    col,
	}
	rows, err := db.ListMemories(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := s.indexRecord(ctx, fromRow(row)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) AgentID() string { return s.agentID }

func embedText(r Record) string {
	return strings.Join(r.Tags, " ") + "\n" + r.Content
}

func (s *Store) indexRecord(ctx context.Context, r Record) error {
	emb, err := s.embedder.Embed(ctx, embedText(r))
	if err != nil {
		return fmt.Errorf("embed record %s: %w", r.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.index.AddDocument(ctx, chromem.Document{
		ID:        r.ID,
		Content:   r.Content,
		Embedding: emb,
		Metadata:  map[string]string{"tier": string(r.Tier), "key": r.Key},
	}); err != nil {
		return fmt.Errorf("index record %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) unindex(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Delete(ctx, nil, nil, ids...)
}

func (s *Store) prepare(r Record) (Record, error) {
	if !r.Tier.Valid() {
		return r, fmt.Errorf("%w: %q", ErrInvalidTier, r.Tier)
	}
	if strings.TrimSpace(r.Provenance.Writer) == "" {
		return r, ErrMissingProvenance
	}
	now := s.now()
	r.AgentID = s.agentID
	r.Tags = NormalizeTags(r.Tags)
	r.ContentHash = ContentHash(r.Content)
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.DecayWeight <= 0 {
		r.DecayWeight = 1.0
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return r, nil
}

// Append writes an episodic record. The key is content hash plus creation
// time, so an identical replay of the same event is ignored. It reports
// whether a new record was stored.
func (s *Store) Append(ctx context.Context, r Record) (Record, bool, error) {
	r.Tier = Episodic
	r.Committed = true
	r, err := s.prepare(r)
	if err != nil {
		return r, false, err
	}
	r.Key = r.ContentHash + "@" + strconv.FormatInt(r.CreatedAt.UnixNano(), 10)
	inserted, err := s.db.InsertMemory(ctx, r.row())
	if err != nil {
		return r, false, err
	}
	if !inserted {
		return r, false, nil
	}
	return r, true, s.indexRecord(ctx, r)
}

// Put writes a semantic, procedural or autobiographical record keyed by
// r.Key, replacing any earlier record with that key.
func (s *Store) Put(ctx context.Context, r Record) (Record, error) {
	if r.Tier == Episodic {
		return r, ErrEpisodicImmutable
	}
	if strings.TrimSpace(r.Key) == "" {
		return r, errors.New("memory key is required")
	}
	r, err := s.prepare(r)
	if err != nil {
		return r, err
	}
	row, err := s.db.UpsertMemory(ctx, r.row())
	if err != nil {
		return r, err
	}
	stored := fromRow(row)
	return stored, s.indexRecord(ctx, stored)
}

// List returns records in the given tiers (all if none), oldest first.
func (s *Store) List(ctx context.Context, tiers ...Tier) ([]Record, error) {
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = string(t)
	}
	rows, err := s.db.ListMemories(ctx, s.agentID, names...)
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(rows))
	for i, row := range rows {
		out[i] = fromRow(row)
	}
	return out, nil
}

// Get returns the record with key in tier.
func (s *Store) Get(ctx context.Context, tier Tier, key string) (Record, bool, error) {
	recs, err := s.List(ctx, tier)
	if err != nil {
		return Record{}, false, err
	}
	for _, r := range recs {
		if r.Key == key {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

// Stats counts records per tier.
func (s *Store) Stats(ctx context.Context) (map[Tier]int, error) {
	recs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := map[Tier]int{Episodic: 0, Semantic: 0, Procedural: 0, Autobiographical: 0}
	for _, r := range recs {
		out[r.Tier]++
	}
	return out, nil
}
