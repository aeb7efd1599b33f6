// Package governance holds the swarm's external authorities: the versioned
// constitution consulted by the kernel and the market, and the identity
// keyring that signs and verifies principals.
package governance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/basket/go-hive/internal/shared"
	"github.com/dgraph-io/ristretto"
	"gopkg.in/yaml.v3"
)

// ErrUnknownRuleHash is returned by ByHash for a hash never loaded.
var ErrUnknownRuleHash = errors.New("unknown constitution hash")

// RuleSet is the compiled view of the constitution for one archetype.
type RuleSet struct {
	Version         int      `json:"version"`
	Hash            string   `json:"hash"`
	Archetype       string   `json:"archetype"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	ForbiddenTags   []string `json:"forbidden_tags,omitempty"`
	RequireEvidence bool     `json:"require_evidence"`
	MinQuality      float64  `json:"min_quality"`
}

// AllowsTool reports whether name is permitted. An empty allow list defers
// to the archetype's own tool list.
func (r RuleSet) AllowsTool(name string) bool {
	if len(r.AllowedTools) == 0 {
		return true
	}
	name = strings.ToLower(strings.TrimSpace(name))
	for _, t := range r.AllowedTools {
		if t == "*" || t == name {
			return true
		}
	}
	return false
}

// ForbiddenTag returns the first of tags the rule set forbids.
func (r RuleSet) ForbiddenTag(tags []string) (string, bool) {
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		for _, f := range r.ForbiddenTags {
			if tag == f {
				return tag, true
			}
		}
	}
	return "", false
}

// Work is what the critic submits for judgement.
type Work struct {
	Tags      []string
	ToolsUsed []string
	Evidence  []string
	Quality   float64
	// Fabricated marks evidence references that did not come from a tool call.
	Fabricated []string
	// Artifact is scanned for leaked secrets.
	Artifact string
}

// Judge checks work against the rule set. Every breach is listed; a non-nil
// error wraps shared.ErrConstitutionViolation.
func (r RuleSet) Judge(w Work) ([]string, error) {
	var violations []string
	if tag, bad := r.ForbiddenTag(w.Tags); bad {
		violations = append(violations, "forbidden tag: "+tag)
	}
	for _, tool := range w.ToolsUsed {
		if !r.AllowsTool(tool) {
			violations = append(violations, "tool outside archetype scope: "+tool)
		}
	}
	if r.RequireEvidence && len(w.Evidence) == 0 {
		violations = append(violations, "missing evidence")
	}
	for _, ref := range w.Fabricated {
		violations = append(violations, "fabricated evidence: "+ref)
	}
	seen := map[string]bool{}
	for _, leak := range ScanLeaks(w.Artifact) {
		if !seen[leak.Kind] {
			seen[leak.Kind] = true
			violations = append(violations, "leaked secret: "+leak.Kind)
		}
	}
	if len(violations) == 0 {
		return nil, nil
	}
	return violations, fmt.Errorf("%w: %s", shared.ErrConstitutionViolation, strings.Join(violations, "; "))
}

// Constitution is the read-only rule store.
type Constitution interface {
	Rules(ctx context.Context, archetype string) (RuleSet, error)
	ByHash(hash, archetype string) (RuleSet, error)
	Version() int
	Hash() string
}

// RuleDoc is one rule block in constitution.yaml.
type RuleDoc struct {
	AllowedTools    []string `yaml:"allowed_tools,omitempty"`
	ForbiddenTags   []string `yaml:"forbidden_tags,omitempty"`
	RequireEvidence *bool    `yaml:"require_evidence,omitempty"`
	MinQuality      *float64 `yaml:"min_quality,omitempty"`
}

// Document is the parsed constitution.yaml. Archetype blocks override the
// default block field by field.
type Document struct {
	Default    RuleDoc            `yaml:"default"`
	Archetypes map[string]RuleDoc `yaml:"archetypes,omitempty"`
}

// DefaultDocument is used when no constitution file exists.
func DefaultDocument() Document {
	requireEvidence := true
	minQuality := 0.5
	return Document{
		Default: RuleDoc{
			ForbiddenTags:   []string{"exfiltrate", "impersonate", "self-modify"},
			RequireEvidence: &requireEvidence,
			MinQuality:      &minQuality,
		},
	}
}

func (d Document) compile(archetype string, version int, hash string) RuleSet {
	rs := RuleSet{Version: version, Hash: hash, Archetype: archetype}
	apply := func(doc RuleDoc) {
		if doc.AllowedTools != nil {
			rs.AllowedTools = normalizeList(doc.AllowedTools)
		}
		if doc.ForbiddenTags != nil {
			rs.ForbiddenTags = normalizeList(doc.ForbiddenTags)
		}
		if doc.RequireEvidence != nil {
			rs.RequireEvidence = *doc.RequireEvidence
		}
		if doc.MinQuality != nil {
			rs.MinQuality = *doc.MinQuality
		}
	}
	apply(d.Default)
	if doc, ok := d.Archetypes[archetype]; ok {
		apply(doc)
	}
	return rs
}

func (d Document) validate() error {
	check := func(where string, doc RuleDoc) error {
		if doc.MinQuality != nil && (*doc.MinQuality < 0 || *doc.MinQuality > 1) {
			return fmt.Errorf("%s: min_quality must be in [0,1]", where)
		}
		return nil
	}
	if err := check("default", d.Default); err != nil {
		return err
	}
	for name, doc := range d.Archetypes {
		if err := check(name, doc); err != nil {
			return err
		}
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// hashDocument hashes the canonical YAML encoding so formatting changes in
// the source file do not change the hash.
func hashDocument(d Document) (string, error) {
	canon, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("canonicalize constitution: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// FileConstitution serves rule sets from constitution.yaml. Compiled rule
// sets are cached per (archetype, hash); every version ever loaded stays
// addressable by hash.
type FileConstitution struct {
	mu      sync.RWMutex
	path    string
	doc     Document
	version int
	hash    string
	history map[string]Document
	cache   *ristretto.Cache
}

// LoadConstitution reads path. A missing file yields the default document.
func LoadConstitution(path string) (*FileConstitution, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1000,
		MaxCost:     100,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create rule cache: %w", err)
	}
	c := &FileConstitution{path: path, history: make(map[string]Document), cache: cache}
	if err := c.Reload(); err != nil {
		cache.Close()
		return nil, err
	}
	return c, nil
}

func readDocument(path string) (Document, error) {
	if path == "" {
		return DefaultDocument(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultDocument(), nil
		}
		return Document{}, fmt.Errorf("read constitution: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return DefaultDocument(), nil
	}
	var d Document
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Document{}, fmt.Errorf("parse constitution: %w", err)
	}
	if err := d.validate(); err != nil {
		return Document{}, err
	}
	return d, nil
}

// Reload re-reads the file. On any error the active version stays in force.
// The version only advances when the content hash changes.
func (c *FileConstitution) Reload() error {
	doc, err := readDocument(c.path)
	if err != nil {
		return err
	}
	hash, err := hashDocument(doc)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if hash == c.hash {
		return nil
	}
	c.doc = doc
	c.hash = hash
	c.version++
	c.history[hash] = doc
	c.cache.Clear()
	return nil
}

// Rules returns the compiled rule set for archetype at the current version.
func (c *FileConstitution) Rules(ctx context.Context, archetype string) (RuleSet, error) {
	if err := ctx.Err(); err != nil {
		return RuleSet{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	key := archetype + "@" + c.hash
	if v, ok := c.cache.Get(key); ok {
		return v.(RuleSet), nil
	}
	rs := c.doc.compile(archetype, c.version, c.hash)
	c.cache.Set(key, rs, 1)
	return rs, nil
}

// ByHash compiles the rule set of a past version. The version field is 0
// for hashes other than the current one.
func (c *FileConstitution) ByHash(hash, archetype string) (RuleSet, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.history[hash]
	if !ok {
		return RuleSet{}, fmt.Errorf("%w: %s", ErrUnknownRuleHash, hash)
	}
	version := 0
	if hash == c.hash {
		version = c.version
	}
	return doc.compile(archetype, version, hash), nil
}

func (c *FileConstitution) Version() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *FileConstitution) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hash
}

// Close releases the rule cache.
func (c *FileConstitution) Close() {
	c.cache.Close()
}
