package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

const textSchema = `{
	"type": "object",
	"properties": {"text": {"type": "string", "minLength": 1}},
	"required": ["text"],
	"additionalProperties": false
}`

type textArgs struct {
	Text string `json:"text"`
}

func decodeText(args json.RawMessage) (string, error) {
	var a textArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("decode args: %w", err)
	}
	return a.Text, nil
}

func textTool(name, desc string, fn func(string) string) Tool {
	return Tool{
		Name:        name,
		Description: desc,
		Schema:      json.RawMessage(textSchema),
		Call: func(ctx context.Context, args json.RawMessage) (string, error) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			text, err := decodeText(args)
			if err != nil {
				return "", err
			}
			return fn(text), nil
		},
	}
}

// Builtins returns the deterministic tools every swarm registers.
func Builtins() []Tool {
	return []Tool{
		textTool("echo", "Return the input text unchanged", func(s string) string { return s }),
		textTool("summarize", "Return the leading sentences of the text", Summarize),
		textTool("classify", "Label the text with its dominant category", Classify),
		textTool("extract_keywords", "List the most frequent content words", func(s string) string {
			return strings.Join(Keywords(s, 5), ",")
		}),
	}
}

// RegisterBuiltins adds Builtins to r.
func RegisterBuiltins(r *Registry) error {
	for _, t := range Builtins() {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Summarize keeps the first two sentences, capped at 280 characters.
func Summarize(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	var out strings.Builder
	sentences := 0
	for _, r := range text {
		out.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			sentences++
			if sentences == 2 {
				break
			}
		}
	}
	s := strings.TrimSpace(out.String())
	if len(s) > 280 {
		s = strings.TrimSpace(s[:280]) + "..."
	}
	return s
}

var categories = map[string][]string{
	"research": {"find", "search", "study", "research", "survey", "investigate", "compare", "source"},
	"build":    {"build", "implement", "assemble", "write", "code", "create", "fix", "deploy"},
	"plan":     {"plan", "schedule", "coordinate", "review", "brief", "decide", "prioritize", "assign"},
}

// Classify returns the category whose cue words occur most often, or
// "general". Ties resolve alphabetically.
func Classify(text string) string {
	counts := make(map[string]int)
	for _, w := range words(text) {
		for cat, cues := range categories {
			for _, cue := range cues {
				if strings.HasPrefix(w, cue) {
					counts[cat]++
				}
			}
		}
	}
	best, bestN := "general", 0
	cats := make([]string, 0, len(categories))
	for c := range categories {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		if counts[c] > bestN {
			best, bestN = c, counts[c]
		}
	}
	return best
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {}, "from": {}, "into": {},
	"are": {}, "was": {}, "were": {}, "has": {}, "have": {}, "had": {}, "but": {}, "not": {},
	"you": {}, "your": {}, "our": {}, "its": {}, "their": {}, "then": {}, "than": {}, "them": {},
	"will": {}, "would": {}, "can": {}, "could": {}, "should": {}, "about": {}, "over": {},
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
}

// Keywords returns up to n content words by descending frequency, ties
// broken alphabetically.
func Keywords(text string, n int) []string {
	freq := make(map[string]int)
	for _, w := range words(text) {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		freq[w]++
	}
	out := make([]string, 0, len(freq))
	for w := range freq {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if freq[out[i]] != freq[out[j]] {
			return freq[out[i]] > freq[out[j]]
		}
		return out[i] < out[j]
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
