package memory

import (
	"fmt"
	"sort"
	"strings"
)

// SummaryBlock formats weighted key/value lines into the autobiographical
// summary. Lines below the relevance floor are dropped.
type SummaryBlock struct {
	lines []summaryLine
}

type summaryLine struct {
	Key       string
	Value     string
	Relevance float64
}

const summaryRelevanceFloor = 0.1

func NewSummaryBlock() *SummaryBlock { return &SummaryBlock{} }

func (b *SummaryBlock) Add(key, value string, relevance float64) {
	if relevance < summaryRelevanceFloor || value == "" {
		return
	}
	b.lines = append(b.lines, summaryLine{Key: key, Value: value, Relevance: relevance})
}

// Format renders the block, most relevant lines first. An empty block
// renders as the empty string.
//
//	<self>
//	episodes: 12
//	acceptance_rate: 0.75
//	</self>
func (b *SummaryBlock) Format() string {
	if len(b.lines) == 0 {
		return ""
	}
	lines := append([]summaryLine(nil), b.lines...)
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Relevance > lines[j].Relevance })
	var sb strings.Builder
	sb.WriteString("<self>\n")
	for _, l := range lines {
		sb.WriteString(fmt.Sprintf("%s: %s\n", l.Key, l.Value))
	}
	sb.WriteString("</self>")
	return sb.String()
}
