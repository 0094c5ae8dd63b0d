// Package prompt builds the system prompt the agent loop sends to the
// model, and exposes the same bounded temporal view to the compaction
// agent so the two never drift (see the spec's "cyclic memory view"
// design note).
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentkernel/agentkernel/internal/core"
)

// maxRenderedChars is the per-message truncation length before an
// ellipsis is appended.
const maxRenderedChars = 500

// Entry is one item of the merged temporal timeline: either a raw
// message or an active (non-subsumed) summary.
type Entry struct {
	Message *core.Message
	Summary *core.Summary
}

func (e Entry) id() string {
	if e.Summary != nil {
		return e.Summary.EndID
	}
	return e.Message.ID
}

func (e Entry) tokens() int {
	if e.Summary != nil {
		return e.Summary.Tokens
	}
	return e.Message.Tokens
}

// activeSummaries returns the maximal non-overlapping set of
// highest-order summaries: a summary is dropped if another summary's
// range subsumes it. Mirrors storage.activeSummaries exactly so the
// prompt assembler and the compaction agent agree on what "covered"
// means.
func activeSummaries(summaries []core.Summary) []core.Summary {
	var active []core.Summary
	for i, cand := range summaries {
		subsumed := false
		for j, other := range summaries {
			if i == j {
				continue
			}
			inside := core.SortKey(other.StartID) <= core.SortKey(cand.StartID) && core.SortKey(cand.EndID) <= core.SortKey(other.EndID)
			wider := core.SortKey(other.StartID) < core.SortKey(cand.StartID) || core.SortKey(other.EndID) > core.SortKey(cand.EndID)
			if inside && (other.Order > cand.Order || (other.Order == cand.Order && other.ID != cand.ID && wider)) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			active = append(active, cand)
		}
	}
	return active
}

// BuildView merges raw messages not covered by any active summary with
// the active summaries themselves into one chronological timeline, then
// selects a chronologically-ordered tail: walk backward from the newest
// entry accumulating token estimates while the running total stays
// within budget, then reverse once. Returns the selected entries and
// their rendered text.
func BuildView(messages []core.Message, summaries []core.Summary, budget int) ([]Entry, string) {
	active := activeSummaries(summaries)
	covered := func(id string) bool {
		key := core.SortKey(id)
		for _, sum := range active {
			if core.SortKey(sum.StartID) <= key && key <= core.SortKey(sum.EndID) {
				return true
			}
		}
		return false
	}

	var timeline []Entry
	for i := range messages {
		m := messages[i]
		if !covered(m.ID) {
			timeline = append(timeline, Entry{Message: &m})
		}
	}
	for i := range active {
		s := active[i]
		timeline = append(timeline, Entry{Summary: &s})
	}
	sort.SliceStable(timeline, func(i, j int) bool { return core.SortKey(timeline[i].id()) < core.SortKey(timeline[j].id()) })

	var selectedReverse []Entry
	total := 0
	for i := len(timeline) - 1; i >= 0; i-- {
		entry := timeline[i]
		cost := entry.tokens()
		if total+cost > budget && len(selectedReverse) > 0 {
			break
		}
		selectedReverse = append(selectedReverse, entry)
		total += cost
	}
	selected := make([]Entry, len(selectedReverse))
	for i, e := range selectedReverse {
		selected[len(selectedReverse)-1-i] = e
	}

	return selected, render(selected)
}

// render formats the selected entries with the id markers the
// compaction agent parses: "[id:xxx]" on raw messages, "[summary
// from:xxx to:yyy]" on summaries.
func render(entries []Entry) string {
	var sb strings.Builder
	for _, e := range entries {
		if e.Summary != nil {
			sb.WriteString(fmt.Sprintf("[summary from:%s to:%s] (order %d) %s\n", e.Summary.StartID, e.Summary.EndID, e.Summary.Order, truncate(e.Summary.Narrative)))
			continue
		}
		m := e.Message
		sb.WriteString(fmt.Sprintf("[id:%s] %s: %s\n", m.ID, string(m.Kind), truncate(m.Content)))
	}
	return sb.String()
}

func truncate(s string) string {
	if len(s) <= maxRenderedChars {
		return s
	}
	return s[:maxRenderedChars] + "..."
}
