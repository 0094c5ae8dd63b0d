package prompt

import (
	"fmt"
	"strings"

	"github.com/agentkernel/agentkernel/internal/core"
)

// LTMReader is the slice of storage the assembler needs to read the
// identity/behavior entries. A narrow interface keeps this package
// testable without a real database.
type LTMReader interface {
	ReadLTM(slug string) (*core.LTMEntry, error)
}

// Assembler builds the single system-prompt string sent with every
// model call.
type Assembler struct {
	ltm            LTMReader
	temporalBudget int
}

// NewAssembler constructs an Assembler with the given recent-history
// token budget.
func NewAssembler(ltm LTMReader, temporalBudget int) *Assembler {
	if temporalBudget <= 0 {
		temporalBudget = 4000
	}
	return &Assembler{ltm: ltm, temporalBudget: temporalBudget}
}

// Build assembles the system prompt from (a) the identity/behavior LTM
// entries if present, (b) the bounded recent-history view, (c) the
// present state serialized as a tagged block.
func (a *Assembler) Build(messages []core.Message, summaries []core.Summary, present core.PresentState) (string, error) {
	var sb strings.Builder

	for _, slug := range []string{"identity", "behavior"} {
		entry, err := a.ltm.ReadLTM(slug)
		if err != nil {
			return "", fmt.Errorf("read ltm %q: %w", slug, err)
		}
		if entry != nil {
			sb.WriteString(entry.Body)
			sb.WriteString("\n\n")
		}
	}

	sb.WriteString(renderPresent(present))
	sb.WriteString("\n\n")

	_, rendering := BuildView(messages, summaries, a.temporalBudget)
	if rendering != "" {
		sb.WriteString("<recent-history>\n")
		sb.WriteString(rendering)
		sb.WriteString("</recent-history>\n")
	}

	return sb.String(), nil
}

func renderPresent(p core.PresentState) string {
	var sb strings.Builder
	sb.WriteString("<present-state>\n")
	if p.Mission != "" {
		sb.WriteString("mission: " + p.Mission + "\n")
	}
	if p.Status != "" {
		sb.WriteString("status: " + p.Status + "\n")
	}
	for _, t := range p.Tasks {
		line := fmt.Sprintf("task[%s] (%s): %s", t.ID, t.Status, t.Content)
		if t.BlockedReason != "" {
			line += " (blocked: " + t.BlockedReason + ")"
		}
		sb.WriteString(line + "\n")
	}
	sb.WriteString("</present-state>")
	return sb.String()
}
