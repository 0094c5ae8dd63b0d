package prompt

import (
	"strings"
	"testing"

	"github.com/agentkernel/agentkernel/internal/core"
	"github.com/agentkernel/agentkernel/internal/ids"
)

func TestBuildViewBudgetAndOrder(t *testing.T) {
	idSvc := ids.NewService()
	var msgs []core.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, core.Message{ID: idSvc.New("message"), Kind: core.KindUser, Content: "hello world", Tokens: 10})
	}

	entries, rendering := BuildView(msgs, nil, 25)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries within a 25 token budget, got %d", len(entries))
	}
	for i := 0; i < len(entries)-1; i++ {
		if core.SortKey(entries[i].id()) > core.SortKey(entries[i+1].id()) {
			t.Fatalf("entries must be in chronological order")
		}
	}
	if !strings.Contains(rendering, "[id:"+msgs[len(msgs)-1].ID+"]") {
		t.Fatalf("expected most recent message id marker in rendering, got %q", rendering)
	}
}

func TestBuildViewSkipsSubsumedMessages(t *testing.T) {
	idSvc := ids.NewService()
	var msgs []core.Message
	for i := 0; i < 3; i++ {
		msgs = append(msgs, core.Message{ID: idSvc.New("message"), Kind: core.KindUser, Content: "x", Tokens: 5})
	}
	sum := core.Summary{ID: idSvc.New("summary"), Order: 1, StartID: msgs[0].ID, EndID: msgs[1].ID, Narrative: "covers two", Tokens: 3}

	entries, rendering := BuildView(msgs, []core.Summary{sum}, 1000)
	if len(entries) != 2 {
		t.Fatalf("expected summary + one uncovered message, got %d entries", len(entries))
	}
	if entries[0].Summary == nil {
		t.Fatalf("expected summary first in chronological order, got %+v", entries[0])
	}
	if !strings.Contains(rendering, "[summary from:") {
		t.Fatalf("expected summary marker in rendering, got %q", rendering)
	}
}
