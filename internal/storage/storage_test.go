package storage

import (
	"testing"
	"time"

	"github.com/agentkernel/agentkernel/internal/core"
	"github.com/agentkernel/agentkernel/internal/ids"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", ids.NewService(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndGetMessages(t *testing.T) {
	s := newTestStore(t)
	idSvc := ids.NewService()

	m1 := core.Message{ID: idSvc.New("message"), Kind: core.KindUser, Content: "hello", Tokens: 1, CreatedAt: time.Now()}
	m2 := core.Message{ID: idSvc.New("message"), Kind: core.KindAssistant, Content: "world", Tokens: 1, CreatedAt: time.Now()}

	if err := s.AppendMessage(m1); err != nil {
		t.Fatalf("append m1: %v", err)
	}
	if err := s.AppendMessage(m2); err != nil {
		t.Fatalf("append m2: %v", err)
	}

	got, err := s.GetMessages()
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(got) != 2 || got[0].ID != m1.ID || got[1].ID != m2.ID {
		t.Fatalf("expected ascending [m1,m2], got %+v", got)
	}
}

func TestEstimateUncompactedTokensCoversActiveSummaryOnly(t *testing.T) {
	s := newTestStore(t)
	idSvc := ids.NewService()

	var msgIDs []string
	for i := 0; i < 4; i++ {
		id := idSvc.New("message")
		msgIDs = append(msgIDs, id)
		if err := s.AppendMessage(core.Message{ID: id, Kind: core.KindUser, Content: "x", Tokens: 10}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	before, err := s.EstimateUncompactedTokens()
	if err != nil {
		t.Fatalf("estimate before: %v", err)
	}
	if before != 40 {
		t.Fatalf("expected 40 tokens before compaction, got %d", before)
	}

	sum := core.Summary{ID: idSvc.New("summary"), Order: 1, StartID: msgIDs[0], EndID: msgIDs[1], Narrative: "n", Tokens: 5}
	if err := s.CreateSummary(sum); err != nil {
		t.Fatalf("create summary: %v", err)
	}

	after, err := s.EstimateUncompactedTokens()
	if err != nil {
		t.Fatalf("estimate after: %v", err)
	}
	// summary (5) + two uncovered messages (10+10)
	if after != 25 {
		t.Fatalf("expected 25 tokens after compaction, got %d", after)
	}
	if after > before {
		t.Fatalf("compaction must never increase tokens: before=%d after=%d", before, after)
	}
}

func TestPresentStateDefaultsAndOverwrite(t *testing.T) {
	s := newTestStore(t)

	initial, err := s.GetPresent()
	if err != nil {
		t.Fatalf("get present: %v", err)
	}
	if initial.Mission != "" || initial.Status != "" || len(initial.Tasks) != 0 {
		t.Fatalf("expected empty defaults, got %+v", initial)
	}

	if err := s.SetMission("ship it"); err != nil {
		t.Fatalf("set mission: %v", err)
	}
	if err := s.SetTasks([]core.Task{{ID: "t1", Content: "do thing", Status: core.TaskPending}}); err != nil {
		t.Fatalf("set tasks: %v", err)
	}

	got, err := s.GetPresent()
	if err != nil {
		t.Fatalf("get present after writes: %v", err)
	}
	if got.Mission != "ship it" || len(got.Tasks) != 1 {
		t.Fatalf("unexpected present state after writes: %+v", got)
	}
}

func TestLTMCreatePathDerivation(t *testing.T) {
	s := newTestStore(t)

	root, err := s.CreateLTM("project", "", "Project", "body", nil, nil, core.AuthorMain)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	if root.Path != "/project" {
		t.Fatalf("expected root path /project, got %q", root.Path)
	}

	child, err := s.CreateLTM("notes", "project", "Notes", "body", nil, nil, core.AuthorMain)
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if child.Path != "/project/notes" {
		t.Fatalf("expected child path /project/notes, got %q", child.Path)
	}

	if _, err := s.CreateLTM("project", "", "dup", "body", nil, nil, core.AuthorMain); err == nil {
		t.Fatalf("expected duplicate slug to be rejected")
	}
}

func TestLTMCASConflict(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateLTM("x", "", "X", "v1", nil, nil, core.AuthorMain); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := s.UpdateLTM("x", "v2", 1, core.AuthorMain)
	if err != nil {
		t.Fatalf("first writer should succeed: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}

	_, err = s.UpdateLTM("x", "v3", 1, core.AuthorMain)
	if err == nil {
		t.Fatalf("expected second writer with stale version to fail")
	}
	coreErr, ok := core.AsCoreError(err)
	if !ok || coreErr.Kind != core.KindConflict {
		t.Fatalf("expected Conflict error, got %v", err)
	}
	if coreErr.Expected != 1 || coreErr.Actual != 2 {
		t.Fatalf("expected Conflict{1,2}, got {%d,%d}", coreErr.Expected, coreErr.Actual)
	}

	current, err := s.ReadLTM("x")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if current.Version != 2 || current.Body != "v2" {
		t.Fatalf("row must remain at version 2 with body v2, got %+v", current)
	}
}

func TestArchivedEntriesHiddenFromReads(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateLTM("parent", "", "Parent", "b", nil, nil, core.AuthorMain); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if _, err := s.CreateLTM("child", "parent", "Child", "hidden gem", nil, nil, core.AuthorMain); err != nil {
		t.Fatalf("create child: %v", err)
	}
	if _, err := s.ArchiveLTM("child", 1); err != nil {
		t.Fatalf("archive: %v", err)
	}

	if e, err := s.ReadLTM("child"); err != nil || e != nil {
		t.Fatalf("expected archived entry hidden from read, got %+v err=%v", e, err)
	}
	children, err := s.GetChildrenLTM("parent")
	if err != nil {
		t.Fatalf("get children: %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("expected archived child excluded from getChildren, got %+v", children)
	}
	results, err := s.SearchLTM("hidden", "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected archived child excluded from search, got %+v", results)
	}
}

func TestSearchLTMScoring(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateLTM("a", "", "banana bread", "about fruit", nil, nil, core.AuthorMain); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := s.CreateLTM("b", "", "recipe index", "banana smoothie", nil, nil, core.AuthorMain); err != nil {
		t.Fatalf("create b: %v", err)
	}

	results, err := s.SearchLTM("banana", "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(results))
	}
	if results[0].Entry.Slug != "a" || results[0].Score != 2 {
		t.Fatalf("expected title match (slug a, score 2) ranked first, got %+v", results[0])
	}
	if results[1].Entry.Slug != "b" || results[1].Score != 1 {
		t.Fatalf("expected body-only match (slug b, score 1) ranked second, got %+v", results[1])
	}
}

func TestWorkerLifecycle(t *testing.T) {
	s := newTestStore(t)
	idSvc := ids.NewService()
	id := idSvc.New("worker")

	if err := s.CreateWorker(core.Worker{ID: id, Type: core.WorkerTemporalCompact}); err != nil {
		t.Fatalf("create worker: %v", err)
	}
	w, err := s.GetWorker(id)
	if err != nil || w == nil || w.Status != core.WorkerRunning {
		t.Fatalf("expected running worker, got %+v err=%v", w, err)
	}

	if err := s.CompleteWorker(id); err != nil {
		t.Fatalf("complete worker: %v", err)
	}
	w, err = s.GetWorker(id)
	if err != nil || w.Status != core.WorkerCompleted {
		t.Fatalf("expected completed worker, got %+v err=%v", w, err)
	}
}
