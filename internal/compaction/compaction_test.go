package compaction

import (
	"context"
	"fmt"
	"testing"

	"github.com/agentkernel/agentkernel/internal/agent"
	"github.com/agentkernel/agentkernel/internal/core"
	"github.com/agentkernel/agentkernel/internal/ids"
)

type fakeStore struct {
	messages  []core.Message
	summaries []core.Summary
	workers   []core.Worker
}

func (s *fakeStore) GetMessages() ([]core.Message, error)  { return s.messages, nil }
func (s *fakeStore) GetSummaries() ([]core.Summary, error) { return s.summaries, nil }
func (s *fakeStore) GetPresent() (core.PresentState, error) {
	return core.PresentState{Tasks: []core.Task{}}, nil
}

func (s *fakeStore) EstimateUncompactedTokens() (int, error) {
	covered := func(id string) bool {
		for _, sum := range s.summaries {
			if core.SortKey(sum.StartID) <= core.SortKey(id) && core.SortKey(id) <= core.SortKey(sum.EndID) {
				return true
			}
		}
		return false
	}
	total := 0
	for _, sum := range s.summaries {
		total += sum.Tokens
	}
	for _, m := range s.messages {
		if !covered(m.ID) {
			total += m.Tokens
		}
	}
	return total, nil
}

func (s *fakeStore) ValidSummaryIDs() (map[string]bool, error) {
	valid := map[string]bool{}
	for _, m := range s.messages {
		valid[m.ID] = true
	}
	for _, sum := range s.summaries {
		valid[sum.StartID] = true
		valid[sum.EndID] = true
	}
	return valid, nil
}

func (s *fakeStore) SubsumedOrder(startID, endID string) (int, error) {
	max := 0
	for _, sum := range s.summaries {
		inside := core.SortKey(startID) <= core.SortKey(sum.StartID) && core.SortKey(sum.EndID) <= core.SortKey(endID)
		if inside && sum.Order > max {
			max = sum.Order
		}
	}
	return max + 1, nil
}

func (s *fakeStore) CreateSummary(sum core.Summary) error {
	s.summaries = append(s.summaries, sum)
	return nil
}

func (s *fakeStore) CreateWorker(w core.Worker) error {
	s.workers = append(s.workers, w)
	return nil
}
func (s *fakeStore) CompleteWorker(id string) error { return nil }
func (s *fakeStore) FailWorker(id string, cause error) error { return nil }

type fakePrompt struct{}

func (fakePrompt) Build(messages []core.Message, summaries []core.Summary, present core.PresentState) (string, error) {
	return "system", nil
}

type scriptedProvider struct {
	calls     int
	responses []agent.CompletionResult
}

func (p *scriptedProvider) Complete(_ context.Context, _ agent.CompletionRequest) (agent.CompletionResult, error) {
	if p.calls >= len(p.responses) {
		return agent.CompletionResult{}, nil
	}
	res := p.responses[p.calls]
	p.calls++
	return res, nil
}

func newMessages(idSvc *ids.Service, n int, tokensEach int) []core.Message {
	var msgs []core.Message
	for i := 0; i < n; i++ {
		msgs = append(msgs, core.Message{ID: idSvc.New("message"), Kind: core.KindUser, Content: "x", Tokens: tokensEach})
	}
	return msgs
}

func TestRunNoOpBelowThreshold(t *testing.T) {
	idSvc := ids.NewService()
	store := &fakeStore{messages: newMessages(idSvc, 3, 10)}
	opts := Options{Store: store, Provider: &scriptedProvider{}, Prompt: fakePrompt{}, IDNew: idSvc.New, Threshold: 1000}

	result, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Ran {
		t.Fatal("expected no-op run below threshold")
	}
	if len(store.workers) != 0 {
		t.Fatal("expected no worker row created for a no-op run")
	}
}

func TestRunCreatesSummaryAndFinishes(t *testing.T) {
	idSvc := ids.NewService()
	msgs := newMessages(idSvc, 4, 50)
	store := &fakeStore{messages: msgs}

	createArgs := fmt.Sprintf(`{"startId":%q,"endId":%q,"narrative":"covers early turns","keyObservations":["a"]}`, msgs[0].ID, msgs[1].ID)
	provider := &scriptedProvider{responses: []agent.CompletionResult{
		{ToolCalls: []agent.ToolCall{{ID: "t1", Name: "create_summary", Input: []byte(createArgs)}}},
		{ToolCalls: []agent.ToolCall{{ID: "t2", Name: "finish_compaction", Input: []byte(`{"reason":"under target"}`)}}},
	}}

	opts := Options{Store: store, Provider: provider, Prompt: fakePrompt{}, IDNew: idSvc.New, Threshold: 100, Target: 50}

	result, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !result.Ran {
		t.Fatal("expected compaction to run")
	}
	if !result.Finished {
		t.Fatal("expected finish_compaction to end the loop")
	}
	if len(store.summaries) != 1 {
		t.Fatalf("expected one summary created, got %d", len(store.summaries))
	}
	if len(store.workers) != 1 || store.workers[0].ID == "" {
		t.Fatalf("expected a tracked worker row, got %+v", store.workers)
	}
}

func TestRunRejectsInvalidRange(t *testing.T) {
	idSvc := ids.NewService()
	msgs := newMessages(idSvc, 2, 50)
	store := &fakeStore{messages: msgs}

	badArgs := fmt.Sprintf(`{"startId":%q,"endId":"message_does_not_exist","narrative":"bad"}`, msgs[0].ID)
	provider := &scriptedProvider{responses: []agent.CompletionResult{
		{ToolCalls: []agent.ToolCall{{ID: "t1", Name: "create_summary", Input: []byte(badArgs)}}},
		{ToolCalls: []agent.ToolCall{{ID: "t2", Name: "finish_compaction", Input: []byte(`{"reason":"gave up"}`)}}},
	}}

	opts := Options{Store: store, Provider: provider, Prompt: fakePrompt{}, IDNew: idSvc.New, Threshold: 10, Target: 5}

	_, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(store.summaries) != 0 {
		t.Fatalf("expected invalid-id summary to be rejected, got %d summaries", len(store.summaries))
	}
}
