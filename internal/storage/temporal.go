package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentkernel/agentkernel/internal/core"
	"github.com/agentkernel/agentkernel/internal/tokens"
)

// AppendMessage inserts msg, which must already carry an externally
// minted id. A zero Tokens field is filled with tokens.Estimate of the
// content. The insert is the only write temporal messages ever
// receive.
func (s *Store) AppendMessage(msg core.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Tokens == 0 {
		msg.Tokens = tokens.Estimate(msg.Content)
	}
	_, err := s.db.Exec(
		`INSERT INTO temporal_messages (id, kind, content, tool_name, tool_use_id, is_error, tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, string(msg.Kind), msg.Content, nullableString(msg.ToolName), nullableString(msg.ToolUseID),
		boolToInt(msg.IsError), msg.Tokens, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// CreateSummary inserts sum, which must already carry an externally
// minted id and a validated [StartID,EndID] range. Summaries are
// immutable once written.
func (s *Store) CreateSummary(sum core.Summary) error {
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now()
	}
	observations, err := json.Marshal(sum.KeyObservations)
	if err != nil {
		return fmt.Errorf("marshal key observations: %w", err)
	}
	tags, err := json.Marshal(sum.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO temporal_summaries (id, summary_order, start_id, end_id, narrative, key_observations, tags, tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.Order, sum.StartID, sum.EndID, sum.Narrative, string(observations), string(tags), sum.Tokens, sum.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create summary: %w", err)
	}
	return nil
}

// GetMessages returns all raw messages, ascending by id.
func (s *Store) GetMessages() ([]core.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, content, tool_name, tool_use_id, is_error, tokens, created_at
		 FROM temporal_messages ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		var m core.Message
		var kind string
		var toolName, toolUseID sql.NullString
		var isError int
		if err := rows.Scan(&m.ID, &kind, &m.Content, &toolName, &toolUseID, &isError, &m.Tokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Kind = core.MessageKind(kind)
		m.ToolName = toolName.String
		m.ToolUseID = toolUseID.String
		m.IsError = isError != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetSummaries returns all summaries, ascending by id.
func (s *Store) GetSummaries() ([]core.Summary, error) {
	rows, err := s.db.Query(
		`SELECT id, summary_order, start_id, end_id, narrative, key_observations, tags, tokens, created_at
		 FROM temporal_summaries ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("get summaries: %w", err)
	}
	defer rows.Close()

	var out []core.Summary
	for rows.Next() {
		var sum core.Summary
		var observations, tags string
		if err := rows.Scan(&sum.ID, &sum.Order, &sum.StartID, &sum.EndID, &sum.Narrative, &observations, &tags, &sum.Tokens, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		if err := json.Unmarshal([]byte(observations), &sum.KeyObservations); err != nil {
			return nil, fmt.Errorf("unmarshal key observations: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &sum.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// activeSummaries returns the maximal set of non-overlapping
// highest-order summaries: a summary is active unless some other
// summary's [start,end] range subsumes it.
func activeSummaries(summaries []core.Summary) []core.Summary {
	var active []core.Summary
	for i, cand := range summaries {
		subsumed := false
		for j, other := range summaries {
			if i == j {
				continue
			}
			if rangeSubsumes(other, cand) && (other.Order > cand.Order || (other.Order == cand.Order && other.ID != cand.ID && wider(other, cand))) {
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

func rangeSubsumes(outer, inner core.Summary) bool {
	return sortKey(outer.StartID) <= sortKey(inner.StartID) && sortKey(inner.EndID) <= sortKey(outer.EndID)
}

func wider(a, b core.Summary) bool {
	return sortKey(a.StartID) < sortKey(b.StartID) || sortKey(a.EndID) > sortKey(b.EndID)
}

// EstimateUncompactedTokens sums the token estimates of active summaries
// plus the messages they do not cover — equivalently, the tokens that
// would be sent in the next prompt.
func (s *Store) EstimateUncompactedTokens() (int, error) {
	messages, err := s.GetMessages()
	if err != nil {
		return 0, err
	}
	summaries, err := s.GetSummaries()
	if err != nil {
		return 0, err
	}
	active := activeSummaries(summaries)

	total := 0
	for _, sum := range active {
		total += sum.Tokens
	}
	for _, m := range messages {
		if coveredByAny(m.ID, active) {
			continue
		}
		total += m.Tokens
	}
	return total, nil
}

func coveredByAny(id string, summaries []core.Summary) bool {
	key := sortKey(id)
	for _, sum := range summaries {
		if sortKey(sum.StartID) <= key && key <= sortKey(sum.EndID) {
			return true
		}
	}
	return false
}

// ValidSummaryIDs returns {all message ids} ∪ {start and end ids of all
// summaries} — the id universe the compaction agent must restrict
// create_summary calls to.
func (s *Store) ValidSummaryIDs() (map[string]bool, error) {
	messages, err := s.GetMessages()
	if err != nil {
		return nil, err
	}
	summaries, err := s.GetSummaries()
	if err != nil {
		return nil, err
	}
	valid := make(map[string]bool, len(messages)+2*len(summaries))
	for _, m := range messages {
		valid[m.ID] = true
	}
	for _, sum := range summaries {
		valid[sum.StartID] = true
		valid[sum.EndID] = true
	}
	return valid, nil
}

// SubsumedOrder computes the order a new summary covering [startID,endID]
// should receive: max(order of summaries whose range lies inside
// [startID,endID], 0) + 1.
func (s *Store) SubsumedOrder(startID, endID string) (int, error) {
	summaries, err := s.GetSummaries()
	if err != nil {
		return 0, err
	}
	startKey, endKey := sortKey(startID), sortKey(endID)
	maxOrder := 0
	for _, sum := range summaries {
		if startKey <= sortKey(sum.StartID) && sortKey(sum.EndID) <= endKey {
			if sum.Order > maxOrder {
				maxOrder = sum.Order
			}
		}
	}
	return maxOrder + 1, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
