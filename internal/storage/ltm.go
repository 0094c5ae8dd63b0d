package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentkernel/agentkernel/internal/core"
)

// CreateLTM inserts a new root or child entry. Path is derived from the
// parent's path (or "/"+slug at the root) and is never recomputed after
// this call. Duplicate slugs are rejected.
func (s *Store) CreateLTM(slug, parentSlug, title, body string, tags, links []string, createdBy core.LTMAuthor) (core.LTMEntry, error) {
	path := "/" + slug
	if parentSlug != "" {
		parent, err := s.readRaw(parentSlug)
		if err != nil {
			return core.LTMEntry{}, err
		}
		if parent == nil {
			return core.LTMEntry{}, core.NewNotFound(parentSlug)
		}
		path = parent.Path + "/" + slug
	}

	now := time.Now()
	tagsJSON, _ := json.Marshal(tags)
	linksJSON, _ := json.Marshal(links)

	_, err := s.db.Exec(
		`INSERT INTO ltm_entries (slug, parent_slug, path, title, body, tags, links, version, created_by, updated_by, archived_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, NULL, ?, ?)`,
		slug, nullableString(parentSlug), path, title, body, string(tagsJSON), string(linksJSON), string(createdBy), string(createdBy), now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return core.LTMEntry{}, core.NewInvalid(fmt.Sprintf("slug %q already exists", slug))
		}
		return core.LTMEntry{}, fmt.Errorf("create ltm entry: %w", err)
	}

	entry, err := s.readRaw(slug)
	if err != nil {
		return core.LTMEntry{}, err
	}
	return *entry, nil
}

// ReadLTM returns the entry, or nil if it does not exist or is archived.
func (s *Store) ReadLTM(slug string) (*core.LTMEntry, error) {
	entry, err := s.readRaw(slug)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Archived() {
		return nil, nil
	}
	return entry, nil
}

// readRaw reads the row regardless of archived status, for internal use
// by mutation paths that need to see the current state.
func (s *Store) readRaw(slug string) (*core.LTMEntry, error) {
	var e core.LTMEntry
	var parentSlug sql.NullString
	var tagsJSON, linksJSON string
	var archivedAt sql.NullTime

	err := s.db.QueryRow(
		`SELECT slug, parent_slug, path, title, body, tags, links, version, created_by, updated_by, archived_at, created_at, updated_at
		 FROM ltm_entries WHERE slug = ?`, slug,
	).Scan(&e.Slug, &parentSlug, &e.Path, &e.Title, &e.Body, &tagsJSON, &linksJSON, &e.Version,
		&e.CreatedBy, &e.UpdatedBy, &archivedAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ltm entry: %w", err)
	}
	e.ParentSlug = parentSlug.String
	if archivedAt.Valid {
		t := archivedAt.Time
		e.ArchivedAt = &t
	}
	_ = json.Unmarshal([]byte(tagsJSON), &e.Tags)
	_ = json.Unmarshal([]byte(linksJSON), &e.Links)
	return &e, nil
}

// casPrecheck reads the current row and returns the precise error kind
// for a failed CAS write: NotFound, Archived, or Conflict.
func (s *Store) casPrecheck(slug string, expectedVersion int) (*core.LTMEntry, error) {
	current, err := s.readRaw(slug)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, core.NewNotFound(slug)
	}
	if current.Archived() {
		return nil, core.NewArchived(slug)
	}
	if current.Version != expectedVersion {
		return nil, core.NewConflict(expectedVersion, current.Version)
	}
	return current, nil
}

// UpdateLTM replaces body under CAS, incrementing version by exactly 1.
func (s *Store) UpdateLTM(slug, body string, expectedVersion int, updatedBy core.LTMAuthor) (core.LTMEntry, error) {
	res, err := s.db.Exec(
		`UPDATE ltm_entries SET body = ?, version = version + 1, updated_by = ?, updated_at = ?
		 WHERE slug = ? AND version = ? AND archived_at IS NULL`,
		body, string(updatedBy), time.Now(), slug, expectedVersion,
	)
	if err != nil {
		return core.LTMEntry{}, fmt.Errorf("update ltm entry: %w", err)
	}
	return s.finishCAS(res, slug, expectedVersion)
}

// UpdateTagsLTM replaces tags under CAS, incrementing version by exactly 1.
func (s *Store) UpdateTagsLTM(slug string, tags []string, expectedVersion int, updatedBy core.LTMAuthor) (core.LTMEntry, error) {
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return core.LTMEntry{}, fmt.Errorf("marshal tags: %w", err)
	}
	res, err := s.db.Exec(
		`UPDATE ltm_entries SET tags = ?, version = version + 1, updated_by = ?, updated_at = ?
		 WHERE slug = ? AND version = ? AND archived_at IS NULL`,
		string(tagsJSON), string(updatedBy), time.Now(), slug, expectedVersion,
	)
	if err != nil {
		return core.LTMEntry{}, fmt.Errorf("update ltm tags: %w", err)
	}
	return s.finishCAS(res, slug, expectedVersion)
}

// ArchiveLTM sets archived_at under CAS, incrementing version by exactly 1.
func (s *Store) ArchiveLTM(slug string, expectedVersion int) (core.LTMEntry, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE ltm_entries SET archived_at = ?, version = version + 1, updated_at = ?
		 WHERE slug = ? AND version = ? AND archived_at IS NULL`,
		now, now, slug, expectedVersion,
	)
	if err != nil {
		return core.LTMEntry{}, fmt.Errorf("archive ltm entry: %w", err)
	}
	return s.finishCAS(res, slug, expectedVersion)
}

func (s *Store) finishCAS(res sql.Result, slug string, expectedVersion int) (core.LTMEntry, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return core.LTMEntry{}, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		_, cerr := s.casPrecheck(slug, expectedVersion)
		if cerr == nil {
			// Row matched on read but the write still affected nothing;
			// treat as a conflict against whatever is there now.
			current, _ := s.readRaw(slug)
			actual := expectedVersion
			if current != nil {
				actual = current.Version
			}
			return core.LTMEntry{}, core.NewConflict(expectedVersion, actual)
		}
		return core.LTMEntry{}, cerr
	}
	entry, err := s.readRaw(slug)
	if err != nil {
		return core.LTMEntry{}, err
	}
	return *entry, nil
}

// GetChildrenLTM returns unarchived rows with the given parent (parentSlug
// == "" means root entries, i.e. parent_slug IS NULL), sorted by slug.
func (s *Store) GetChildrenLTM(parentSlug string) ([]core.LTMEntry, error) {
	var rows *sql.Rows
	var err error
	if parentSlug == "" {
		rows, err = s.db.Query(
			`SELECT slug FROM ltm_entries WHERE parent_slug IS NULL AND archived_at IS NULL ORDER BY slug`)
	} else {
		rows, err = s.db.Query(
			`SELECT slug FROM ltm_entries WHERE parent_slug = ? AND archived_at IS NULL ORDER BY slug`, parentSlug)
	}
	if err != nil {
		return nil, fmt.Errorf("get children: %w", err)
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("scan child slug: %w", err)
		}
		slugs = append(slugs, slug)
	}
	return s.loadEntries(slugs)
}

func (s *Store) loadEntries(slugs []string) ([]core.LTMEntry, error) {
	out := make([]core.LTMEntry, 0, len(slugs))
	for _, slug := range slugs {
		e, err := s.readRaw(slug)
		if err != nil {
			return nil, err
		}
		if e != nil && !e.Archived() {
			out = append(out, *e)
		}
	}
	return out, nil
}

// GlobLTM converts pattern into a path match: "*" and "**" both match
// any run of path characters in this baseline implementation (see
// design notes — a recursive-path/depth-filter variant is an open
// question deliberately left unresolved). maxDepth, if > 0, drops rows
// whose path separator count exceeds it.
func (s *Store) GlobLTM(pattern string, maxDepth int) ([]core.LTMEntry, error) {
	like := globToLike(pattern)
	rows, err := s.db.Query(
		`SELECT slug FROM ltm_entries WHERE path LIKE ? ESCAPE '\' AND archived_at IS NULL ORDER BY slug`, like)
	if err != nil {
		return nil, fmt.Errorf("glob ltm: %w", err)
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("scan glob slug: %w", err)
		}
		slugs = append(slugs, slug)
	}
	entries, err := s.loadEntries(slugs)
	if err != nil {
		return nil, err
	}
	if maxDepth <= 0 {
		return entries, nil
	}
	filtered := entries[:0]
	for _, e := range entries {
		if strings.Count(e.Path, "/") <= maxDepth {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// globToLike collapses glob wildcards ("*" and "**") to SQL LIKE "%",
// escaping LIKE's own special characters first.
func globToLike(pattern string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(pattern)
	escaped = strings.ReplaceAll(escaped, "**", "%")
	escaped = strings.ReplaceAll(escaped, "*", "%")
	return escaped
}

// SearchLTM performs a case-insensitive substring match across title and
// body, excluding archived entries, scored 2·titleMatch + 1·bodyMatch
// and returned sorted descending by score. The ltm_fts index exists for
// prefix/token lookups by other tools; substring scoring here is
// computed directly against the base table so it stays exact regardless
// of fts5's tokenizer boundaries.
func (s *Store) SearchLTM(query, pathPrefix string) ([]core.SearchResult, error) {
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT slug FROM ltm_entries WHERE archived_at IS NULL ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("search ltm: %w", err)
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("scan search slug: %w", err)
		}
		slugs = append(slugs, slug)
	}

	entries, err := s.loadEntries(slugs)
	if err != nil {
		return nil, err
	}

	lowerQuery := strings.ToLower(query)
	var results []core.SearchResult
	for _, e := range entries {
		if pathPrefix != "" && !strings.HasPrefix(e.Path, pathPrefix) {
			continue
		}
		titleMatch := strings.Contains(strings.ToLower(e.Title), lowerQuery)
		bodyMatch := strings.Contains(strings.ToLower(e.Body), lowerQuery)
		if !titleMatch && !bodyMatch {
			continue
		}
		score := 0
		if titleMatch {
			score += 2
		}
		if bodyMatch {
			score += 1
		}
		results = append(results, core.SearchResult{Entry: e, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}
