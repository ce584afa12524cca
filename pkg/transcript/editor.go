package transcript

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Editor performs safe single-record deletion against transcript files.
// Edits serialize per file path, and the modified content is written to a
// temporary sibling and atomically renamed into place, so a concurrent
// reader never observes a partially written transcript.
type Editor struct {
	store *Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEditor(store *Store) *Editor {
	return &Editor{store: store, locks: map[string]*sync.Mutex{}}
}

// DeleteSelector picks the records to remove: by zero-based line position,
// by record identity, or both.
type DeleteSelector struct {
	LineIndex *int
	RecordID  string
}

// DeleteResult reports a successful edit.
type DeleteResult struct {
	Removed   int `json:"removed"`
	Remaining int `json:"remaining"`
}

// DeleteRecord removes matching lines from the session transcript matched by
// sessionRef. A line matches when its position equals LineIndex or its
// record identity equals RecordID; identity is any of messageId, id, or uuid
// at the top level or nested one level under a message object — no
// canonical field is assumed. All kept lines stay byte-identical in their
// original order; unparseable and blank lines are preserved unless their
// position matches. Returns ErrNotFound when nothing matched, leaving the
// file untouched.
func (e *Editor) DeleteRecord(sessionRef string, sel DeleteSelector) (DeleteResult, error) {
	if sel.LineIndex == nil && sel.RecordID == "" {
		return DeleteResult{}, errors.New("transcript: delete selector is empty")
	}

	path, err := e.store.FindSessionFile(sessionRef)
	if err != nil {
		return DeleteResult{}, err
	}

	lock := e.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return DeleteResult{}, errors.Wrapf(err, "read %s", path)
	}

	lines := splitKeepEnds(data)
	var kept []fileLine
	removed := 0
	for i, line := range lines {
		if matchesSelector(i, line.content, sel) {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	if removed == 0 {
		return DeleteResult{}, ErrNotFound
	}

	if err := writeAtomic(path, kept); err != nil {
		return DeleteResult{}, err
	}
	log.Info().
		Str("component", "transcript").
		Str("file", path).
		Int("removed", removed).
		Int("remaining", len(kept)).
		Msg("records deleted")
	return DeleteResult{Removed: removed, Remaining: len(kept)}, nil
}

func (e *Editor) lockFor(path string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.locks[path]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.locks[path] = l
	return l
}

// fileLine is one line plus whether a newline followed it in the original
// bytes, so rejoining reproduces the file exactly.
type fileLine struct {
	content []byte
	hasEOL  bool
}

func splitKeepEnds(data []byte) []fileLine {
	var lines []fileLine
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			lines = append(lines, fileLine{content: data[start:i], hasEOL: true})
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, fileLine{content: data[start:], hasEOL: false})
	}
	return lines
}

func matchesSelector(index int, line []byte, sel DeleteSelector) bool {
	if sel.LineIndex != nil && *sel.LineIndex == index {
		return true
	}
	if sel.RecordID == "" {
		return false
	}
	var obj map[string]any
	if err := json.Unmarshal(line, &obj); err != nil {
		// Unparseable lines are kept verbatim unless matched by position.
		return false
	}
	if identityMatches(obj, sel.RecordID) {
		return true
	}
	if nested, ok := obj["message"].(map[string]any); ok {
		return identityMatches(nested, sel.RecordID)
	}
	return false
}

func identityMatches(obj map[string]any, recordID string) bool {
	for _, key := range []string{"messageId", "id", "uuid"} {
		switch v := obj[key].(type) {
		case string:
			if v == recordID {
				return true
			}
		case float64:
			if strconv.FormatFloat(v, 'f', -1, 64) == recordID {
				return true
			}
		}
	}
	return false
}

// writeAtomic writes the kept lines to a temp file in the same directory,
// fsyncs, and renames it over the original. On any failure the original file
// remains intact.
func writeAtomic(path string, lines []fileLine) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrapf(err, "create temp in %s", dir)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	for _, line := range lines {
		if _, err := tmp.Write(line.content); err != nil {
			cleanup()
			return errors.Wrapf(err, "write %s", tmpPath)
		}
		if line.hasEOL {
			if _, err := tmp.Write([]byte{'\n'}); err != nil {
				cleanup()
				return errors.Wrapf(err, "write %s", tmpPath)
			}
		}
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errors.Wrapf(err, "sync %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "close %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "rename %s", tmpPath)
	}
	return nil
}
