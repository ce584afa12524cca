package transcript

import (
	"bufio"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when no session file (or no target record within
// one) matches the given reference.
var ErrNotFound = errors.New("transcript: not found")

// ErrAlreadyExists is returned when a fork target name is already taken.
var ErrAlreadyExists = errors.New("transcript: already exists")

// Store exposes a directory tree of line-oriented JSONL session transcripts
// written by the external agent runtime. File names embed the session
// identifier, so lookup is by filename substring; the matching strategy is
// wrapped here so it can be swapped for an index without touching callers.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the directory the store reads from.
func (s *Store) Root() string { return s.root }

// SessionInfo is the listing metadata for one transcript file.
type SessionInfo struct {
	SessionID    string `json:"session_id"`
	File         string `json:"file"`
	FileName     string `json:"file_name"`
	MessageCount int    `json:"message_count"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	Model        string `json:"model"`
}

// sessionRecord is the subset of transcript record fields the store reads
// for metadata. Records carry arbitrary extra fields which are preserved
// untouched.
type sessionRecord struct {
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Message   *struct {
		Model string `json:"model"`
	} `json:"message"`
}

// ListSessions walks the store and returns one entry per transcript file,
// sorted by updated_at descending. Unreadable or empty files are skipped.
func (s *Store) ListSessions() ([]SessionInfo, error) {
	var sessions []SessionInfo
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || filepath.Ext(d.Name()) != ".jsonl" {
			return nil
		}
		info, ok := s.describeFile(path)
		if ok {
			sessions = append(sessions, info)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", s.root)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt > sessions[j].UpdatedAt
	})
	return sessions, nil
}

func (s *Store) describeFile(path string) (SessionInfo, bool) {
	lines, err := readLines(path)
	if err != nil {
		log.Warn().Err(err).Str("component", "transcript").Str("file", path).Msg("skipping unreadable session file")
		return SessionInfo{}, false
	}
	if len(lines) == 0 {
		return SessionInfo{}, false
	}

	var first, last sessionRecord
	_ = json.Unmarshal(lines[0], &first)
	_ = json.Unmarshal(lines[len(lines)-1], &last)

	sessionID := first.SessionID
	if sessionID == "" {
		sessionID = strings.TrimSuffix(filepath.Base(path), ".jsonl")
	}
	model := "unknown"
	if last.Type == "assistant" && last.Message != nil && last.Message.Model != "" {
		model = last.Message.Model
	}
	return SessionInfo{
		SessionID:    sessionID,
		File:         path,
		FileName:     filepath.Base(path),
		MessageCount: len(lines),
		CreatedAt:    first.Timestamp,
		UpdatedAt:    last.Timestamp,
		Model:        model,
	}, true
}

// FindSessionFile resolves a session reference to a transcript path by
// filename substring match. Returns ErrNotFound when nothing matches.
func (s *Store) FindSessionFile(sessionRef string) (string, error) {
	if sessionRef == "" {
		return "", ErrNotFound
	}
	var found string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if found != "" || d.IsDir() || filepath.Ext(d.Name()) != ".jsonl" {
			return nil
		}
		if strings.Contains(d.Name(), sessionRef) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "walk %s", s.root)
	}
	if found == "" {
		return "", ErrNotFound
	}
	return found, nil
}

// SessionContent is a session's parsed records plus its source file.
type SessionContent struct {
	SessionID string            `json:"session_id"`
	File      string            `json:"file"`
	Records   []json.RawMessage `json:"messages"`
	Count     int               `json:"count"`
}

// ReadRecords returns the parseable records of the matched session file in
// file order. Blank and unparseable lines are skipped on read; they are
// still preserved on edit.
func (s *Store) ReadRecords(sessionRef string) (SessionContent, error) {
	path, err := s.FindSessionFile(sessionRef)
	if err != nil {
		return SessionContent{}, err
	}
	lines, err := readLines(path)
	if err != nil {
		return SessionContent{}, errors.Wrapf(err, "read %s", path)
	}
	records := make([]json.RawMessage, 0, len(lines))
	for _, line := range lines {
		if !json.Valid(line) {
			continue
		}
		records = append(records, json.RawMessage(line))
	}
	return SessionContent{
		SessionID: sessionRef,
		File:      path,
		Records:   records,
		Count:     len(records),
	}, nil
}

// DeleteSession removes a whole transcript file.
func (s *Store) DeleteSession(sessionRef string) error {
	path, err := s.FindSessionFile(sessionRef)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return errors.Wrapf(err, "remove %s", path)
	}
	log.Info().Str("component", "transcript").Str("file", path).Msg("session deleted")
	return nil
}

// ForkSession copies the matched session file to a sibling file named after
// newID. Fails if the fork target already exists.
func (s *Store) ForkSession(sessionRef, newID string) (string, error) {
	src, err := s.FindSessionFile(sessionRef)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(filepath.Dir(src), newID+".jsonl")
	if _, err := os.Stat(dst); err == nil {
		return "", errors.Wrapf(ErrAlreadyExists, "fork target %s", filepath.Base(dst))
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", errors.Wrapf(err, "read %s", src)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "write %s", dst)
	}
	log.Info().Str("component", "transcript").Str("source", src).Str("fork", dst).Msg("session forked")
	return dst, nil
}

// readLines returns the file's lines without terminators. Records can be
// large; the scanner buffer allows lines up to 10MB.
func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	var lines [][]byte
	for sc.Scan() {
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
