package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func newTestEditor(t *testing.T, name, content string) (*Editor, string) {
	t.Helper()
	root := t.TempDir()
	path := writeSession(t, root, name, content)
	return NewEditor(NewStore(root)), path
}

func TestDeleteRecordByLineIndex(t *testing.T) {
	lines := []string{
		`{"uuid":"r0","type":"user"}`,
		`{"uuid":"r1","type":"assistant"}`,
		`{"uuid":"r2","type":"user"}`,
	}
	editor, path := newTestEditor(t, "sess-1.jsonl", strings.Join(lines, "\n")+"\n")

	res, err := editor.DeleteRecord("sess-1", DeleteSelector{LineIndex: intp(1)})
	require.NoError(t, err)
	assert.Equal(t, DeleteResult{Removed: 1, Remaining: 2}, res)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, lines[0]+"\n"+lines[2]+"\n", string(data))
}

func TestDeleteRecordByIdentity(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"top-level messageId", `{"messageId":"target","type":"user"}`},
		{"top-level id", `{"id":"target","type":"user"}`},
		{"top-level uuid", `{"uuid":"target","type":"user"}`},
		{"nested under message", `{"type":"assistant","message":{"id":"target","role":"assistant"}}`},
		{"numeric id", `{"id":42,"type":"user"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recordID := "target"
			if tc.name == "numeric id" {
				recordID = "42"
			}
			content := `{"uuid":"keep-a"}` + "\n" + tc.line + "\n" + `{"uuid":"keep-b"}` + "\n"
			editor, path := newTestEditor(t, "sess-2.jsonl", content)

			res, err := editor.DeleteRecord("sess-2", DeleteSelector{RecordID: recordID})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Removed)
			assert.Equal(t, 2, res.Remaining)

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, `{"uuid":"keep-a"}`+"\n"+`{"uuid":"keep-b"}`+"\n", string(data))
		})
	}
}

func TestDeleteRecordKeptLinesStayByteIdentical(t *testing.T) {
	// blank line, unparseable line, and a record with no trailing newline
	// must all survive the rewrite untouched
	content := `{"uuid":"r0"}` + "\n" +
		"\n" +
		"this line is not json {{{" + "\n" +
		`{"uuid":"victim"}` + "\n" +
		`{"uuid":"r3","note":"no trailing newline"}`
	editor, path := newTestEditor(t, "sess-3.jsonl", content)

	res, err := editor.DeleteRecord("sess-3", DeleteSelector{RecordID: "victim"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	want := `{"uuid":"r0"}` + "\n" +
		"\n" +
		"this line is not json {{{" + "\n" +
		`{"uuid":"r3","note":"no trailing newline"}`
	assert.Equal(t, want, string(data))
}

func TestDeleteRecordNoMatchLeavesFileUntouched(t *testing.T) {
	content := `{"uuid":"r0"}` + "\n" + `{"uuid":"r1"}` + "\n"
	editor, path := newTestEditor(t, "sess-4.jsonl", content)

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = editor.DeleteRecord("sess-4", DeleteSelector{RecordID: "nobody"})
	assert.ErrorIs(t, err, ErrNotFound)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// the temp sibling must not be left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(path), entries[0].Name())
}

func TestDeleteRecordEmptySelector(t *testing.T) {
	editor, _ := newTestEditor(t, "sess-5.jsonl", `{"uuid":"r0"}`+"\n")
	_, err := editor.DeleteRecord("sess-5", DeleteSelector{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selector is empty")
}

func TestDeleteRecordUnknownSession(t *testing.T) {
	editor := NewEditor(NewStore(t.TempDir()))
	_, err := editor.DeleteRecord("missing", DeleteSelector{RecordID: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRecordConcurrentEditsSerialize(t *testing.T) {
	const n = 20
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `{"uuid":"rec-%d"}`+"\n", i)
	}
	editor, path := newTestEditor(t, "sess-6.jsonl", b.String())

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := editor.DeleteRecord("sess-6", DeleteSelector{RecordID: fmt.Sprintf("rec-%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}
