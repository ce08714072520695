package dispatcher

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestSafeJoinRejectsTraversal(t *testing.T) {
	_, err := safeJoin("/tmp/bundle", "../../etc/passwd")
	assert.ErrorContains(t, err, "escapes")
}

func TestSafeJoinAllowsNestedPath(t *testing.T) {
	got, err := safeJoin("/tmp/bundle", "a/b/c.txt")
	assert.NilError(t, err)
	assert.Equal(t, got, filepath.Join("/tmp/bundle", "a/b/c.txt"))
}

func buildTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		assert.NilError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		assert.NilError(t, err)
	}
	assert.NilError(t, tw.Close())
	return buf.Bytes()
}

func TestCopyDirInExtractsRegularFiles(t *testing.T) {
	d := New(nil, nil, nil)
	dest := t.TempDir()

	archive := buildTar(t, map[string]string{"a.txt": "one", "sub/b.txt": "two"})
	_, err := d.handleCopyDirIn(context.Background(), mustJSON(t, copyDirInRequest{Path: dest, Tar: archive}))
	assert.NilError(t, err)

	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	assert.NilError(t, err)
	assert.Equal(t, string(got), "one")

	got, err = os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	assert.NilError(t, err)
	assert.Equal(t, string(got), "two")
}

func TestCopyDirInRejectsTraversalEntry(t *testing.T) {
	d := New(nil, nil, nil)
	dest := t.TempDir()

	archive := buildTar(t, map[string]string{"../escape.txt": "evil"})
	_, err := d.handleCopyDirIn(context.Background(), mustJSON(t, copyDirInRequest{Path: dest, Tar: archive}))
	assert.ErrorContains(t, err, "escapes")
}

func TestCopyFileOutChunksAndReportsFinal(t *testing.T) {
	d := New(nil, nil, nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	assert.NilError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), chunkSize+10), 0o644))

	result, err := d.handleCopyFileOut(context.Background(), mustJSON(t, copyFileOutRequest{Path: path, Offset: 0}))
	assert.NilError(t, err)
	first := result.(copyFileOutResponse)
	assert.Equal(t, len(first.Data), chunkSize)
	assert.Equal(t, first.Final, false)

	result, err = d.handleCopyFileOut(context.Background(), mustJSON(t, copyFileOutRequest{Path: path, Offset: int64(chunkSize)}))
	assert.NilError(t, err)
	second := result.(copyFileOutResponse)
	assert.Equal(t, len(second.Data), 10)
	assert.Equal(t, second.Final, true)
}

func TestCopyFileInWritesAtOffset(t *testing.T) {
	d := New(nil, nil, nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "f.bin")

	_, err := d.handleCopyFileIn(context.Background(), mustJSON(t, copyFileInRequest{
		Path: path, CreateParents: true, Offset: 0, Data: []byte("hello "),
	}))
	assert.NilError(t, err)
	_, err = d.handleCopyFileIn(context.Background(), mustJSON(t, copyFileInRequest{
		Path: path, Offset: 6, Data: []byte("world"), Final: true,
	}))
	assert.NilError(t, err)

	got, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Equal(t, string(got), "hello world")
}
