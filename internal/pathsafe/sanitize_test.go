package pathsafe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSimpleFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("test"), 0o644))
	result, err := Resolve(dir, "hello.txt")
	require.NoError(t, err)
	assert.True(t, filepathHasSuffix(result, "hello.txt"))
}

func TestResolveSubdirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub", "deep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "deep", "file.cfg"), []byte("data"), 0o644))
	result, err := Resolve(dir, "sub/deep/file.cfg")
	require.NoError(t, err)
	assert.True(t, filepathHasSuffix(result, filepath.Join("sub", "deep", "file.cfg")))
}

func TestResolveRejectsDotDot(t *testing.T) {
	dir := t.TempDir()
	_, err := Resolve(dir, "../etc/passwd")
	assert.ErrorIs(t, err, ErrTraversal)
	_, err = Resolve(dir, "sub/../../etc/passwd")
	assert.ErrorIs(t, err, ErrTraversal)
}

func TestResolveRejectsAbsolute(t *testing.T) {
	dir := t.TempDir()
	_, err := Resolve(dir, "/etc/passwd")
	assert.ErrorIs(t, err, ErrAbsolutePath)
}

func TestResolveNormalizesBackslashes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ios"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ios", "config.cfg"), []byte("data"), 0o644))
	result, err := Resolve(dir, `ios\config.cfg`)
	require.NoError(t, err)
	assert.True(t, filepathHasSuffix(result, filepath.Join("ios", "config.cfg")))
}

func TestResolveNonexistentPathWithinDir(t *testing.T) {
	dir := t.TempDir()
	result, err := Resolve(dir, "new_dir/file.bin")
	require.NoError(t, err)
	assert.True(t, filepathHasSuffix(result, filepath.Join("new_dir", "file.bin")))
}

func TestResolveRejectsEmptyOrDotOnly(t *testing.T) {
	dir := t.TempDir()
	_, err := Resolve(dir, "")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Resolve(dir, ".")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Resolve(dir, "..")
	assert.ErrorIs(t, err, ErrTraversal)
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("top secret"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(dir, "link.txt")))
	_, err := Resolve(dir, "link.txt")
	assert.ErrorIs(t, err, ErrEscape)
}

func filepathHasSuffix(path, suffix string) bool {
	return len(path) >= len(suffix) && path[len(path)-len(suffix):] == suffix
}
