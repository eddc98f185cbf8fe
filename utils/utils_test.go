package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
)

func TestSanitizedDomain(t *testing.T) {
	logger := log.NewNopLogger()
	assert.Equal(t, "_.example.com", SanitizedDomain(logger, "*.example.com"))
	assert.Equal(t, "example.com", SanitizedDomain(logger, "example.com"))
}

func TestIsWildcard(t *testing.T) {
	assert.True(t, IsWildcard("*.example.com"))
	assert.False(t, IsWildcard("example.com"))
	assert.Equal(t, "example.com", WildcardBase("*.example.com"))
	assert.Equal(t, "example.com", WildcardBase("example.com"))
}

func TestGenerateFingerprint(t *testing.T) {
	fp := GenerateFingerprint([]byte("hello"))
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, GenerateFingerprint([]byte("hello")))
	assert.NotEqual(t, fp, GenerateFingerprint([]byte("world")))
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	assert.False(t, FileExists(path))
	assert.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	assert.True(t, FileExists(path))
	assert.False(t, FileExists(dir))
}

func TestCreateNonExistingFolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	assert.NoError(t, CreateNonExistingFolder(dir))
	info, err := os.Stat(dir)
	assert.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.NoError(t, CreateNonExistingFolder(dir))
}

func TestFormatFilePath(t *testing.T) {
	assert.Equal(t, "file.go", FormatFilePath("/a/b/file.go"))
	assert.Equal(t, "file.go", FormatFilePath("file.go"))
}
