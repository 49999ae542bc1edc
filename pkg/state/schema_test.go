package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskforge/undercity/pkg/testutil"
)

const sampleSchema = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string"},
    "count": {"type": "integer", "minimum": 0}
  }
}`

func TestReadJSONValidatedAcceptsMatchingDocument(t *testing.T) {
	dir := testutil.TempDir(t, "state-schema-*")
	path := filepath.Join(dir, "sample.json")
	require.NoError(t, WriteJSON(path, sample{Name: "raid-1", Count: 3}))

	schema, err := CompileSchema(sampleSchema, "https://undercity.test/sample.json")
	require.NoError(t, err)

	var got sample
	ok := ReadJSONValidated(path, &got, schema)
	assert.True(t, ok)
	assert.Equal(t, "raid-1", got.Name)
}

func TestReadJSONValidatedRejectsSchemaViolation(t *testing.T) {
	dir := testutil.TempDir(t, "state-schema-*")
	path := filepath.Join(dir, "sample.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"count": -1}`), 0o644))

	schema, err := CompileSchema(sampleSchema, "https://undercity.test/sample-reject.json")
	require.NoError(t, err)

	var got sample
	ok := ReadJSONValidated(path, &got, schema)
	assert.False(t, ok)

	matches, _ := filepath.Glob(path + ".corrupt.*")
	assert.NotEmpty(t, matches)
}

func TestReadJSONValidatedNilSchemaSkipsCheck(t *testing.T) {
	dir := testutil.TempDir(t, "state-schema-*")
	path := filepath.Join(dir, "sample.json")
	require.NoError(t, WriteJSON(path, sample{Name: "raid-2", Count: 1}))

	var got sample
	ok := ReadJSONValidated(path, &got, nil)
	assert.True(t, ok)
	assert.Equal(t, "raid-2", got.Name)
}
