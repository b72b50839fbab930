package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemmego/gpa-core"
)

const peopleQuery = "testdata/people.yaml"

func runCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCompileStatement(t *testing.T) {
	out, _, err := runCommand(t, "compile", "--dialect", "postgres", peopleQuery)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT \"name\", COUNT(*) AS \"cnt\" FROM \"people\" GROUP BY \"name\" HAVING COUNT(*) > $1 ORDER BY \"cnt\" DESC LIMIT 2\n[1]\n",
		out)
}

func TestCompilePipeline(t *testing.T) {
	out, _, err := runCommand(t, "compile", "-d", "mongo", peopleQuery)
	require.NoError(t, err)
	assert.Contains(t, out, "db.people.aggregate([")
	assert.Contains(t, out, `"$group"`)
	assert.Contains(t, out, `"$limit"`)
}

func TestCompileDialectFromSettings(t *testing.T) {
	dir := t.TempDir()
	settings := filepath.Join(dir, "gpa.yaml")
	require.NoError(t, os.WriteFile(settings, []byte("database:\n  driver: mysql\n"), 0o644))

	out, _, err := runCommand(t, "compile", "--config", settings, peopleQuery)
	require.NoError(t, err)
	assert.Contains(t, out, "FROM `people`")
}

func TestCompileVerboseLogsToStderr(t *testing.T) {
	out, logs, err := runCommand(t, "compile", "-v", "-d", "sqlite", peopleQuery)
	require.NoError(t, err)
	assert.NotContains(t, out, "compiled plan")
	assert.Contains(t, logs, "compiled plan")
}

func TestCompileOutputFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "plan.sql")
	out, _, err := runCommand(t, "compile", "-d", "sqlite", "-o", target, peopleQuery)
	require.NoError(t, err)
	assert.Empty(t, out)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "HAVING COUNT(*) > ?")
}

func TestCompileErrors(t *testing.T) {
	_, _, err := runCommand(t, "compile", "-d", "oracle", peopleQuery)
	assert.True(t, gpa.IsUnsupported(err))

	_, _, err = runCommand(t, "compile", "-d", "sqlite", "testdata/missing.yaml")
	assert.Error(t, err)

	_, _, err = runCommand(t, "compile")
	assert.Error(t, err)
}

func TestEntityMetadataFromDocument(t *testing.T) {
	doc, err := LoadDocument(peopleQuery)
	require.NoError(t, err)

	meta, err := doc.Entity.Metadata()
	require.NoError(t, err)
	assert.Equal(t, "Person", meta.Name)
	assert.Equal(t, "people", meta.StorageName)
	assert.Equal(t, "id", meta.PrimaryKey.StorageName)

	_, err = EntityDoc{Name: "Thing", Fields: []FieldDoc{{Name: "Name"}}}.Metadata()
	assert.True(t, gpa.IsConfiguration(err))
}

func TestQueryDocOperators(t *testing.T) {
	q := QueryDoc{
		Where: []PredicateDoc{
			{Field: "age", Operator: "gte", Value: 18},
			{Field: "city", Operator: "in", Value: []any{"Oslo"}},
			{Field: "name", Operator: "!=", Value: nil},
		},
	}.Build()
	require.Len(t, q.Where, 3)
	assert.Equal(t, gpa.OpGreaterThanOrEqual, q.Where[0].Operator)
	assert.Equal(t, gpa.OpIn, q.Where[1].Operator)
	assert.Equal(t, gpa.OpNotEqual, q.Where[2].Operator)
}
