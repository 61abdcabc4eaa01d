package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/quincy/internal/coordinator/job"
)

func writeInputs(t *testing.T, sizes map[string]int) string {
	t.Helper()
	dir := t.TempDir()
	for name, size := range sizes {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), size), 0o644))
	}
	return dir
}

func TestReadRequest(t *testing.T) {
	var in bytes.Buffer
	require.NoError(t, job.WritePlanInput(&in, []string{"w1:7000", "w2:7000"}, `{"input":["/data/*.txt"],"files_per_task":3}`))

	req, err := readRequest(&in)
	require.NoError(t, err)

	assert.Equal(t, []string{"w1:7000", "w2:7000"}, req.servers)
	assert.Equal(t, []string{"/data/*.txt"}, req.options.Input)
	assert.Equal(t, 3, req.options.FilesPerTask)
}

func TestReadRequest_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "bad header", input: "hosts 1\nw1\n"},
		{name: "bad count", input: "servers many\n"},
		{name: "short server list", input: "servers 2\nw1\n"},
		{name: "bad options", input: "servers 1\nw1\n{not json\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readRequest(strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestPlan_OneTaskPerServer(t *testing.T) {
	dir := writeInputs(t, map[string]int{
		"a.txt":     10,
		"b.txt":     20,
		"c.txt":     30,
		"sub/d.txt": 40,
		"skip.log":  99,
	})

	p, err := plan(&request{
		servers: []string{"w1", "w2"},
		options: options{Input: []string{filepath.Join(dir, "**", "*.txt")}},
	})
	require.NoError(t, err)

	require.Len(t, p.Tasks, 2)
	assert.Equal(t, "w1", p.Tasks[0].Server)
	assert.Equal(t, "w2", p.Tasks[1].Server)
	assert.Equal(t, []string{filepath.Join(dir, "a.txt"), filepath.Join(dir, "b.txt")}, p.Tasks[0].Files)
	assert.EqualValues(t, 30, p.Tasks[0].Size)
	assert.EqualValues(t, 70, p.Tasks[1].Size)
	assert.EqualValues(t, 100, p.InputSize())
}

func TestPlan_FilesPerTask(t *testing.T) {
	dir := writeInputs(t, map[string]int{"1": 1, "2": 1, "3": 1, "4": 1, "5": 1})

	p, err := plan(&request{
		servers: []string{"w1", "w2"},
		options: options{
			// Overlapping patterns must not duplicate files.
			Input:        []string{filepath.Join(dir, "*"), filepath.Join(dir, "1")},
			FilesPerTask: 2,
		},
	})
	require.NoError(t, err)

	require.Len(t, p.Tasks, 3)
	servers := []string{p.Tasks[0].Server, p.Tasks[1].Server, p.Tasks[2].Server}
	assert.Equal(t, []string{"w1", "w2", "w1"}, servers)
	assert.Len(t, p.Tasks[2].Files, 1)
}

func TestPlan_Errors(t *testing.T) {
	_, err := plan(&request{options: options{Input: []string{"*"}}})
	assert.ErrorIs(t, err, job.ErrNoServers)

	_, err = plan(&request{servers: []string{"w1"}})
	assert.Error(t, err)
}

func TestPlan_NoMatchesYieldsEmptyPlan(t *testing.T) {
	dir := t.TempDir()
	p, err := plan(&request{
		servers: []string{"w1"},
		options: options{Input: []string{filepath.Join(dir, "*.none")}},
	})
	require.NoError(t, err)
	assert.Empty(t, p.Tasks)
}

func TestWritePlan_ReadableByMaster(t *testing.T) {
	in := &job.MapPlan{Tasks: []job.MapTask{
		{Server: "w1:7000", Size: 3 << 20, Files: []string{"/d/a", "/d/b"}},
		{Server: "w2:7000", Size: 0, Files: nil},
	}}

	var buf bytes.Buffer
	require.NoError(t, writePlan(&buf, in))
	assert.Equal(t, "task 2\nmap w1:7000 3145728 2\nfile /d/a\nfile /d/b\nmap w2:7000 0 0\n", buf.String())

	out, err := job.ParsePlan(&buf)
	require.NoError(t, err)
	require.Len(t, out.Tasks, 2)
	assert.Equal(t, in.Tasks[0], out.Tasks[0])
	assert.Empty(t, out.Tasks[1].Files)
}
