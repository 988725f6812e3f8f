package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/expvisor/pkg/experiment"
	"github.com/3leaps/expvisor/pkg/resultns"
)

func sampleRecord() *experiment.Record {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rc := 0
	return &experiment.Record{
		ID:               "0123456789abcdef",
		Owner:            "alice",
		Status:           experiment.StatusCompleted,
		Mode:             experiment.ModeTest,
		TemplateRef:      "survey.xlsx",
		ResultDir:        "/results/alice/0123456789abcdef",
		ResultFilesCount: 3,
		ElapsedSeconds:   12.34,
		StartTime:        &start,
		ReturnCode:       &rc,
		CreatedAt:        start,
		UpdatedAt:        start,
	}
}

func TestTailLines(t *testing.T) {
	input := "one\ntwo\nthree\nfour\n"

	got, err := tailLines(strings.NewReader(input), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "four"}, got)

	got, err = tailLines(strings.NewReader(input), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three", "four"}, got)

	got, err = tailLines(strings.NewReader(input), 10)
	require.NoError(t, err)
	assert.Len(t, got, 4)

	got, err = tailLines(strings.NewReader(""), 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNewLines(t *testing.T) {
	tests := []struct {
		name string
		prev string
		cur  string
		want []string
	}{
		{"unchanged", "a\nb\n", "a\nb\n", nil},
		{"first output", "", "a\nb\n", []string{"a", "b"}},
		{"appended", "a\n", "a\nb\nc\n", []string{"b", "c"}},
		{"sliding window", "a\nb\nc\n", "b\nc\nd\n", []string{"d"}},
		{"no overlap", "x\n", "y\nz\n", []string{"y", "z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newLines(tt.prev, tt.cur))
		})
	}
}

func TestProgressLine(t *testing.T) {
	rec := sampleRecord()
	rec.Status = experiment.StatusRunning
	rec.ProcessInfo = &experiment.ProcessInfo{CPUSeconds: 1.5, RSSBytes: 2 * 1024 * 1024}

	line := progressLine(rec)
	assert.Contains(t, line, "running")
	assert.Contains(t, line, "files=3")
	assert.Contains(t, line, "cpu=1.5s")
	assert.Contains(t, line, "rss=2.0 MiB")
	assert.NotContains(t, line, "stopping")

	now := time.Now()
	rec.StopRequestedAt = &now
	assert.Contains(t, progressLine(rec), "stopping")
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "12.3s", formatElapsed(12.34))
	assert.Equal(t, "0s", formatElapsed(0))
	assert.Equal(t, "1m30s", formatElapsed(90))
}

func TestPrintRecord(t *testing.T) {
	rec := sampleRecord()

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printRecord(&buf, rec, "text"))
		out := buf.String()
		assert.Contains(t, out, "id=0123456789abcdef\n")
		assert.Contains(t, out, "status=completed\n")
		assert.Contains(t, out, "return_code=0\n")
		assert.NotContains(t, out, "error=")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printRecord(&buf, rec, "json"))
		var got experiment.Record
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, rec.Owner, got.Owner)
	})

	t.Run("yaml uses json field names", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printRecord(&buf, rec, "yaml"))
		var doc map[string]any
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
		assert.Equal(t, "alice", doc["owner"])
		assert.Equal(t, "survey.xlsx", doc["template_ref"])
	})

	t.Run("unknown format", func(t *testing.T) {
		var ee *exitCodeError
		require.ErrorAs(t, printRecord(&bytes.Buffer{}, rec, "xml"), &ee)
	})
}

func TestPrintTable(t *testing.T) {
	rec := sampleRecord()
	var buf bytes.Buffer
	printTable(&buf, []experiment.Record{*rec}, rec.CreatedAt.Add(2*time.Hour))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "0123456789ab")
	assert.NotContains(t, lines[1], "0123456789abc")
	assert.Contains(t, lines[1], "2 hours ago")
}

func TestPrintArtifacts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	arts := []resultns.Artifact{
		{Path: "nested/summary.json", Kind: "json", Size: 2048, ModTime: now.Add(-time.Minute)},
		{Path: "responses.csv", Kind: "csv", Size: 10, ModTime: now.Add(-3 * time.Hour)},
	}
	var buf bytes.Buffer
	printArtifacts(&buf, arts, now)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "PATH"))
	assert.Contains(t, lines[1], "nested/summary.json")
	assert.Contains(t, lines[1], "2.0 KiB")
	assert.Contains(t, lines[1], "1 minute ago")
	assert.Contains(t, lines[2], "10 B")
	assert.Contains(t, lines[2], "3 hours ago")
}

func TestPrintTails(t *testing.T) {
	rec := sampleRecord()
	rec.StdoutTail = "out1\nout2\n"
	rec.StderrTail = "err1\n"

	var buf bytes.Buffer
	require.NoError(t, printTails(&buf, rec, "stdout", 1))
	assert.Equal(t, "out2\n", buf.String())

	buf.Reset()
	require.NoError(t, printTails(&buf, rec, "both", 0))
	assert.Equal(t, "out1\nout2\nerr1\n", buf.String())
}

func TestFollowLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))

	calls := 0
	done := func() bool {
		calls++
		if calls == 2 {
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
			if err == nil {
				_, _ = f.WriteString("second\n")
				_ = f.Close()
			}
			return true
		}
		return false
	}

	var buf bytes.Buffer
	require.NoError(t, followLog(context.Background(), &buf, path, done))
	assert.Equal(t, "first\nsecond\n", buf.String())
}
