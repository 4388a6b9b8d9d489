package s3blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hedgesystem/closebot/internal/domain"
)

type memWriter struct {
	puts map[string][]byte
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if w.puts == nil {
		w.puts = make(map[string][]byte)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(data); err != nil {
		return err
	}
	w.puts[path] = buf.Bytes()
	return nil
}

type memSource struct {
	records []domain.CloseOutcome
}

func (s *memSource) ListBefore(_ context.Context, before time.Time) ([]domain.CloseOutcome, error) {
	var out []domain.CloseOutcome
	for _, r := range s.records {
		if r.ExecutedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestArchiveCloseRecords(t *testing.T) {
	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	src := &memSource{records: []domain.CloseOutcome{
		{RequestID: "r1", PositionID: "p1", Status: domain.CloseStatusExecuted, ExecutedAt: cutoff.AddDate(0, -2, 0)},
		{RequestID: "r2", PositionID: "p2", Status: domain.CloseStatusFailed, ExecutedAt: cutoff.AddDate(0, -1, 0)},
		{RequestID: "r3", PositionID: "p3", Status: domain.CloseStatusExecuted, ExecutedAt: cutoff.AddDate(0, 1, 0)},
	}}
	w := &memWriter{}
	a := NewArchiver(w, src, nil)

	count, err := a.ArchiveCloseRecords(context.Background(), cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	data, ok := w.puts["archive/close_records/2025-06.jsonl"]
	require.True(t, ok)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"r1"`)
	require.Contains(t, lines[1], `"r2"`)
}

func TestArchiveCloseRecordsEmptySkipsUpload(t *testing.T) {
	w := &memWriter{}
	a := NewArchiver(w, &memSource{}, nil)

	count, err := a.ArchiveCloseRecords(context.Background(), time.Now())
	require.NoError(t, err)
	require.Zero(t, count)
	require.Empty(t, w.puts)
}

func TestArchiveFailures(t *testing.T) {
	w := &memWriter{}
	a := NewArchiver(w, &memSource{}, nil)

	err := a.ArchiveFailures(context.Background(), []domain.FailureRecord{
		{Kind: domain.ErrorKindConnectivity, Message: "connection lost", OccurredAt: time.Now()},
	})
	require.NoError(t, err)
	require.Len(t, w.puts, 1)
	for path, data := range w.puts {
		require.True(t, strings.HasPrefix(path, "archive/failures/"))
		require.Contains(t, string(data), "connection lost")
	}
}
