package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hedgesystem/closebot/internal/domain"
)

type memArchiver struct {
	recordsErr error
	archived   int64
	cutoffs    []time.Time
	failures   [][]domain.FailureRecord
}

func (m *memArchiver) ArchiveCloseRecords(_ context.Context, before time.Time) (int64, error) {
	if m.recordsErr != nil {
		return 0, m.recordsErr
	}
	m.cutoffs = append(m.cutoffs, before)
	return m.archived, nil
}

func (m *memArchiver) ArchiveFailures(_ context.Context, records []domain.FailureRecord) error {
	m.failures = append(m.failures, records)
	return nil
}

type memFailures struct {
	records []domain.FailureRecord
	cleared bool
}

func (m *memFailures) List() []domain.FailureRecord { return m.records }
func (m *memFailures) Clear()                       { m.cleared = true }

func TestArchiverRunOnceUsesRetentionCutoff(t *testing.T) {
	blob := &memArchiver{archived: 4}
	a := NewArchiver(blob, 90, time.Hour, discardLogger())

	require.NoError(t, a.RunOnce(context.Background()))
	require.Len(t, blob.cutoffs, 1)

	wantCutoff := time.Now().UTC().Add(-90 * 24 * time.Hour)
	require.WithinDuration(t, wantCutoff, blob.cutoffs[0], time.Minute)
}

func TestArchiverRunOnceDrainsFailureHistory(t *testing.T) {
	blob := &memArchiver{}
	failures := &memFailures{records: []domain.FailureRecord{
		{Kind: domain.ErrorKindConnectivity, RefID: "pos-1", Message: "connection lost"},
	}}

	a := NewArchiver(blob, 30, time.Hour, discardLogger())
	a.SetFailureSource(failures)

	require.NoError(t, a.RunOnce(context.Background()))
	require.Len(t, blob.failures, 1)
	require.Equal(t, "pos-1", blob.failures[0][0].RefID)
	require.True(t, failures.cleared, "history is cleared after a successful upload")
}

func TestArchiverRunOnceEmptyHistorySkipsUpload(t *testing.T) {
	blob := &memArchiver{}
	failures := &memFailures{}

	a := NewArchiver(blob, 30, time.Hour, discardLogger())
	a.SetFailureSource(failures)

	require.NoError(t, a.RunOnce(context.Background()))
	require.Empty(t, blob.failures)
	require.False(t, failures.cleared)
}

func TestArchiverRunOnceRecordError(t *testing.T) {
	wantErr := errors.New("bucket unavailable")
	a := NewArchiver(&memArchiver{recordsErr: wantErr}, 30, time.Hour, discardLogger())

	err := a.RunOnce(context.Background())
	require.ErrorIs(t, err, wantErr)
}
