package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexrad/radsched/internal/audit"
	"github.com/apexrad/radsched/internal/session"
)

type fakeS3 struct {
	puts   map[string][]byte
	putErr error
}

func (f *fakeS3) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.puts[aws.ToString(input.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

type fakeSessions struct {
	due      []*session.Session
	listErr  error
	archived []string
	markErr  error
}

func (f *fakeSessions) ListTerminalUnarchived(_ context.Context, _ time.Time, limit int) ([]*session.Session, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.due) > limit {
		return f.due[:limit], nil
	}
	return f.due, nil
}

func (f *fakeSessions) MarkArchived(_ context.Context, id string, _ time.Time) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.archived = append(f.archived, id)
	return nil
}

type fakeTrail struct {
	recs []audit.TransitionRecord
	err  error
}

func (f *fakeTrail) TransitionsForSession(context.Context, string) ([]audit.TransitionRecord, error) {
	return f.recs, f.err
}

func terminalSession(id string) *session.Session {
	done := time.Date(2026, 7, 4, 15, 30, 0, 0, time.UTC)
	return &session.Session{
		ID:          id,
		TenantID:    "acme",
		PhoneHash:   "hash",
		State:       session.StateConfirmed,
		StartedAt:   done.Add(-time.Hour),
		CompletedAt: &done,
	}
}

func TestExporterWritesDatedKeyAndMarks(t *testing.T) {
	s3c := &fakeS3{}
	sessions := &fakeSessions{due: []*session.Session{terminalSession("sess-1")}}
	trail := &fakeTrail{recs: []audit.TransitionRecord{{SessionID: "sess-1", Event: "BOOKED"}}}
	exp := NewExporter(s3c, "radsched-archive", sessions, trail, nil)

	n, err := exp.ExportBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"sess-1"}, sessions.archived)

	body, ok := s3c.puts["sessions/acme/2026/07/04/sess-1.json"]
	require.True(t, ok, "object key must partition by tenant and completion date, got %v", keys(s3c.puts))

	var rec Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, "sess-1", rec.Session.ID)
	require.Len(t, rec.Transitions, 1)
	assert.Equal(t, "BOOKED", rec.Transitions[0].Event)
}

func TestExporterDisabledWithoutBucket(t *testing.T) {
	exp := NewExporter(&fakeS3{}, "", &fakeSessions{due: []*session.Session{terminalSession("sess-1")}}, nil, nil)
	assert.False(t, exp.Enabled())

	n, err := exp.ExportBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExporterSkipsFailedSessions(t *testing.T) {
	s3c := &fakeS3{putErr: errors.New("s3 down")}
	sessions := &fakeSessions{due: []*session.Session{terminalSession("sess-1"), terminalSession("sess-2")}}
	exp := NewExporter(s3c, "radsched-archive", sessions, nil, nil)

	n, err := exp.ExportBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sessions.archived, "failed exports stay unarchived for the next sweep")
}

func TestExporterProceedsWithoutTrail(t *testing.T) {
	s3c := &fakeS3{}
	sessions := &fakeSessions{due: []*session.Session{terminalSession("sess-1")}}
	exp := NewExporter(s3c, "radsched-archive", sessions, &fakeTrail{err: errors.New("audit down")}, nil)

	n, err := exp.ExportBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var rec Record
	require.NoError(t, json.Unmarshal(s3c.puts["sessions/acme/2026/07/04/sess-1.json"], &rec))
	assert.Empty(t, rec.Transitions)
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
