// Package archive exports finished conversations to S3 before they age out
// of the hot store. Each terminal session becomes one JSON object carrying
// the session record and its transition trail; phone numbers appear only as
// hashes. Long-term retention is a bucket lifecycle policy, not code here.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/apexrad/radsched/internal/audit"
	"github.com/apexrad/radsched/internal/session"
	"github.com/apexrad/radsched/pkg/logging"
)

// gracePeriod keeps terminal sessions in the hot store long enough for
// support lookups before export.
const gracePeriod = 30 * 24 * time.Hour

// S3API is the subset of the S3 client the exporter uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SessionSource lists sessions due for export and marks them done.
type SessionSource interface {
	ListTerminalUnarchived(ctx context.Context, before time.Time, limit int) ([]*session.Session, error)
	MarkArchived(ctx context.Context, id string, at time.Time) error
}

// TransitionSource loads the audit trail bundled into each export.
type TransitionSource interface {
	TransitionsForSession(ctx context.Context, sessionID string) ([]audit.TransitionRecord, error)
}

// Record is the exported JSON shape. The session is embedded as stored:
// hashed and encrypted phone forms only.
type Record struct {
	Version     string                   `json:"version"`
	Session     *session.Session         `json:"session"`
	Transitions []audit.TransitionRecord `json:"transitions,omitempty"`
	ExportedAt  time.Time                `json:"exported_at"`
}

// Exporter writes terminal sessions to S3. With no bucket configured it is
// a no-op and Enabled reports false.
type Exporter struct {
	s3Client    S3API
	bucket      string
	sessions    SessionSource
	transitions TransitionSource
	logger      *logging.Logger
	grace       time.Duration
	now         func() time.Time
}

// NewExporter builds the exporter. transitions may be nil; exports then
// carry the session record alone.
func NewExporter(s3Client S3API, bucket string, sessions SessionSource, transitions TransitionSource, logger *logging.Logger) *Exporter {
	if logger == nil {
		logger = logging.Default()
	}
	return &Exporter{
		s3Client:    s3Client,
		bucket:      bucket,
		sessions:    sessions,
		transitions: transitions,
		logger:      logger,
		grace:       gracePeriod,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithGracePeriod overrides how long terminal sessions stay hot before
// export.
func (e *Exporter) WithGracePeriod(d time.Duration) *Exporter {
	if d > 0 {
		e.grace = d
	}
	return e
}

// Enabled reports whether archival is configured.
func (e *Exporter) Enabled() bool {
	return e != nil && e.bucket != "" && e.s3Client != nil
}

// ExportBatch exports up to limit terminal sessions past the grace period
// and marks each archived. Per-session failures are logged and skipped so
// one bad row cannot stall the sweep. Returns the number exported.
func (e *Exporter) ExportBatch(ctx context.Context, limit int) (int, error) {
	if !e.Enabled() {
		return 0, nil
	}
	cutoff := e.now().Add(-e.grace)
	due, err := e.sessions.ListTerminalUnarchived(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("archive: list due sessions: %w", err)
	}

	exported := 0
	for _, sess := range due {
		if err := e.exportOne(ctx, sess); err != nil {
			e.logger.Error("session export failed",
				"session_id", sess.ID, "tenant_id", sess.TenantID, "error", err)
			continue
		}
		exported++
	}
	return exported, nil
}

func (e *Exporter) exportOne(ctx context.Context, sess *session.Session) error {
	rec := Record{
		Version:    "1",
		Session:    sess,
		ExportedAt: e.now(),
	}
	if e.transitions != nil {
		trail, err := e.transitions.TransitionsForSession(ctx, sess.ID)
		if err != nil {
			// The session itself is the record of truth; export without
			// the trail rather than leaving the row in the hot store.
			e.logger.Warn("export proceeding without transition trail",
				"session_id", sess.ID, "error", err)
		} else {
			rec.Transitions = trail
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	key := objectKey(sess)
	_, err = e.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}

	if err := e.sessions.MarkArchived(ctx, sess.ID, e.now()); err != nil {
		// The object is written; a replay overwrites it with identical
		// content, so only the mark needs to land eventually.
		return fmt.Errorf("mark archived: %w", err)
	}

	e.logger.Info("session exported",
		"session_id", sess.ID, "tenant_id", sess.TenantID, "s3_key", key, "state", sess.State)
	return nil
}

// objectKey partitions exports by tenant and completion date so lifecycle
// rules and audits can address them by range.
func objectKey(sess *session.Session) string {
	at := sess.StartedAt
	if sess.CompletedAt != nil {
		at = *sess.CompletedAt
	}
	return fmt.Sprintf("sessions/%s/%d/%02d/%02d/%s.json",
		sess.TenantID, at.Year(), at.Month(), at.Day(), sess.ID)
}
