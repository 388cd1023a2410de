package orders

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestPendingQueueAndRelease(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := NewPendingStore(mock)
	ctx := context.Background()

	ev := &Event{
		OrderID:      "ord-2",
		TenantID:     "apex-north",
		PatientID:    "pat-7",
		PatientPhone: "+15551234567",
		Modality:     "CT",
		Description:  "CT Chest w/ contrast",
		ReceivedAt:   time.Now().UTC(),
	}

	stripped := *ev
	stripped.PatientPhone = ""

	mock.ExpectExec("INSERT INTO pending_orders").
		WithArgs(pgxmock.AnyArg(), "apex-north", "hash-1", "enc-blob", mustJSON(t, &stripped)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	id, err := store.Queue(ctx, ev, "hash-1", "enc-blob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}
	if ev.PatientPhone != "+15551234567" {
		t.Fatal("queueing must not mutate the caller's event")
	}

	mock.ExpectQuery("SELECT id, tenant_id, phone_hash, phone_encrypted, payload, queued_at").
		WithArgs("apex-north", "hash-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "tenant_id", "phone_hash", "phone_encrypted", "payload", "queued_at", "hold_until"}).
			AddRow(id, "apex-north", "hash-1", "enc-blob", mustJSON(t, &stripped), time.Now().UTC(), nil))
	pending, err := store.ListPending(ctx, "apex-north", "hash-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 1 || pending[0].Event.OrderID != "ord-2" {
		t.Fatalf("unexpected pending %+v", pending)
	}
	if pending[0].PhoneEncrypted != "enc-blob" {
		t.Fatalf("expected encrypted phone on pending row, got %q", pending[0].PhoneEncrypted)
	}
	if pending[0].Event.PatientPhone != "" {
		t.Fatal("stored payload must not carry a plaintext phone")
	}

	mock.ExpectExec("UPDATE pending_orders").
		WithArgs([]string{id}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.MarkReleased(ctx, []string{id}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// No-op release never touches the database.
	if err := store.MarkReleased(ctx, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPendingHeldLifecycle(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := NewPendingStore(mock)
	ctx := context.Background()
	wake := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	ev := &Event{
		OrderID:      "ord-9",
		TenantID:     "apex-north",
		PatientID:    "pat-3",
		PatientPhone: "+15551234567",
		Modality:     "MRI",
		Description:  "MRI Brain w/o contrast",
		Priority:     PriorityRoutine,
		ReceivedAt:   time.Now().UTC(),
	}
	stripped := *ev
	stripped.PatientPhone = ""

	mock.ExpectExec("INSERT INTO pending_orders").
		WithArgs(pgxmock.AnyArg(), "apex-north", "hash-1", "enc-blob", mustJSON(t, &stripped), wake).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	id, err := store.QueueHeld(ctx, ev, "hash-1", "enc-blob", wake)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mock.ExpectQuery("SELECT id, tenant_id, phone_hash, phone_encrypted, payload, queued_at").
		WithArgs(wake.Add(time.Minute), 50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "tenant_id", "phone_hash", "phone_encrypted", "payload", "queued_at", "hold_until"}).
			AddRow(id, "apex-north", "hash-1", "enc-blob", mustJSON(t, &stripped), time.Now().UTC(), &wake))
	due, err := store.ListHeldDue(ctx, wake.Add(time.Minute), 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 1 || due[0].HoldUntil == nil || !due[0].HoldUntil.Equal(wake) {
		t.Fatalf("unexpected due rows %+v", due)
	}

	later := wake.Add(24 * time.Hour)
	mock.ExpectExec("UPDATE pending_orders").
		WithArgs([]string{id}, later).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.Hold(ctx, []string{id}, later); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mock.ExpectExec("UPDATE pending_orders").
		WithArgs([]string{id}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.ClearHold(ctx, []string{id}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Empty id sets never touch the database.
	if err := store.Hold(ctx, nil, later); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.ClearHold(ctx, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
