package consent

import (
	"context"
	"testing"
	"time"

	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

const (
	testTenant = "apex-north"
	testHash   = "0a1b2c3d"
)

func consentColumns() []string {
	return []string{"id", "tenant_id", "phone_hash", "granted", "method", "granted_at", "revoked_at", "revocation_reason", "created_at"}
}

func TestStatusDerivation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := NewStore(mock)
	ctx := context.Background()
	now := time.Now().UTC()

	// No history at all.
	mock.ExpectQuery("SELECT id, tenant_id, phone_hash").
		WithArgs(testTenant, testHash).
		WillReturnError(pgx.ErrNoRows)
	status, err := store.Status(ctx, testTenant, testHash)
	if err != nil || status != StatusNone {
		t.Fatalf("expected NONE, got %s err=%v", status, err)
	}

	// Open grant.
	mock.ExpectQuery("SELECT id, tenant_id, phone_hash").
		WithArgs(testTenant, testHash).
		WillReturnRows(pgxmock.NewRows(consentColumns()).
			AddRow("c1", testTenant, testHash, true, MethodSMSReply, now, nil, "", now))
	status, err = store.Status(ctx, testTenant, testHash)
	if err != nil || status != StatusGranted {
		t.Fatalf("expected GRANTED, got %s err=%v", status, err)
	}

	// Newest row revoked wins regardless of the granted flag.
	revoked := now.Add(time.Minute)
	mock.ExpectQuery("SELECT id, tenant_id, phone_hash").
		WithArgs(testTenant, testHash).
		WillReturnRows(pgxmock.NewRows(consentColumns()).
			AddRow("c2", testTenant, testHash, true, MethodSMSReply, now, &revoked, "STOP", now))
	status, err = store.Status(ctx, testTenant, testHash)
	if err != nil || status != StatusRevoked {
		t.Fatalf("expected REVOKED, got %s err=%v", status, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGrantInsertsNewRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := NewStore(mock)

	mock.ExpectExec("INSERT INTO consents").
		WithArgs(pgxmock.AnyArg(), testTenant, testHash, MethodSMSReply).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := store.Grant(context.Background(), testTenant, testHash, MethodSMSReply); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRevokeStampsOpenRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := NewStore(mock)

	mock.ExpectExec("UPDATE consents").
		WithArgs(testTenant, testHash, "STOP").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := store.Revoke(context.Background(), testTenant, testHash, "STOP"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRevokeWithoutHistoryInsertsRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := NewStore(mock)

	// No open row to stamp, so the opt-out is recorded as its own row.
	mock.ExpectExec("UPDATE consents").
		WithArgs(testTenant, testHash, "STOP").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("INSERT INTO consents").
		WithArgs(pgxmock.AnyArg(), testTenant, testHash, MethodSMSReply, "STOP").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := store.Revoke(context.Background(), testTenant, testHash, "STOP"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
