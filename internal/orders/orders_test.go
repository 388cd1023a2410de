package orders

import (
	"strings"
	"testing"
)

func TestParseEvent(t *testing.T) {
	body := []byte(`{
		"orderId": "ord-100",
		"tenantId": "apex-north",
		"patientId": "pat-7",
		"patientPhone": "(555) 123-4567",
		"modality": "mri",
		"description": "MRI Brain w/o contrast",
		"cptCode": "70551"
	}`)

	ev, err := ParseEvent(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.PatientPhone != "+15551234567" {
		t.Fatalf("expected normalized phone, got %s", ev.PatientPhone)
	}
	if ev.Modality != "MRI" {
		t.Fatalf("expected uppercased modality, got %s", ev.Modality)
	}
	if ev.ReceivedAt.IsZero() {
		t.Fatal("expected ReceivedAt to be stamped")
	}
}

func TestValidateCollectsAllFailures(t *testing.T) {
	ev := &Event{
		Modality:     "CAT",
		PatientPhone: "123",
	}
	err := ev.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	for _, field := range []string{"orderId", "patientId", "description", "modality", "patientPhone"} {
		found := false
		for _, f := range ve.Fields {
			if f == field {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected %s in failed fields, got %v", field, ve.Fields)
		}
	}
}

func TestValidModality(t *testing.T) {
	for _, m := range []string{"CT", "MRI", "MG", "US", "XR", "NM", "PET", "FL", "mri", " ct "} {
		if !ValidModality(m) {
			t.Fatalf("expected %q to be valid", m)
		}
	}
	for _, m := range []string{"", "CAT", "MRA1"} {
		if ValidModality(m) {
			t.Fatalf("expected %q to be invalid", m)
		}
	}
}

func TestSnapshotOmitsIdentifiers(t *testing.T) {
	ev := &Event{
		OrderID:      "ord-1",
		TenantID:     "apex-north",
		PatientID:    "pat-7",
		PatientPhone: "+15551234567",
		Modality:     "CT",
		Description:  "CT Abdomen with contrast",
	}
	snap := ev.Snapshot()
	if snap.OrderID != "ord-1" || snap.Modality != "CT" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	// The snapshot type has no patient fields; this guards against
	// someone adding them back.
	if strings.Contains(string(mustJSON(t, snap)), "pat-7") {
		t.Fatal("snapshot leaked the patient id")
	}
}

func TestShortLabelTruncates(t *testing.T) {
	o := Order{Modality: "MRI", Description: strings.Repeat("brain ", 20)}
	label := o.ShortLabel()
	if len(label) > 70 {
		t.Fatalf("label too long: %d", len(label))
	}
	if !strings.HasPrefix(label, "MRI: ") {
		t.Fatalf("unexpected label %q", label)
	}
}
