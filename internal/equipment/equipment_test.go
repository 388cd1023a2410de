package equipment

import (
	"context"
	"errors"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func catalogColumns() []string {
	return []string{
		"l_id", "l_tenant_id", "l_name", "l_phone", "l_active",
		"u_id", "u_location_id", "u_modality", "u_active",
		"ct_slice_count", "ct_has_cardiac", "ct_has_contrast_injector",
		"mri_field_strength", "mri_wide_bore",
		"mammo_3d_tomo", "mammo_stereo_biopsy",
		"max_patient_weight_kg", "has_bariatric_table",
	}
}

func TestLoadCatalogGroupsUnitsByLocation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := NewStore(mock)

	rows := pgxmock.NewRows(catalogColumns()).
		AddRow("loc-1", "apex-north", "Downtown", "+15550001111", true,
			"u-1", "loc-1", "MRI", true,
			0, false, false, 1.5, false, false, false, 0, false).
		AddRow("loc-1", "apex-north", "Downtown", "+15550001111", true,
			"u-2", "loc-1", "MRI", true,
			0, false, false, 3.0, true, false, false, 200, true).
		AddRow("loc-2", "apex-north", "Eastside", "+15550002222", true,
			"u-3", "loc-2", "MRI", true,
			0, false, false, 1.5, false, false, false, 0, false)

	mock.ExpectQuery("FROM locations l").
		WithArgs("apex-north", "MRI").
		WillReturnRows(rows)

	catalog, err := store.LoadCatalog(context.Background(), "apex-north", "MRI")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(catalog) != 2 {
		t.Fatalf("expected 2 locations, got %d", len(catalog))
	}
	if catalog[0].Location.Name != "Downtown" || len(catalog[0].Units) != 2 {
		t.Fatalf("unexpected first location %+v", catalog[0])
	}
	if catalog[0].Units[1].MRIFieldStrength != 3.0 || !catalog[0].Units[1].MRIWideBore {
		t.Fatalf("unit capabilities lost in scan: %+v", catalog[0].Units[1])
	}
	if len(catalog[1].Units) != 1 {
		t.Fatalf("unexpected second location %+v", catalog[1])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetLocationNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := NewStore(mock)

	mock.ExpectQuery("SELECT id, tenant_id, name, phone, active").
		WithArgs("apex-north", "loc-missing").
		WillReturnError(errors.New("no rows in result set"))

	if _, err := store.GetLocation(context.Background(), "apex-north", "loc-missing"); err == nil {
		t.Fatal("expected error")
	}
}
