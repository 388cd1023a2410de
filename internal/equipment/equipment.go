// Package equipment is the per-tenant catalog of imaging locations and the
// machines installed at them. The capability gate filters this catalog, so
// the capability columns here mirror exactly what the gate checks: slice
// counts, injectors, field strength, bore width class, tomosynthesis, and
// weight limits.
package equipment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrLocationNotFound = errors.New("equipment: location not found")

// Location is a bookable imaging site.
type Location struct {
	ID       string
	TenantID string
	Name     string
	Phone    string
	Active   bool
}

// Unit is one installed machine. Capability columns not applicable to a
// modality stay at their zero value.
type Unit struct {
	ID         string
	TenantID   string
	LocationID string
	Modality   string
	Active     bool

	CTSliceCount          int
	CTHasCardiac          bool
	CTHasContrastInjector bool

	MRIFieldStrength float64
	MRIWideBore      bool

	Mammo3DTomo       bool
	MammoStereoBiopsy bool

	MaxPatientWeightKg int
	HasBariatricTable  bool
}

// LocationEquipment pairs a location with its active units of one
// modality, the shape the capability gate consumes.
type LocationEquipment struct {
	Location Location
	Units    []Unit
}

// PgxPool is the subset of pgxpool.Pool the store needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads the catalog tables.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

// GetLocation returns one active location.
func (s *Store) GetLocation(ctx context.Context, tenantID, locationID string) (*Location, error) {
	query := `
		SELECT id, tenant_id, name, phone, active
		FROM locations
		WHERE tenant_id = $1 AND id = $2
	`
	var loc Location
	err := s.pool.QueryRow(ctx, query, tenantID, locationID).Scan(
		&loc.ID, &loc.TenantID, &loc.Name, &loc.Phone, &loc.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLocationNotFound
		}
		return nil, fmt.Errorf("equipment: get location: %w", err)
	}
	return &loc, nil
}

// LoadCatalog returns every active location with its active units of the
// given modality, in stable name order. Locations with no unit of the
// modality are omitted; they can never host the exam.
func (s *Store) LoadCatalog(ctx context.Context, tenantID, modality string) ([]LocationEquipment, error) {
	query := `
		SELECT l.id, l.tenant_id, l.name, l.phone, l.active,
		       u.id, u.location_id, u.modality, u.active,
		       u.ct_slice_count, u.ct_has_cardiac, u.ct_has_contrast_injector,
		       u.mri_field_strength, u.mri_wide_bore,
		       u.mammo_3d_tomo, u.mammo_stereo_biopsy,
		       u.max_patient_weight_kg, u.has_bariatric_table
		FROM locations l
		JOIN equipment_units u ON u.location_id = l.id
		WHERE l.tenant_id = $1 AND l.active AND u.active AND u.modality = $2
		ORDER BY l.name ASC, u.id ASC
	`
	rows, err := s.pool.Query(ctx, query, tenantID, modality)
	if err != nil {
		return nil, fmt.Errorf("equipment: load catalog: %w", err)
	}
	defer rows.Close()

	var (
		catalog []LocationEquipment
		index   = map[string]int{}
	)
	for rows.Next() {
		var (
			loc  Location
			unit Unit
		)
		err := rows.Scan(
			&loc.ID, &loc.TenantID, &loc.Name, &loc.Phone, &loc.Active,
			&unit.ID, &unit.LocationID, &unit.Modality, &unit.Active,
			&unit.CTSliceCount, &unit.CTHasCardiac, &unit.CTHasContrastInjector,
			&unit.MRIFieldStrength, &unit.MRIWideBore,
			&unit.Mammo3DTomo, &unit.MammoStereoBiopsy,
			&unit.MaxPatientWeightKg, &unit.HasBariatricTable,
		)
		if err != nil {
			return nil, fmt.Errorf("equipment: scan catalog: %w", err)
		}
		unit.TenantID = tenantID

		i, seen := index[loc.ID]
		if !seen {
			catalog = append(catalog, LocationEquipment{Location: loc})
			i = len(catalog) - 1
			index[loc.ID] = i
		}
		catalog[i].Units = append(catalog[i].Units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("equipment: load catalog: %w", err)
	}
	return catalog, nil
}
