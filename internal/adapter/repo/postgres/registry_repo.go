package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/riskline/defector/internal/domain"
)

// registryTables whitelists the three parallel capability tables; table names
// cannot be bound as SQL parameters.
var registryTables = map[domain.CapabilityRegistry]string{
	domain.RegistryCleaningRules:    "cleaning_rules",
	domain.RegistryFeatureSelection: "feature_selection_algorithms",
	domain.RegistryModelTypes:       "model_types",
}

// CapabilityRepo persists the three capability registries.
type CapabilityRepo struct{ Pool PgxPool }

// NewCapabilityRepo constructs a CapabilityRepo with the given pool.
func NewCapabilityRepo(p PgxPool) *CapabilityRepo { return &CapabilityRepo{Pool: p} }

// Sync runs the registry-synchronisation protocol for one worker in one
// transaction: upsert every discovered capability as implemented and owned by
// workerID, then down-flag rows owned by workerID that vanished from the
// discovery set. Rows owned by other workers are never touched.
func (r *CapabilityRepo) Sync(ctx domain.Context, registry domain.CapabilityRegistry, workerID string, discovered []domain.Capability) error {
	tracer := otel.Tracer("repo.capabilities")
	ctx, span := tracer.Start(ctx, "capabilities.Sync")
	defer span.End()
	table, ok := registryTables[registry]
	if !ok {
		return fmt.Errorf("op=capability.sync: unknown registry %q: %w", registry, domain.ErrInvalidArgument)
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=capability.sync.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	names := make([]string, 0, len(discovered))
	upsert := `INSERT INTO ` + table + ` (name, display_name, description, parameter_schema, is_implemented, last_updated_by, updated_at)
		VALUES ($1,$2,$3,$4,TRUE,$5,$6)
		ON CONFLICT (name) DO UPDATE SET
		display_name=EXCLUDED.display_name, description=EXCLUDED.description,
		parameter_schema=EXCLUDED.parameter_schema, is_implemented=TRUE,
		last_updated_by=EXCLUDED.last_updated_by, updated_at=EXCLUDED.updated_at`
	for _, c := range discovered {
		spec, err := json.Marshal(c.ParameterSpec)
		if err != nil {
			return fmt.Errorf("op=capability.sync.marshal: %w", err)
		}
		if _, err := tx.Exec(ctx, upsert, c.Name, c.DisplayName, c.Description, spec, workerID, now); err != nil {
			return fmt.Errorf("op=capability.sync.upsert: %w", err)
		}
		names = append(names, c.Name)
	}

	downFlag := `UPDATE ` + table + ` SET is_implemented=FALSE, updated_at=$2
		WHERE last_updated_by=$1 AND NOT (name = ANY($3))`
	if _, err := tx.Exec(ctx, downFlag, workerID, now, names); err != nil {
		return fmt.Errorf("op=capability.sync.downflag: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=capability.sync.commit: %w", err)
	}
	return nil
}

// ListImplemented returns the rows where is_implemented=true.
func (r *CapabilityRepo) ListImplemented(ctx domain.Context, registry domain.CapabilityRegistry) ([]domain.Capability, error) {
	tracer := otel.Tracer("repo.capabilities")
	ctx, span := tracer.Start(ctx, "capabilities.ListImplemented")
	defer span.End()
	table, ok := registryTables[registry]
	if !ok {
		return nil, fmt.Errorf("op=capability.list: unknown registry %q: %w", registry, domain.ErrInvalidArgument)
	}
	q := `SELECT name, display_name, description, parameter_schema, is_implemented, last_updated_by, updated_at
		FROM ` + table + ` WHERE is_implemented ORDER BY name`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=capability.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Capability
	for rows.Next() {
		c, err := scanCapability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get loads one capability row by name.
func (r *CapabilityRepo) Get(ctx domain.Context, registry domain.CapabilityRegistry, name string) (domain.Capability, error) {
	table, ok := registryTables[registry]
	if !ok {
		return domain.Capability{}, fmt.Errorf("op=capability.get: unknown registry %q: %w", registry, domain.ErrInvalidArgument)
	}
	q := `SELECT name, display_name, description, parameter_schema, is_implemented, last_updated_by, updated_at
		FROM ` + table + ` WHERE name=$1`
	c, err := scanCapability(r.Pool.QueryRow(ctx, q, name))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Capability{}, fmt.Errorf("op=capability.get name=%s: %w", name, domain.ErrNotFound)
		}
		return domain.Capability{}, err
	}
	return c, nil
}

func scanCapability(row pgx.Row) (domain.Capability, error) {
	var c domain.Capability
	var spec []byte
	if err := row.Scan(&c.Name, &c.DisplayName, &c.Description, &spec, &c.IsImplemented, &c.LastUpdatedBy, &c.UpdatedAt); err != nil {
		return domain.Capability{}, fmt.Errorf("op=capability.scan: %w", err)
	}
	if err := json.Unmarshal(spec, &c.ParameterSpec); err != nil {
		return domain.Capability{}, fmt.Errorf("op=capability.scan.unmarshal: %w", err)
	}
	return c, nil
}
