// Package registrysync publishes a worker's compiled-in capabilities into
// the three registry tables at startup. Each registry syncs in its own
// transaction; rows owned by other workers are never touched.
package registrysync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riskline/defector/internal/adapter/observability"
	"github.com/riskline/defector/internal/cleaning"
	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/featureselect"
	"github.com/riskline/defector/internal/ml"
)

// Sync advertises everything this binary implements under workerID.
func Sync(ctx context.Context, repo domain.CapabilityRepository, workerID string) error {
	log := observability.LoggerFromContext(ctx)
	for _, reg := range []struct {
		registry   domain.CapabilityRegistry
		discovered []domain.Capability
	}{
		{domain.RegistryCleaningRules, cleaning.Capabilities()},
		{domain.RegistryFeatureSelection, featureselect.Capabilities()},
		{domain.RegistryModelTypes, ml.Capabilities()},
	} {
		if err := repo.Sync(ctx, reg.registry, workerID, reg.discovered); err != nil {
			return fmt.Errorf("sync %s: %w", reg.registry, err)
		}
		log.Info("capability registry synced",
			slog.String("registry", string(reg.registry)),
			slog.String("worker_id", workerID),
			slog.Int("capabilities", len(reg.discovered)))
	}
	return nil
}
