package ml

import (
	"encoding/json"
	"fmt"

	"github.com/riskline/defector/internal/domain"
)

// LoadArtifact restores a fitted strategy from an artifact written by Save.
// The envelope's model_type selects the concrete strategy.
func LoadArtifact(data []byte) (Strategy, error) {
	var env modelEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode model artifact: %w: %w", domain.ErrArtifact, err)
	}
	d, err := Lookup(env.Type)
	if err != nil {
		return nil, fmt.Errorf("model artifact: %w", err)
	}
	s, err := d.New(env.Features, nil, 0)
	if err != nil {
		return nil, err
	}
	if err := s.Load(data); err != nil {
		return nil, err
	}
	return s, nil
}
