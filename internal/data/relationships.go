package data

import (
	"context"

	"github.com/technosupport/apex-engine/internal/correlate"
)

// RelationshipModel persists the monitor topology. Only the canonical
// direction is stored; the engine mirrors on registration, so List returns
// one row per declared pair.
type RelationshipModel struct {
	DB DBTX
}

func (m RelationshipModel) Upsert(ctx context.Context, rel correlate.MonitorRelationship) error {
	query := `
		INSERT INTO monitor_relationships (monitor_a, monitor_b, kind, confidence_multiplier)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (monitor_a, monitor_b)
		DO UPDATE SET kind = EXCLUDED.kind, confidence_multiplier = EXCLUDED.confidence_multiplier`

	_, err := m.DB.ExecContext(ctx, query,
		rel.MonitorA, rel.MonitorB, string(rel.Kind), rel.ConfidenceMultiplier)
	return err
}

func (m RelationshipModel) List(ctx context.Context) ([]correlate.MonitorRelationship, error) {
	query := `
		SELECT monitor_a, monitor_b, kind, confidence_multiplier
		FROM monitor_relationships
		ORDER BY monitor_a, monitor_b`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []correlate.MonitorRelationship
	for rows.Next() {
		var rel correlate.MonitorRelationship
		var kind string
		if err := rows.Scan(&rel.MonitorA, &rel.MonitorB, &kind, &rel.ConfidenceMultiplier); err != nil {
			return nil, err
		}
		rel.Kind = correlate.RelationshipKind(kind)
		out = append(out, rel)
	}
	return out, rows.Err()
}
