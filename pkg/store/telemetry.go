package store

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/mesh-node-bridge/pkg/models"
)

// TelemetryStore provides append-only storage for telemetry samples.
type TelemetryStore interface {
	// InsertSample persists one sample.
	InsertSample(sample *models.TelemetrySample) error
	// LatestSample retrieves the most recent sample of a type for a node,
	// or (nil, nil) if none exist.
	LatestSample(nodeID, sampleType string) (*models.TelemetrySample, error)
	// GetSamples retrieves samples of a type for a node, newest first.
	GetSamples(nodeID, sampleType string, limit int) ([]*models.TelemetrySample, error)
}

type sqliteTelemetryStore struct {
	db *sqlx.DB
}

// NewTelemetryStore creates a new telemetry store.
func NewTelemetryStore(dbconn *sqlx.DB) TelemetryStore {
	return &sqliteTelemetryStore{db: dbconn}
}

func (s *sqliteTelemetryStore) InsertSample(sample *models.TelemetrySample) error {
	stmt := `
	INSERT INTO telemetry (node_id, type, timestamp, value, unit, channel_idx, precision_bits, accuracy)
	VALUES (:node_id, :type, :timestamp, :value, :unit, :channel_idx, :precision_bits, :accuracy);`

	_, err := s.db.NamedExec(stmt, sample)
	return err
}

func (s *sqliteTelemetryStore) LatestSample(nodeID, sampleType string) (*models.TelemetrySample, error) {
	query := `SELECT t.* FROM telemetry t WHERE t.node_id = ? AND t.type = ? ORDER BY t.timestamp DESC LIMIT 1;`
	var sample models.TelemetrySample
	err := s.db.Get(&sample, query, nodeID, sampleType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

func (s *sqliteTelemetryStore) GetSamples(nodeID, sampleType string, limit int) ([]*models.TelemetrySample, error) {
	query := `SELECT t.* FROM telemetry t WHERE t.node_id = ? AND t.type = ? ORDER BY t.timestamp DESC LIMIT ?;`
	samples := []*models.TelemetrySample{}
	err := s.db.Select(&samples, query, nodeID, sampleType, limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return samples, nil
}
