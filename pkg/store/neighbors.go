package store

import (
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kabili207/mesh-node-bridge/pkg/models"
)

// NeighborStore persists the direct-neighbor edges reported in
// NEIGHBORINFO broadcasts.
type NeighborStore interface {
	// UpsertEdge records that neighborNum was heard directly by nodeNum.
	UpsertEdge(edge *models.NeighborEdge) error
	// GetEdges returns the known neighbors of a node.
	GetEdges(nodeNum uint32) ([]*models.NeighborEdge, error)
	// PruneOlderThan removes edges not refreshed since the cutoff.
	PruneOlderThan(cutoff time.Time) (int64, error)
}

type sqliteNeighborStore struct {
	db *sqlx.DB
}

// NewNeighborStore creates a new neighbor store.
func NewNeighborStore(dbconn *sqlx.DB) NeighborStore {
	return &sqliteNeighborStore{db: dbconn}
}

func (s *sqliteNeighborStore) UpsertEdge(edge *models.NeighborEdge) error {
	stmt := `
	INSERT INTO neighbor_edges (node_num, neighbor_num, snr, last_seen)
	VALUES (:node_num, :neighbor_num, :snr, :last_seen)
	ON CONFLICT (node_num, neighbor_num) DO UPDATE SET
		snr = excluded.snr,
		last_seen = excluded.last_seen;`

	_, err := s.db.NamedExec(stmt, edge)
	return err
}

func (s *sqliteNeighborStore) GetEdges(nodeNum uint32) ([]*models.NeighborEdge, error) {
	edges := []*models.NeighborEdge{}
	err := s.db.Select(&edges,
		`SELECT * FROM neighbor_edges WHERE node_num = ? ORDER BY neighbor_num;`, nodeNum)
	if err != nil {
		return nil, err
	}
	return edges, nil
}

func (s *sqliteNeighborStore) PruneOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM neighbor_edges WHERE last_seen < ?;`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
