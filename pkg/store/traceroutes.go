package store

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/mesh-node-bridge/pkg/models"
)

// TracerouteStore provides storage for traceroutes and derived segments.
type TracerouteStore interface {
	// InsertTraceroute persists a traceroute and returns its row ID.
	InsertTraceroute(tr *models.Traceroute) (int64, error)
	// InsertSegment persists one derived route segment.
	InsertSegment(seg *models.RouteSegment) error
	// LongestSegment retrieves the current record-holding link, or
	// (nil, nil) if no segment exists yet.
	LongestSegment() (*models.RouteSegment, error)
	// ClearRecordHolder drops the record flag from all segments.
	ClearRecordHolder() error
	// GetRecent retrieves the most recent traceroutes, newest first.
	GetRecent(limit int) ([]*models.Traceroute, error)
}

type sqliteTracerouteStore struct {
	db *sqlx.DB
}

// NewTracerouteStore creates a new traceroute store.
func NewTracerouteStore(dbconn *sqlx.DB) TracerouteStore {
	return &sqliteTracerouteStore{db: dbconn}
}

func (s *sqliteTracerouteStore) InsertTraceroute(tr *models.Traceroute) (int64, error) {
	stmt := `
	INSERT INTO traceroutes (from_node_num, to_node_num, forward_hops, return_hops, forward_snr, return_snr, created_at)
	VALUES (:from_node_num, :to_node_num, :forward_hops, :return_hops, :forward_snr, :return_snr, :created_at);`

	res, err := s.db.NamedExec(stmt, tr)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteTracerouteStore) InsertSegment(seg *models.RouteSegment) error {
	stmt := `
	INSERT INTO route_segments (traceroute_id, node_a, node_b, distance_km, is_record_holder, created_at)
	VALUES (:traceroute_id, :node_a, :node_b, :distance_km, :is_record_holder, :created_at);`

	_, err := s.db.NamedExec(stmt, seg)
	return err
}

func (s *sqliteTracerouteStore) LongestSegment() (*models.RouteSegment, error) {
	query := `SELECT r.* FROM route_segments r ORDER BY r.distance_km DESC LIMIT 1;`
	var seg models.RouteSegment
	err := s.db.Get(&seg, query)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &seg, nil
}

func (s *sqliteTracerouteStore) ClearRecordHolder() error {
	_, err := s.db.Exec(`UPDATE route_segments SET is_record_holder = 0 WHERE is_record_holder = 1;`)
	return err
}

func (s *sqliteTracerouteStore) GetRecent(limit int) ([]*models.Traceroute, error) {
	query := `SELECT t.* FROM traceroutes t ORDER BY t.created_at DESC LIMIT ?;`
	trs := []*models.Traceroute{}
	err := s.db.Select(&trs, query, limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return trs, nil
}
