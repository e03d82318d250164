package store

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/mesh-node-bridge/pkg/models"
)

var selectNodes = `SELECT n.* FROM nodes n`

// NodeStore provides database operations for mesh nodes.
type NodeStore interface {
	// GetNode retrieves a node by number, or (nil, nil) if unknown.
	GetNode(nodeNum uint32) (*models.Node, error)
	// UpsertNode inserts or fully replaces a node record.
	UpsertNode(node *models.Node) error
	// GetAllNodes retrieves every known node.
	GetAllNodes() ([]*models.Node, error)
	// CountNodes returns total nodes, nodes heard within onlineWindow,
	// and nodes heard directly (zero hops) within onlineWindow.
	CountNodes(onlineWindow time.Duration) (total, online, direct int, err error)
	// SetFavorite flips the favorite flag.
	SetFavorite(nodeNum uint32, favorite bool) error
	// SetIgnored flips the ignored flag.
	SetIgnored(nodeNum uint32, ignored bool) error
	// DeleteNode removes a node record.
	DeleteNode(nodeNum uint32) error
	// TouchLastHeard updates the last-heard timestamp.
	TouchLastHeard(nodeNum uint32, at time.Time) error
	// SetLastTraceroute records when the bridge last traced the node.
	SetLastTraceroute(nodeNum uint32, at time.Time) error
	// NodeNeedingTraceroute returns the least-recently traced node heard
	// within the last 24 hours that is not ignored and not the local node.
	NodeNeedingTraceroute(localNodeNum uint32) (*models.Node, error)
}

type sqliteNodeStore struct {
	db *sqlx.DB
}

// NewNodeStore creates a new node store.
func NewNodeStore(dbconn *sqlx.DB) NodeStore {
	return &sqliteNodeStore{db: dbconn}
}

func (s *sqliteNodeStore) GetNode(nodeNum uint32) (*models.Node, error) {
	query := selectNodes + " WHERE n.node_num = ?;"
	var node models.Node
	err := s.db.Get(&node, query, nodeNum)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *sqliteNodeStore) UpsertNode(node *models.Node) error {
	stmt := `
	INSERT INTO nodes (node_num, node_id, long_name, short_name, hw_model, role,
		snr, rssi, hops_away, latitude, longitude, altitude,
		position_precision, position_time, public_key,
		key_is_low_entropy, key_is_duplicate, is_favorite, is_ignored,
		is_mobile, first_heard, last_heard, last_traceroute_at)
	VALUES (:node_num, :node_id, :long_name, :short_name, :hw_model, :role,
		:snr, :rssi, :hops_away, :latitude, :longitude, :altitude,
		:position_precision, :position_time, :public_key,
		:key_is_low_entropy, :key_is_duplicate, :is_favorite, :is_ignored,
		:is_mobile, :first_heard, :last_heard, :last_traceroute_at)
	ON CONFLICT (node_num)
	DO UPDATE SET
		node_id = :node_id,
		long_name = :long_name,
		short_name = :short_name,
		hw_model = :hw_model,
		role = :role,
		snr = :snr,
		rssi = :rssi,
		hops_away = :hops_away,
		latitude = :latitude,
		longitude = :longitude,
		altitude = :altitude,
		position_precision = :position_precision,
		position_time = :position_time,
		public_key = :public_key,
		key_is_low_entropy = :key_is_low_entropy,
		key_is_duplicate = :key_is_duplicate,
		is_favorite = :is_favorite,
		is_ignored = :is_ignored,
		is_mobile = :is_mobile,
		first_heard = :first_heard,
		last_heard = :last_heard,
		last_traceroute_at = :last_traceroute_at
	;`

	_, err := s.db.NamedExec(stmt, node)
	return err
}

func (s *sqliteNodeStore) GetAllNodes() ([]*models.Node, error) {
	query := selectNodes + " ORDER BY n.last_heard DESC;"
	nodes := []*models.Node{}
	err := s.db.Select(&nodes, query)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *sqliteNodeStore) CountNodes(onlineWindow time.Duration) (int, int, int, error) {
	cutoff := time.Now().Add(-onlineWindow)
	var total, online, direct int
	if err := s.db.Get(&total, `SELECT COUNT(*) FROM nodes;`); err != nil {
		return 0, 0, 0, err
	}
	if err := s.db.Get(&online, `SELECT COUNT(*) FROM nodes WHERE last_heard >= ?;`, cutoff); err != nil {
		return 0, 0, 0, err
	}
	err := s.db.Get(&direct, `SELECT COUNT(*) FROM nodes WHERE last_heard >= ? AND hops_away = 0;`, cutoff)
	return total, online, direct, err
}

func (s *sqliteNodeStore) SetFavorite(nodeNum uint32, favorite bool) error {
	_, err := s.db.Exec(`UPDATE nodes SET is_favorite = ? WHERE node_num = ?;`, favorite, nodeNum)
	return err
}

func (s *sqliteNodeStore) SetIgnored(nodeNum uint32, ignored bool) error {
	_, err := s.db.Exec(`UPDATE nodes SET is_ignored = ? WHERE node_num = ?;`, ignored, nodeNum)
	return err
}

func (s *sqliteNodeStore) DeleteNode(nodeNum uint32) error {
	_, err := s.db.Exec(`DELETE FROM nodes WHERE node_num = ?;`, nodeNum)
	return err
}

func (s *sqliteNodeStore) TouchLastHeard(nodeNum uint32, at time.Time) error {
	_, err := s.db.Exec(`UPDATE nodes SET last_heard = ? WHERE node_num = ?;`, at, nodeNum)
	return err
}

func (s *sqliteNodeStore) SetLastTraceroute(nodeNum uint32, at time.Time) error {
	_, err := s.db.Exec(`UPDATE nodes SET last_traceroute_at = ? WHERE node_num = ?;`, at, nodeNum)
	return err
}

func (s *sqliteNodeStore) NodeNeedingTraceroute(localNodeNum uint32) (*models.Node, error) {
	query := selectNodes + `
	WHERE n.node_num != ?
	  AND n.is_ignored = 0
	  AND n.last_heard >= ?
	ORDER BY n.last_traceroute_at ASC NULLS FIRST, n.last_heard DESC
	LIMIT 1;`
	var node models.Node
	err := s.db.Get(&node, query, localNodeNum, time.Now().Add(-24*time.Hour))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}
