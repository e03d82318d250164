package store

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/mesh-node-bridge/pkg/models"
)

var selectChannels = `SELECT c.* FROM channels c`

// ChannelStore provides database operations for the radio's channel table.
type ChannelStore interface {
	// GetChannel retrieves a channel by index, or (nil, nil) if unknown.
	GetChannel(index int) (*models.Channel, error)
	// UpsertChannel inserts or replaces a channel slot, correcting any
	// role assignment that would violate the single-primary invariant.
	UpsertChannel(ch *models.Channel) error
	// GetAllChannels retrieves all channel slots in index order.
	GetAllChannels() ([]*models.Channel, error)
}

type sqliteChannelStore struct {
	db *sqlx.DB
}

// NewChannelStore creates a new channel store.
func NewChannelStore(dbconn *sqlx.DB) ChannelStore {
	return &sqliteChannelStore{db: dbconn}
}

func (s *sqliteChannelStore) GetChannel(index int) (*models.Channel, error) {
	query := selectChannels + " WHERE c.idx = ?;"
	var ch models.Channel
	err := s.db.Get(&ch, query, index)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *sqliteChannelStore) UpsertChannel(ch *models.Channel) error {
	corrected := *ch
	// Index 0 is always primary; indices >= 1 claiming primary are
	// demoted to secondary.
	if corrected.Index == 0 {
		corrected.Role = models.ChannelRolePrimary
	} else if corrected.Role == models.ChannelRolePrimary {
		corrected.Role = models.ChannelRoleSecondary
	}

	stmt := `
	INSERT INTO channels (idx, name, has_psk, role, uplink_enabled, downlink_enabled, position_precision)
	VALUES (:idx, :name, :has_psk, :role, :uplink_enabled, :downlink_enabled, :position_precision)
	ON CONFLICT (idx)
	DO UPDATE SET
		name = :name,
		has_psk = :has_psk,
		role = :role,
		uplink_enabled = :uplink_enabled,
		downlink_enabled = :downlink_enabled,
		position_precision = :position_precision
	;`

	_, err := s.db.NamedExec(stmt, &corrected)
	return err
}

func (s *sqliteChannelStore) GetAllChannels() ([]*models.Channel, error) {
	query := selectChannels + " ORDER BY c.idx;"
	channels := []*models.Channel{}
	err := s.db.Select(&channels, query)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return channels, nil
}
