package store

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/mesh-node-bridge/pkg/models"
)

var selectMessages = `SELECT m.* FROM messages m`

// MessageStore provides database operations for messages.
type MessageStore interface {
	// InsertMessage persists a new message.
	InsertMessage(msg *models.Message) error
	// GetMessage retrieves a message by ID, or (nil, nil) if unknown.
	GetMessage(id string) (*models.Message, error)
	// GetByRequestID retrieves the message correlated with a radio packet ID.
	GetByRequestID(requestID int64) (*models.Message, error)
	// UpdateDeliveryState records a delivery-state transition.
	UpdateDeliveryState(id, state string, failureReason *string) error
	// GetRecent retrieves the most recent messages, newest first.
	GetRecent(limit int) ([]*models.Message, error)
}

type sqliteMessageStore struct {
	db *sqlx.DB
}

// NewMessageStore creates a new message store.
func NewMessageStore(dbconn *sqlx.DB) MessageStore {
	return &sqliteMessageStore{db: dbconn}
}

func (s *sqliteMessageStore) InsertMessage(msg *models.Message) error {
	stmt := `
	INSERT INTO messages (id, from_node_id, to_node_id, channel, port_num, text,
		sent_at, received_at, reply_id, emoji, request_id, want_ack,
		delivery_state, failure_reason)
	VALUES (:id, :from_node_id, :to_node_id, :channel, :port_num, :text,
		:sent_at, :received_at, :reply_id, :emoji, :request_id, :want_ack,
		:delivery_state, :failure_reason);`

	_, err := s.db.NamedExec(stmt, msg)
	return err
}

func (s *sqliteMessageStore) GetMessage(id string) (*models.Message, error) {
	query := selectMessages + " WHERE m.id = ?;"
	var msg models.Message
	err := s.db.Get(&msg, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *sqliteMessageStore) GetByRequestID(requestID int64) (*models.Message, error) {
	query := selectMessages + " WHERE m.request_id = ? ORDER BY m.received_at DESC LIMIT 1;"
	var msg models.Message
	err := s.db.Get(&msg, query, requestID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *sqliteMessageStore) UpdateDeliveryState(id, state string, failureReason *string) error {
	_, err := s.db.Exec(`UPDATE messages SET delivery_state = ?, failure_reason = ? WHERE id = ?;`,
		state, failureReason, id)
	return err
}

func (s *sqliteMessageStore) GetRecent(limit int) ([]*models.Message, error) {
	query := selectMessages + " ORDER BY m.received_at DESC LIMIT ?;"
	msgs := []*models.Message{}
	err := s.db.Select(&msgs, query, limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
