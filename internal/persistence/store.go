// Package persistence is the sqlite-backed durability layer behind the
// broker's session and retained-message state. It knows nothing about
// MQTT semantics — it stores and loads flat records, encoding the parts
// that don't fit a column (Will, properties) as JSON, the same way the
// credential store keeps its schema to one narrow users table.
package persistence

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bdelacey/mqttd/pkg/er"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	client_id        TEXT PRIMARY KEY,
	expiry_interval  INTEGER NOT NULL,
	will_json        TEXT,
	subs_json        TEXT NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS retained_messages (
	topic      TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	qos        INTEGER NOT NULL,
	props_json TEXT,
	stored_at  INTEGER NOT NULL,
	expire_at  INTEGER
);

CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	secret   TEXT NOT NULL
);
`

// Store is a thin wrapper over a sqlite3 *sql.DB, holding the broker's
// write-behind session and retained-message tables plus the users table
// internal/auth reads from.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &er.Err{Context: "persistence.Open", Message: err}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &er.Err{Context: "persistence.Open", Message: err}
	}
	return &Store{db: db}, nil
}

// DB returns the underlying *sql.DB, for internal/auth to share the same
// connection rather than opening a second file.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SubRecord is one subscription as stored alongside a session.
type SubRecord struct {
	Filter            string `json:"filter"`
	QoS               byte   `json:"qos"`
	NoLocal           bool   `json:"no_local"`
	RetainAsPublished bool   `json:"retain_as_published"`
	RetainHandling    byte   `json:"retain_handling"`
}

// WillRecord is the JSON-encoded form of a session's Will.
type WillRecord struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain"`
}

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	ClientID       string
	ExpiryInterval uint32
	Will           *WillRecord
	Subs           []SubRecord
	UpdatedAt      time.Time
}

// RetainedRecord is one row of the retained_messages table.
type RetainedRecord struct {
	Topic      string
	Payload    []byte
	QoS        byte
	PropsJSON  string
	StoredAt   time.Time
	ExpireAt   *time.Time
}

// SaveSession upserts rec.
func (s *Store) SaveSession(rec SessionRecord) error {
	var willJSON []byte
	if rec.Will != nil {
		var err error
		willJSON, err = json.Marshal(rec.Will)
		if err != nil {
			return &er.Err{Context: "SaveSession", Message: err}
		}
	}
	subsJSON, err := json.Marshal(rec.Subs)
	if err != nil {
		return &er.Err{Context: "SaveSession", Message: err}
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (client_id, expiry_interval, will_json, subs_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			expiry_interval = excluded.expiry_interval,
			will_json = excluded.will_json,
			subs_json = excluded.subs_json,
			updated_at = excluded.updated_at
	`, rec.ClientID, rec.ExpiryInterval, string(willJSON), string(subsJSON), rec.UpdatedAt.Unix())
	if err != nil {
		return &er.Err{Context: "SaveSession", Message: err}
	}
	return nil
}

// DeleteSession removes clientID's row, if any.
func (s *Store) DeleteSession(clientID string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE client_id = ?", clientID)
	if err != nil {
		return &er.Err{Context: "DeleteSession", Message: err}
	}
	return nil
}

// ListSessions returns every stored session.
func (s *Store) ListSessions() ([]SessionRecord, error) {
	rows, err := s.db.Query("SELECT client_id, expiry_interval, will_json, subs_json, updated_at FROM sessions")
	if err != nil {
		return nil, &er.Err{Context: "ListSessions", Message: err}
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var willJSON, subsJSON string
		var updatedAt int64
		if err := rows.Scan(&rec.ClientID, &rec.ExpiryInterval, &willJSON, &subsJSON, &updatedAt); err != nil {
			return nil, &er.Err{Context: "ListSessions", Message: err}
		}
		if willJSON != "" {
			var w WillRecord
			if err := json.Unmarshal([]byte(willJSON), &w); err == nil {
				rec.Will = &w
			}
		}
		json.Unmarshal([]byte(subsJSON), &rec.Subs)
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveRetained upserts rec, or deletes it if Payload is empty.
func (s *Store) SaveRetained(rec RetainedRecord) error {
	if len(rec.Payload) == 0 {
		_, err := s.db.Exec("DELETE FROM retained_messages WHERE topic = ?", rec.Topic)
		return err
	}
	var expireAt any
	if rec.ExpireAt != nil {
		expireAt = rec.ExpireAt.Unix()
	}
	_, err := s.db.Exec(`
		INSERT INTO retained_messages (topic, payload, qos, props_json, stored_at, expire_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic) DO UPDATE SET
			payload = excluded.payload,
			qos = excluded.qos,
			props_json = excluded.props_json,
			stored_at = excluded.stored_at,
			expire_at = excluded.expire_at
	`, rec.Topic, rec.Payload, rec.QoS, rec.PropsJSON, rec.StoredAt.Unix(), expireAt)
	if err != nil {
		return &er.Err{Context: "SaveRetained", Message: err}
	}
	return nil
}

// ListRetained returns every stored retained message.
func (s *Store) ListRetained() ([]RetainedRecord, error) {
	rows, err := s.db.Query("SELECT topic, payload, qos, props_json, stored_at, expire_at FROM retained_messages")
	if err != nil {
		return nil, &er.Err{Context: "ListRetained", Message: err}
	}
	defer rows.Close()

	var out []RetainedRecord
	for rows.Next() {
		var rec RetainedRecord
		var storedAt int64
		var expireAt sql.NullInt64
		if err := rows.Scan(&rec.Topic, &rec.Payload, &rec.QoS, &rec.PropsJSON, &storedAt, &expireAt); err != nil {
			return nil, &er.Err{Context: "ListRetained", Message: err}
		}
		rec.StoredAt = time.Unix(storedAt, 0)
		if expireAt.Valid {
			t := time.Unix(expireAt.Int64, 0)
			rec.ExpireAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
