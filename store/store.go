// Package store persists devices and telemetry records in postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/sensorhub/core/csql"
	"github.com/relabs-tech/sensorhub/relay"
)

// Store implements the device directory and the telemetry record store on
// a single postgres schema.
type Store struct {
	db *csql.DB
}

// MustNewStore creates the database tables if they do not exist yet and
// returns the store. It panics if the database is not available.
func MustNewStore(db *csql.DB) *Store {
	if db == nil {
		panic("database is missing")
	}
	s := &Store{db: db}

	// poor man's migrations
	_, err := db.Exec(fmt.Sprintf(`CREATE table IF NOT EXISTS %s.device
(device_id varchar NOT NULL,
account_id varchar NOT NULL,
battery double precision,
signal double precision,
uptime double precision,
last_seen timestamp,
created_at timestamp NOT NULL DEFAULT now(),
PRIMARY KEY(device_id)
);

CREATE table IF NOT EXISTS %s.telemetry
(record_id uuid NOT NULL DEFAULT uuid_generate_v4(),
device_id varchar NOT NULL,
timestamp timestamp NOT NULL,
payload json NOT NULL,
valid boolean NOT NULL,
created_at timestamp NOT NULL DEFAULT now(),
PRIMARY KEY(record_id)
);

CREATE index IF NOT EXISTS telemetry_device_id_index ON %s.telemetry(device_id, timestamp);
`, db.Schema, db.Schema, db.Schema))
	if err != nil {
		panic(err)
	}
	return s
}

// CreateDevice provisions a device for an account. Provisioning an already
// known device id updates the owning account.
func (s *Store) CreateDevice(ctx context.Context, deviceID, accountID string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.device(device_id, account_id) VALUES($1, $2)
ON CONFLICT (device_id) DO UPDATE SET account_id = $2;`, s.db.Schema),
		deviceID, accountID)
	return err
}

// LookupDevice implements relay.DeviceDirectory.
func (s *Store) LookupDevice(ctx context.Context, deviceID string) (*relay.DeviceInfo, error) {
	info := relay.DeviceInfo{}
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT device_id, account_id FROM %s.device WHERE device_id = $1;`, s.db.Schema),
		deviceID).Scan(&info.DeviceID, &info.OwnerAccountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &relay.UnknownDeviceError{DeviceID: deviceID}
	}
	if err != nil {
		return nil, &relay.PersistenceError{Err: err}
	}
	return &info, nil
}

// MergeStatus implements relay.DeviceDirectory. Only the fields present in
// the patch are written, COALESCE keeps the previous values for the rest.
func (s *Store) MergeStatus(ctx context.Context, deviceID string, patch relay.StatusPatch) error {
	lastSeen := patch.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s.device SET
battery = COALESCE($2, battery),
signal = COALESCE($3, signal),
uptime = COALESCE($4, uptime),
last_seen = $5
WHERE device_id = $1;`, s.db.Schema),
		deviceID, patch.Battery, patch.Signal, patch.Uptime, lastSeen)
	if err != nil {
		return &relay.PersistenceError{Err: err}
	}
	count, err := res.RowsAffected()
	if err != nil {
		return &relay.PersistenceError{Err: err}
	}
	if count == 0 {
		return &relay.UnknownDeviceError{DeviceID: deviceID}
	}
	return nil
}

// DeviceStatus is one row of the device directory as returned by
// ListDevices.
type DeviceStatus struct {
	DeviceID  string     `json:"device_id"`
	AccountID string     `json:"account_id"`
	Battery   *float64   `json:"battery,omitempty"`
	Signal    *float64   `json:"signal,omitempty"`
	Uptime    *float64   `json:"uptime,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

// ListDevices returns the directory entries for one account, or for all
// accounts when accountID is empty.
func (s *Store) ListDevices(ctx context.Context, accountID string) ([]DeviceStatus, error) {
	query := fmt.Sprintf(
		`SELECT device_id, account_id, battery, signal, uptime, last_seen FROM %s.device
WHERE account_id = $1 OR $1 = '' ORDER BY device_id;`, s.db.Schema)
	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, &relay.PersistenceError{Err: err}
	}
	defer rows.Close()

	result := []DeviceStatus{}
	for rows.Next() {
		var d DeviceStatus
		if err := rows.Scan(&d.DeviceID, &d.AccountID, &d.Battery, &d.Signal, &d.Uptime, &d.LastSeen); err != nil {
			return nil, &relay.PersistenceError{Err: err}
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// SaveTelemetryRecord implements relay.RecordStore. The record is stored
// as a whole, including validation errors and annotated alerts.
func (s *Store) SaveTelemetryRecord(ctx context.Context, record *relay.TelemetryRecord) (uuid.UUID, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return uuid.UUID{}, &relay.PersistenceError{Err: err}
	}
	var recordID uuid.UUID
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.telemetry(device_id, timestamp, payload, valid)
VALUES($1, $2, $3, $4) RETURNING record_id;`, s.db.Schema),
		record.DeviceID, record.Timestamp, payload, record.Valid).Scan(&recordID)
	if err != nil {
		return uuid.UUID{}, &relay.PersistenceError{Err: err}
	}
	record.RecordID = recordID
	return recordID, nil
}

// RecentRecords returns the most recent telemetry records for one device,
// newest first.
func (s *Store) RecentRecords(ctx context.Context, deviceID string, limit int) ([]relay.TelemetryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT payload FROM %s.telemetry WHERE device_id = $1
ORDER BY timestamp DESC LIMIT $2;`, s.db.Schema),
		deviceID, limit)
	if err != nil {
		return nil, &relay.PersistenceError{Err: err}
	}
	defer rows.Close()

	result := []relay.TelemetryRecord{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, &relay.PersistenceError{Err: err}
		}
		var record relay.TelemetryRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, &relay.PersistenceError{Err: err}
		}
		result = append(result, record)
	}
	return result, rows.Err()
}
