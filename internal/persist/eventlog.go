package persist

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/qsysbridge/core/internal/errors"
	"github.com/qsysbridge/core/internal/eventbuffer"
)

const (
	sqliteJournalMode   = "WAL"
	sqliteBusyTimeoutMs = 5000

	createEventLogTable = `
		CREATE TABLE IF NOT EXISTS change_events (
			group_id       TEXT NOT NULL,
			control_name   TEXT NOT NULL,
			sequence       INTEGER NOT NULL,
			timestamp_ns   INTEGER NOT NULL,
			timestamp_ms   INTEGER NOT NULL,
			event_type     TEXT NOT NULL,
			value_json     TEXT NOT NULL,
			string_repr    TEXT NOT NULL,
			previous_json  TEXT,
			delta          REAL,
			threshold      REAL,
			PRIMARY KEY (group_id, sequence)
		)`

	insertEventQuery = `
		INSERT OR REPLACE INTO change_events
			(group_id, control_name, sequence, timestamp_ns, timestamp_ms, event_type, value_json, string_repr, previous_json, delta, threshold)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// EventLogStore is the opt-in, non-default event persistence path:
// every event the change-group registry emits is additionally appended
// to a SQLite table, so events survive a process restart even though
// the in-memory eventbuffer.Manager does not.
type EventLogStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// OpenEventLogStore opens (creating if necessary) a SQLite database at
// path and ensures the change_events table exists.
func OpenEventLogStore(path string, logger *zap.SugaredLogger) (*EventLogStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, errors.Wrapf(err, "creating event log directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening event log database at %s", path)
	}

	if _, err := db.Exec("PRAGMA journal_mode = " + sqliteJournalMode); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "enabling %s journal mode for %s", sqliteJournalMode, path)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "setting busy_timeout to %dms for %s", sqliteBusyTimeoutMs, path)
	}
	if _, err := db.Exec(createEventLogTable); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating change_events table")
	}

	return &EventLogStore{db: db, logger: logger.Named("persist.eventlog")}, nil
}

// Append writes one event for groupID to the log. Failures are returned
// to the caller (the change-group poller), which logs and continues —
// event-log persistence is best-effort and must never block a poll.
func (s *EventLogStore) Append(groupID string, ev eventbuffer.Event) error {
	valueJSON, err := json.Marshal(ev.Value)
	if err != nil {
		return errors.Wrap(err, "marshalling event value")
	}
	var previousJSON any
	if ev.PreviousValue != nil {
		b, err := json.Marshal(ev.PreviousValue)
		if err != nil {
			return errors.Wrap(err, "marshalling event previous value")
		}
		previousJSON = string(b)
	}

	var delta, threshold any
	if ev.Delta != nil {
		delta = *ev.Delta
	}
	if ev.Threshold != nil {
		threshold = *ev.Threshold
	}

	_, err = s.db.Exec(insertEventQuery,
		groupID, ev.ControlName, ev.SequenceNumber, ev.TimestampNs, ev.TimestampMs,
		string(ev.EventType), string(valueJSON), ev.StringRepr, previousJSON, delta, threshold,
	)
	if err != nil {
		return errors.Wrapf(err, "inserting event for control %s", ev.ControlName)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *EventLogStore) Close() error {
	return s.db.Close()
}
