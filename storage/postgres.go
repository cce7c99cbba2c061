// Copyright 2021-2022 The mqttgw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mqttgw/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
)

const brokerTableSchema = `
CREATE TABLE IF NOT EXISTS mqtt_brokers (
	id               TEXT PRIMARY KEY,
	label            TEXT NOT NULL DEFAULT '',
	host             TEXT NOT NULL,
	port             INTEGER NOT NULL,
	username         TEXT NOT NULL DEFAULT '',
	password         TEXT NOT NULL DEFAULT '',
	owner_id         TEXT NOT NULL,
	assigned_user_id TEXT,
	status           TEXT NOT NULL,
	last_error       TEXT NOT NULL DEFAULT '',
	connected_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL
)`

const brokerColumns = `id, label, host, port, username, password, owner_id,
	assigned_user_id, status, last_error, connected_at, created_at`

// postgresBrokerStore keeps the broker records in PostgreSQL
type postgresBrokerStore struct {
	goutils.Component
	db           *sql.DB
	queryTimeout time.Duration
}

// GetPostgresBrokerStore connect to PostgreSQL, and prepare the broker table
func GetPostgresBrokerStore(cfg common.PostgresConfig) (BrokerStore, error) {
	logTags := log.Fields{"module": "storage", "component": "postgres"}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open PostgreSQL driver")
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	instance := &postgresBrokerStore{
		Component:    goutils.Component{LogTags: logTags},
		db:           db,
		queryTimeout: time.Second * time.Duration(cfg.QueryTimeout),
	}

	ctxt, cancel := instance.queryContext(context.Background())
	defer cancel()
	if err := db.PingContext(ctxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to reach PostgreSQL")
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctxt, brokerTableSchema); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to prepare broker table")
		_ = db.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Connected to PostgreSQL")
	return instance, nil
}

func (s *postgresBrokerStore) queryContext(
	ctxt context.Context,
) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctxt, s.queryTimeout)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBroker(row rowScanner) (common.BrokerEndpoint, error) {
	var broker common.BrokerEndpoint
	var port int
	var assigned sql.NullString
	var connectedAt sql.NullTime
	if err := row.Scan(
		&broker.ID,
		&broker.Label,
		&broker.Host,
		&port,
		&broker.Username,
		&broker.Password,
		&broker.OwnerID,
		&assigned,
		&broker.Status,
		&broker.LastError,
		&connectedAt,
		&broker.CreatedAt,
	); err != nil {
		return common.BrokerEndpoint{}, err
	}
	broker.Port = uint16(port)
	if assigned.Valid {
		broker.AssignedUserID = assigned.String
	}
	if connectedAt.Valid {
		ts := connectedAt.Time.UTC()
		broker.ConnectedAt = &ts
	}
	broker.CreatedAt = broker.CreatedAt.UTC()
	return broker, nil
}

func (s *postgresBrokerStore) queryBrokers(
	ctxt context.Context, query string, args ...interface{},
) ([]common.BrokerEndpoint, error) {
	ctxt, cancel := s.queryContext(ctxt)
	defer cancel()
	rows, err := s.db.QueryContext(ctxt, query, args...)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Broker query failed")
		return nil, err
	}
	defer rows.Close()
	result := []common.BrokerEndpoint{}
	for rows.Next() {
		broker, err := scanBroker(rows)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to parse broker row")
			return nil, err
		}
		result = append(result, broker)
	}
	return result, rows.Err()
}

func (s *postgresBrokerStore) FindBrokersForUser(
	ctxt context.Context, userID string,
) ([]common.BrokerEndpoint, error) {
	return s.queryBrokers(
		ctxt,
		fmt.Sprintf(
			"SELECT %s FROM mqtt_brokers WHERE owner_id = $1 OR assigned_user_id = $1 ORDER BY created_at, id",
			brokerColumns,
		),
		userID,
	)
}

func (s *postgresBrokerStore) FindBrokerByID(
	ctxt context.Context, brokerID string,
) (common.BrokerEndpoint, error) {
	ctxt, cancel := s.queryContext(ctxt)
	defer cancel()
	row := s.db.QueryRowContext(
		ctxt, fmt.Sprintf("SELECT %s FROM mqtt_brokers WHERE id = $1", brokerColumns), brokerID,
	)
	broker, err := scanBroker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return common.BrokerEndpoint{}, brokerNotFound(brokerID)
	}
	return broker, err
}

func (s *postgresBrokerStore) UpdateStatus(
	ctxt context.Context, brokerID string, update StatusUpdate,
) error {
	ctxt, cancel := s.queryContext(ctxt)
	defer cancel()
	var connectedAt sql.NullTime
	if update.ConnectedAt != nil {
		connectedAt = sql.NullTime{Time: *update.ConnectedAt, Valid: true}
	}
	result, err := s.db.ExecContext(
		ctxt,
		`UPDATE mqtt_brokers SET status = $2, last_error = $3,
			connected_at = COALESCE($4, connected_at) WHERE id = $1`,
		brokerID,
		update.Status,
		update.LastError,
		connectedAt,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to update broker %s", brokerID)
		return err
	}
	return expectOneRow(result, brokerID)
}

func (s *postgresBrokerStore) CreateBroker(
	ctxt context.Context, endpoint common.BrokerEndpoint,
) (common.BrokerEndpoint, error) {
	ctxt, cancel := s.queryContext(ctxt)
	defer cancel()
	endpoint.ID = uuid.NewString()
	endpoint.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	endpoint.Status = initialStatus
	endpoint.LastError = ""
	endpoint.ConnectedAt = nil
	var assigned sql.NullString
	if endpoint.AssignedUserID != "" {
		assigned = sql.NullString{String: endpoint.AssignedUserID, Valid: true}
	}
	_, err := s.db.ExecContext(
		ctxt,
		fmt.Sprintf(
			"INSERT INTO mqtt_brokers (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL, $11)",
			brokerColumns,
		),
		endpoint.ID,
		endpoint.Label,
		endpoint.Host,
		int(endpoint.Port),
		endpoint.Username,
		endpoint.Password,
		endpoint.OwnerID,
		assigned,
		endpoint.Status,
		endpoint.LastError,
		endpoint.CreatedAt,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to insert broker")
		return common.BrokerEndpoint{}, err
	}
	log.WithFields(s.LogTags).Debugf("Created broker %s (%s)", endpoint.ID, endpoint.Address())
	return endpoint, nil
}

func (s *postgresBrokerStore) ListBrokers(ctxt context.Context) ([]common.BrokerEndpoint, error) {
	return s.queryBrokers(
		ctxt, fmt.Sprintf("SELECT %s FROM mqtt_brokers ORDER BY created_at, id", brokerColumns),
	)
}

func (s *postgresBrokerStore) DeleteBroker(
	ctxt context.Context, brokerID string,
) (common.BrokerEndpoint, error) {
	ctxt, cancel := s.queryContext(ctxt)
	defer cancel()
	row := s.db.QueryRowContext(
		ctxt,
		fmt.Sprintf("DELETE FROM mqtt_brokers WHERE id = $1 RETURNING %s", brokerColumns),
		brokerID,
	)
	broker, err := scanBroker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return common.BrokerEndpoint{}, brokerNotFound(brokerID)
	}
	return broker, err
}

func (s *postgresBrokerStore) AssignBroker(
	ctxt context.Context, brokerID string, userID string,
) (Assignment, error) {
	ctxt, cancel := s.queryContext(ctxt)
	defer cancel()
	tx, err := s.db.BeginTx(ctxt, nil)
	if err != nil {
		return Assignment{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var previous sql.NullString
	err = tx.QueryRowContext(
		ctxt, "SELECT assigned_user_id FROM mqtt_brokers WHERE id = $1 FOR UPDATE", brokerID,
	).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, brokerNotFound(brokerID)
	} else if err != nil {
		return Assignment{}, err
	}
	result := Assignment{PreviousAssignee: previous.String}

	var assigned sql.NullString
	if userID != "" {
		assigned = sql.NullString{String: userID, Valid: true}
		rows, err := tx.QueryContext(
			ctxt,
			`UPDATE mqtt_brokers SET assigned_user_id = NULL
			WHERE assigned_user_id = $1 AND id <> $2 RETURNING id`,
			userID,
			brokerID,
		)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Unable to release brokers of user %s", userID,
			)
			return Assignment{}, err
		}
		for rows.Next() {
			var released string
			if err := rows.Scan(&released); err != nil {
				_ = rows.Close()
				return Assignment{}, err
			}
			result.ReleasedBrokerIDs = append(result.ReleasedBrokerIDs, released)
		}
		if err := rows.Close(); err != nil {
			return Assignment{}, err
		}
		if err := rows.Err(); err != nil {
			return Assignment{}, err
		}
	}
	if _, err := tx.ExecContext(
		ctxt, "UPDATE mqtt_brokers SET assigned_user_id = $2 WHERE id = $1", brokerID, assigned,
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to assign broker %s", brokerID)
		return Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return Assignment{}, err
	}
	return result, nil
}

func (s *postgresBrokerStore) Ready(ctxt context.Context) error {
	ctxt, cancel := s.queryContext(ctxt)
	defer cancel()
	return s.db.PingContext(ctxt)
}

func (s *postgresBrokerStore) Close() error {
	if err := s.db.Close(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to close driver")
		return err
	}
	return nil
}

func expectOneRow(result sql.Result, brokerID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return brokerNotFound(brokerID)
	}
	return nil
}
