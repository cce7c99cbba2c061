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
	"fmt"
	"time"

	"github.com/alwitt/mqttgw/common"
)

// StatusUpdate is the connection status of a broker record
type StatusUpdate struct {
	// Status is the connection state
	Status string
	// LastError is the latest failure. Empty clears it.
	LastError string
	// ConnectedAt is recorded only when set
	ConnectedAt *time.Time
}

// BrokerStore persists the broker records
type BrokerStore interface {
	// FindBrokersForUser list the brokers a user owns or is assigned to
	FindBrokersForUser(ctxt context.Context, userID string) ([]common.BrokerEndpoint, error)

	// FindBrokerByID fetch one broker record
	FindBrokerByID(ctxt context.Context, brokerID string) (common.BrokerEndpoint, error)

	// UpdateStatus record the connection status of a broker
	UpdateStatus(ctxt context.Context, brokerID string, update StatusUpdate) error

	/*
		CreateBroker record a new broker. The ID, the creation time, and the initial status
		are assigned by the store.

		 @param ctxt context.Context - context for the operation
		 @param endpoint common.BrokerEndpoint - the new broker
		 @return the stored record
	*/
	CreateBroker(
		ctxt context.Context, endpoint common.BrokerEndpoint,
	) (common.BrokerEndpoint, error)

	// ListBrokers list every broker record
	ListBrokers(ctxt context.Context) ([]common.BrokerEndpoint, error)

	// DeleteBroker delete a broker record, returning the deleted record
	DeleteBroker(ctxt context.Context, brokerID string) (common.BrokerEndpoint, error)

	/*
		AssignBroker assign a broker to a user. An empty user ID clears the assignment.
		A user is assigned at most one broker, so any other broker assigned to the user
		is released.

		 @param ctxt context.Context - context for the operation
		 @param brokerID string - the broker
		 @param userID string - the new assignee
		 @return the changes made
	*/
	AssignBroker(ctxt context.Context, brokerID string, userID string) (Assignment, error)

	// Ready check the store can serve requests
	Ready(ctxt context.Context) error

	// Close release the store
	Close() error
}

// Assignment the changes made by assigning a broker
type Assignment struct {
	// PreviousAssignee is who the broker was assigned to before
	PreviousAssignee string
	// ReleasedBrokerIDs are the brokers the new assignee lost
	ReleasedBrokerIDs []string
}

// Initial status of a new broker record
const initialStatus = "disconnected"

// GetBrokerStore define the broker store selected by the config
func GetBrokerStore(cfg common.StoreConfig) (BrokerStore, error) {
	switch cfg.Driver {
	case "memory":
		return GetMemoryBrokerStore(), nil
	case "postgres":
		if cfg.Postgres == nil {
			return nil, fmt.Errorf("postgres store selected without postgres config")
		}
		return GetPostgresBrokerStore(*cfg.Postgres)
	}
	return nil, fmt.Errorf("unknown store driver '%s'", cfg.Driver)
}

func brokerNotFound(brokerID string) error {
	return common.NewError(common.ErrorKindNotFound, "broker '%s' does not exist", brokerID)
}
