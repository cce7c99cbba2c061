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
	"os"
	"testing"
	"time"

	"github.com/alwitt/mqttgw/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func exerciseBrokerStore(t *testing.T, uut BrokerStore) {
	assert := assert.New(t)
	ctxt := context.Background()

	admin := uuid.NewString()
	user := uuid.NewString()
	other := uuid.NewString()

	// Case 0: unknown broker
	{
		assert.Nil(uut.Ready(ctxt))
		_, err := uut.FindBrokerByID(ctxt, uuid.NewString())
		assert.Equal(common.ErrorKindNotFound, common.ErrorKindOf(err))
		err = uut.UpdateStatus(ctxt, uuid.NewString(), StatusUpdate{Status: "connected"})
		assert.Equal(common.ErrorKindNotFound, common.ErrorKindOf(err))
		_, err = uut.AssignBroker(ctxt, uuid.NewString(), user)
		assert.Equal(common.ErrorKindNotFound, common.ErrorKindOf(err))
	}

	// Case 1: create
	var broker1, broker2 common.BrokerEndpoint
	{
		var err error
		broker1, err = uut.CreateBroker(ctxt, common.BrokerEndpoint{
			Label: "lab", Host: "10.0.0.1", Port: 1883, Username: "u", Password: "p",
			OwnerID: admin, Status: "connected",
		})
		assert.Nil(err)
		assert.NotEmpty(broker1.ID)
		assert.Equal("disconnected", broker1.Status)
		assert.False(broker1.CreatedAt.IsZero())

		broker2, err = uut.CreateBroker(ctxt, common.BrokerEndpoint{
			Label: "plant", Host: "plant.local", Port: 8883, OwnerID: admin,
		})
		assert.Nil(err)

		read, err := uut.FindBrokerByID(ctxt, broker1.ID)
		assert.Nil(err)
		assert.Equal("10.0.0.1", read.Host)
		assert.Equal(uint16(1883), read.Port)
		assert.Equal("p", read.Password)
		assert.Equal(admin, read.OwnerID)
		assert.Empty(read.AssignedUserID)
	}

	// Case 2: access by owner and assignee
	{
		owned, err := uut.FindBrokersForUser(ctxt, admin)
		assert.Nil(err)
		assert.Len(owned, 2)

		assigned, err := uut.FindBrokersForUser(ctxt, user)
		assert.Nil(err)
		assert.Len(assigned, 0)

		change, err := uut.AssignBroker(ctxt, broker2.ID, user)
		assert.Nil(err)
		assert.Empty(change.PreviousAssignee)
		assert.Empty(change.ReleasedBrokerIDs)
		assigned, err = uut.FindBrokersForUser(ctxt, user)
		assert.Nil(err)
		assert.Len(assigned, 1)
		assert.Equal(broker2.ID, assigned[0].ID)

		change, err = uut.AssignBroker(ctxt, broker2.ID, other)
		assert.Nil(err)
		assert.Equal(user, change.PreviousAssignee)
		assigned, err = uut.FindBrokersForUser(ctxt, user)
		assert.Nil(err)
		assert.Len(assigned, 0)
	}

	// Case 3: a user holds one assignment at a time
	{
		change, err := uut.AssignBroker(ctxt, broker1.ID, user)
		assert.Nil(err)
		assert.Empty(change.ReleasedBrokerIDs)

		change, err = uut.AssignBroker(ctxt, broker2.ID, user)
		assert.Nil(err)
		assert.Equal(other, change.PreviousAssignee)
		assert.Equal([]string{broker1.ID}, change.ReleasedBrokerIDs)

		assigned, err := uut.FindBrokersForUser(ctxt, user)
		assert.Nil(err)
		assert.Len(assigned, 1)
		assert.Equal(broker2.ID, assigned[0].ID)
		read, err := uut.FindBrokerByID(ctxt, broker1.ID)
		assert.Nil(err)
		assert.Empty(read.AssignedUserID)

		// Re-assigning the same broker releases nothing
		change, err = uut.AssignBroker(ctxt, broker2.ID, user)
		assert.Nil(err)
		assert.Equal(user, change.PreviousAssignee)
		assert.Empty(change.ReleasedBrokerIDs)

		// Clearing an assignment releases nothing else
		change, err = uut.AssignBroker(ctxt, broker2.ID, "")
		assert.Nil(err)
		assert.Equal(user, change.PreviousAssignee)
		assert.Empty(change.ReleasedBrokerIDs)

		_, err = uut.AssignBroker(ctxt, broker2.ID, other)
		assert.Nil(err)
	}

	// Case 4: status update
	{
		connectedAt := time.Now().UTC().Truncate(time.Millisecond)
		assert.Nil(uut.UpdateStatus(ctxt, broker1.ID, StatusUpdate{
			Status: "connected", ConnectedAt: &connectedAt,
		}))
		read, err := uut.FindBrokerByID(ctxt, broker1.ID)
		assert.Nil(err)
		assert.Equal("connected", read.Status)
		assert.NotNil(read.ConnectedAt)
		assert.True(connectedAt.Equal(*read.ConnectedAt))

		assert.Nil(uut.UpdateStatus(ctxt, broker1.ID, StatusUpdate{
			Status: "disconnected", LastError: "connection refused",
		}))
		read, err = uut.FindBrokerByID(ctxt, broker1.ID)
		assert.Nil(err)
		assert.Equal("disconnected", read.Status)
		assert.Equal("connection refused", read.LastError)
		assert.NotNil(read.ConnectedAt)
	}

	// Case 5: delete
	{
		deleted, err := uut.DeleteBroker(ctxt, broker2.ID)
		assert.Nil(err)
		assert.Equal(other, deleted.AssignedUserID)
		_, err = uut.DeleteBroker(ctxt, broker2.ID)
		assert.Equal(common.ErrorKindNotFound, common.ErrorKindOf(err))
		_, err = uut.FindBrokerByID(ctxt, broker2.ID)
		assert.Equal(common.ErrorKindNotFound, common.ErrorKindOf(err))

		all, err := uut.ListBrokers(ctxt)
		assert.Nil(err)
		found := false
		for _, broker := range all {
			assert.NotEqual(broker2.ID, broker.ID)
			if broker.ID == broker1.ID {
				found = true
			}
		}
		assert.True(found)
	}
}

func TestMemoryBrokerStore(t *testing.T) {
	log.SetLevel(log.DebugLevel)
	uut, err := GetBrokerStore(common.StoreConfig{Driver: "memory"})
	assert.Nil(t, err)
	defer func() {
		assert.Nil(t, uut.Close())
	}()
	exerciseBrokerStore(t, uut)
}

func TestPostgresBrokerStore(t *testing.T) {
	dsn := os.Getenv("MQTTGW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MQTTGW_TEST_POSTGRES_DSN not set")
	}
	log.SetLevel(log.DebugLevel)
	uut, err := GetBrokerStore(common.StoreConfig{
		Driver:   "postgres",
		Postgres: &common.PostgresConfig{DSN: dsn, MaxOpenConns: 4, QueryTimeout: 5},
	})
	assert.Nil(t, err)
	defer func() {
		assert.Nil(t, uut.Close())
	}()
	exerciseBrokerStore(t, uut)
}

func TestBrokerStoreSelection(t *testing.T) {
	assert := assert.New(t)

	_, err := GetBrokerStore(common.StoreConfig{Driver: "postgres"})
	assert.NotNil(err)
	_, err = GetBrokerStore(common.StoreConfig{Driver: "mongo"})
	assert.NotNil(err)
}
