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

package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/mqttgw/common"
	"github.com/alwitt/mqttgw/connection"
	"github.com/alwitt/mqttgw/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// idleClient never completes its connect, leaving the connection "connecting"
type idleClient struct {
	lock   sync.Mutex
	closed bool
}

func (c *idleClient) Connect() {}

func (c *idleClient) Subscribe(context.Context, string) error {
	return fmt.Errorf("not connected")
}

func (c *idleClient) Publish(context.Context, string, []byte) error {
	return fmt.Errorf("not connected")
}

func (c *idleClient) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
}

type statusCounter struct {
	lock         sync.Mutex
	disconnected map[common.ConnectionKey]int
}

func (s *statusCounter) OnStatusChange(key common.ConnectionKey, status connection.State, _ error) {
	if status != connection.StateDisconnected {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.disconnected[key]++
}

func (s *statusCounter) OnMessage(common.ConnectionKey, common.MQTTMessage) {}

func (s *statusCounter) OnError(common.ConnectionKey, error, bool) {}

func (s *statusCounter) count(key common.ConnectionKey) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.disconnected[key]
}

type testHarness struct {
	created  int32
	listener *statusCounter
	uut      ConnectionRegistry
}

func newTestHarness(ctxt context.Context, wg *sync.WaitGroup) (*testHarness, error) {
	harness := &testHarness{
		listener: &statusCounter{disconnected: make(map[common.ConnectionKey]int)},
	}
	params := connection.Params{
		ClientFactory: func(core.MQTTConnectParams, core.MQTTEventHandlers) core.MQTTClient {
			return &idleClient{}
		},
		ConnectTimeout: time.Second,
		TestTimeout:    time.Second,
		KeepAlive:      time.Second * 30,
		Retry: connection.RetryPolicy{
			MaxAttempts: 3,
			Strategy:    connection.RetryFlat,
			BaseDelay:   time.Millisecond * 10,
		},
	}
	uut, err := GetConnectionRegistry(func(
		key common.ConnectionKey, endpoint common.BrokerEndpoint,
	) (*connection.BrokerConnection, error) {
		atomic.AddInt32(&harness.created, 1)
		return connection.NewBrokerConnection(ctxt, wg, key, endpoint, params, harness.listener)
	})
	if err != nil {
		return nil, err
	}
	harness.uut = uut
	return harness, nil
}

func testEndpoint(brokerID string) common.BrokerEndpoint {
	return common.BrokerEndpoint{ID: brokerID, Host: "localhost", Port: 1883}
}

func TestRegistryGetOrCreateDeduplicates(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	harness, err := newTestHarness(ctxt, &wg)
	assert.Nil(err)
	defer harness.uut.CloseAll()

	key := common.ConnectionKey{UserID: uuid.NewString(), BrokerID: uuid.NewString()}

	type outcome struct {
		conn    *connection.BrokerConnection
		created bool
		err     error
	}
	callers := 32
	results := make(chan outcome, callers)
	start := make(chan struct{})
	callerWG := sync.WaitGroup{}
	for itr := 0; itr < callers; itr++ {
		callerWG.Add(1)
		go func() {
			defer callerWG.Done()
			<-start
			conn, created, err := harness.uut.GetOrCreate(key, testEndpoint(key.BrokerID))
			results <- outcome{conn: conn, created: created, err: err}
		}()
	}
	close(start)
	callerWG.Wait()
	close(results)

	var first *connection.BrokerConnection
	createdCount := 0
	for result := range results {
		assert.Nil(result.err)
		if first == nil {
			first = result.conn
		}
		assert.Same(first, result.conn)
		if result.created {
			createdCount++
		}
	}
	assert.Equal(1, createdCount)
	assert.Equal(int32(1), atomic.LoadInt32(&harness.created))
	assert.Equal(connection.StateConnecting, first.State())
	assert.Equal([]common.ConnectionKey{key}, harness.uut.Keys())
}

func TestRegistryReplacesStaleConnection(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	harness, err := newTestHarness(ctxt, &wg)
	assert.Nil(err)
	defer harness.uut.CloseAll()

	key := common.ConnectionKey{UserID: uuid.NewString(), BrokerID: uuid.NewString()}

	// Case 1: connection refuses an invalid broker record and stays stale
	bad := testEndpoint(key.BrokerID)
	bad.Host = "300.1.1.1"
	stale, created, err := harness.uut.GetOrCreate(key, bad)
	assert.NotNil(err)
	assert.True(created)
	assert.Equal(common.ErrorKindValidation, common.ErrorKindOf(err))
	assert.Equal(connection.StateDisconnected, stale.State())

	// Case 2: stale connection is replaced
	fresh, created, err := harness.uut.GetOrCreate(key, testEndpoint(key.BrokerID))
	assert.Nil(err)
	assert.True(created)
	assert.NotSame(stale, fresh)
	assert.Equal(connection.StateConnecting, fresh.State())
	assert.Equal(int32(2), atomic.LoadInt32(&harness.created))

	// Case 3: live connection is reused
	again, created, err := harness.uut.GetOrCreate(key, testEndpoint(key.BrokerID))
	assert.Nil(err)
	assert.False(created)
	assert.Same(fresh, again)
	assert.Equal(int32(2), atomic.LoadInt32(&harness.created))

	conn, ok := harness.uut.Lookup(key)
	assert.True(ok)
	assert.Same(fresh, conn)
}

func TestRegistryRemoval(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	harness, err := newTestHarness(ctxt, &wg)
	assert.Nil(err)
	defer harness.uut.CloseAll()

	u1b1 := common.ConnectionKey{UserID: "u1", BrokerID: "b1"}
	u1b2 := common.ConnectionKey{UserID: "u1", BrokerID: "b2"}
	u2b1 := common.ConnectionKey{UserID: "u2", BrokerID: "b1"}
	u3b3 := common.ConnectionKey{UserID: "u3", BrokerID: "b3"}
	for _, key := range []common.ConnectionKey{u1b1, u1b2, u2b1, u3b3} {
		_, created, err := harness.uut.GetOrCreate(key, testEndpoint(key.BrokerID))
		assert.Nil(err)
		assert.True(created)
	}
	assert.Equal([]common.ConnectionKey{u1b1, u1b2, u2b1, u3b3}, harness.uut.Keys())

	// Case 1: remove by user
	{
		removed := harness.uut.RemoveUser("u1")
		assert.Equal([]common.ConnectionKey{u1b1, u1b2}, removed)
		assert.Equal(1, harness.listener.count(u1b1))
		assert.Equal(1, harness.listener.count(u1b2))
		_, ok := harness.uut.Lookup(u1b1)
		assert.False(ok)
	}

	// Case 2: remove by broker
	{
		removed := harness.uut.RemoveBroker("b1")
		assert.Equal([]common.ConnectionKey{u2b1}, removed)
		assert.Equal(1, harness.listener.count(u2b1))
	}

	// Case 3: remove a single key
	{
		assert.False(harness.uut.Remove(u1b1))
		assert.True(harness.uut.Remove(u3b3))
		assert.False(harness.uut.Remove(u3b3))
		assert.Equal(1, harness.listener.count(u3b3))
		assert.Empty(harness.uut.Keys())
	}

	// Case 4: close all reports nothing
	{
		_, _, err := harness.uut.GetOrCreate(u1b1, testEndpoint("b1"))
		assert.Nil(err)
		harness.uut.CloseAll()
		assert.Empty(harness.uut.Keys())
		assert.Equal(1, harness.listener.count(u1b1))
	}
}
