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

package gateway

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/mqttgw/common"
	"github.com/alwitt/mqttgw/connection"
	"github.com/alwitt/mqttgw/core"
	"github.com/alwitt/mqttgw/metrics"
	"github.com/alwitt/mqttgw/session"
	"github.com/alwitt/mqttgw/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
)

// ==============================================================================
// Helpers

func getFreeTCPPort(t *testing.T) uint16 {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to reserve TCP port: %s", err.Error())
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()
	return uint16(port)
}

func startTestBroker(t *testing.T, username, password string) (*mochi.Server, uint16) {
	port := getFreeTCPPort(t)
	server := mochi.New(&mochi.Options{InlineClient: true})
	err := server.AddHook(new(auth.Hook), &auth.Options{
		Ledger: &auth.Ledger{
			Auth: auth.AuthRules{
				{Username: auth.RString(username), Password: auth.RString(password), Allow: true},
			},
		},
	})
	if err != nil {
		t.Fatalf("unable to install auth hook: %s", err.Error())
	}
	tcp := listeners.NewTCP(listeners.Config{
		ID: uuid.NewString(), Address: fmt.Sprintf("127.0.0.1:%d", port),
	})
	if err := server.AddListener(tcp); err != nil {
		t.Fatalf("unable to add listener: %s", err.Error())
	}
	go func() {
		_ = server.Serve()
	}()
	return server, port
}

type testSession struct {
	id     string
	user   string
	events chan session.Event
	lock   sync.Mutex
	closed bool
}

func newTestSession(user string) *testSession {
	return &testSession{id: uuid.NewString(), user: user, events: make(chan session.Event, 128)}
}

func (s *testSession) ID() string {
	return s.id
}

func (s *testSession) UserID() string {
	return s.user
}

func (s *testSession) Send(_ context.Context, evt session.Event) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return fmt.Errorf("session closed")
	}
	select {
	case s.events <- evt:
		return nil
	default:
		return fmt.Errorf("session buffer full")
	}
}

func (s *testSession) Close(string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}

func (s *testSession) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// waitForEvent wait for the next event of the name passing the check, skipping others
func (s *testSession) waitForEvent(
	name string, check func(interface{}) bool, timeout time.Duration,
) (session.Event, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case evt := <-s.events:
			if evt.Name == name && (check == nil || check(evt.Data)) {
				return evt, true
			}
		case <-deadline:
			return session.Event{}, false
		}
	}
}

// drain collect the events already queued
func (s *testSession) drain() []session.Event {
	result := []session.Event{}
	for {
		select {
		case evt := <-s.events:
			result = append(result, evt)
		default:
			return result
		}
	}
}

func statusIs(status connection.State) func(interface{}) bool {
	return func(data interface{}) bool {
		evt, ok := data.(StatusEvent)
		return ok && evt.Status == string(status)
	}
}

func testParams() SupervisorParams {
	return SupervisorParams{
		MQTT: common.MQTTClientConfig{
			ConnectTimeout: 2,
			TestTimeout:    1,
			KeepAlive:      30,
			DefaultPort:    1883,
			Retry: common.MQTTRetryConfig{
				MaxAttempts: 3, Strategy: "flat", BaseDelay: 50, MaxDelay: 50,
			},
		},
		Session: common.SessionConfig{
			MaxPerUser: 2, GraceWindow: 1, SendBuffer: 16, SendTimeout: 500,
		},
		Gateway: common.GatewayConfig{
			ConnectWait: 1, PollInterval: 20, MessageBuffer: 10, TaskBuffer: 8,
		},
	}
}

// instantClient connects at once, and accepts every operation
type instantClient struct {
	handlers core.MQTTEventHandlers
}

func (c *instantClient) Connect() {
	go c.handlers.OnConnect()
}

func (c *instantClient) Subscribe(context.Context, string) error {
	return nil
}

func (c *instantClient) Publish(context.Context, string, []byte) error {
	return nil
}

func (c *instantClient) Close() {}

func instantClientFactory(
	_ core.MQTTConnectParams, handlers core.MQTTEventHandlers,
) core.MQTTClient {
	return &instantClient{handlers: handlers}
}

var (
	adminIdentity = common.Identity{UserID: "admin", Role: common.RoleAdmin}
	userIdentity  = common.Identity{UserID: "user1", Role: common.RoleUser}
	otherIdentity = common.Identity{UserID: "user2", Role: common.RoleUser}
)

// ==============================================================================

func TestSupervisorEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server, port := startTestBroker(t, "sensor", "secret")
	defer func() {
		_ = server.Close()
	}()
	inbound := make(chan string, 4)
	assert.Nil(server.Subscribe("cmd/#", 1, func(
		_ *mochi.Client, _ packets.Subscription, pk packets.Packet,
	) {
		inbound <- fmt.Sprintf("%s:%s", pk.TopicName, string(pk.Payload))
	}))

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.GetMemoryBrokerStore()
	uut, err := GetSupervisor(ctxt, &wg, testParams(), store, nil, metrics.New("ut"))
	assert.Nil(err)
	impl, ok := uut.(*supervisorImpl)
	assert.True(ok)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	// Case 1: only admins create brokers
	candidate := common.BrokerEndpoint{
		Label: "lab", Host: "127.0.0.1", Port: port, Username: "sensor", Password: "secret",
	}
	_, err = uut.CreateBroker(ctxt, userIdentity, candidate)
	assert.Equal(common.ErrorKindAuthorization, common.ErrorKindOf(err))
	broker, err := uut.CreateBroker(ctxt, adminIdentity, candidate)
	assert.Nil(err)
	assert.Equal(adminIdentity.UserID, broker.OwnerID)

	// Case 2: candidate test
	{
		result, err := uut.TestBroker(ctxt, adminIdentity, candidate)
		assert.Nil(err)
		assert.True(result.Success)
		assert.Equal(connection.VerdictAccepted, result.Diagnosis.Verdict)
	}

	// Case 3: assignment gives access
	{
		_, err := uut.BrokerStatus(ctxt, userIdentity, broker.ID)
		assert.Equal(common.ErrorKindAuthorization, common.ErrorKindOf(err))
		assert.Nil(uut.AssignBroker(ctxt, adminIdentity, broker.ID, userIdentity.UserID))
		listed, err := uut.ListBrokers(ctxt, userIdentity)
		assert.Nil(err)
		assert.Len(listed, 1)
	}

	// Case 4: session connects the user's brokers
	userSess := newTestSession(userIdentity.UserID)
	adminSess := newTestSession(adminIdentity.UserID)
	{
		assert.Nil(uut.SessionConnected(ctxt, userSess))
		_, ok := userSess.waitForEvent(
			session.EventMQTTStatus, statusIs(connection.StateConnected), time.Second*3,
		)
		assert.True(ok)
		assert.Nil(uut.SessionConnected(ctxt, adminSess))
		_, ok = adminSess.waitForEvent(
			session.EventMQTTStatus, statusIs(connection.StateConnected), time.Second*3,
		)
		assert.True(ok)
		assert.Len(impl.registry.Keys(), 2)

		state, err := uut.BrokerStatus(ctxt, userIdentity, broker.ID)
		assert.Nil(err)
		assert.NotNil(state.Connection)
		assert.Equal(connection.StateConnected, state.Connection.State)
		assert.Equal("connected", state.Broker.Status)
		assert.NotNil(state.Broker.ConnectedAt)
	}

	// Case 5: subscribe and relay, only to the subscribing user
	{
		assert.Nil(uut.Subscribe(ctxt, userIdentity, broker.ID, "sensors/#"))
		_, ok := userSess.waitForEvent(session.EventSubscribed, nil, time.Second)
		assert.True(ok)

		assert.Nil(server.Publish("sensors/t1", []byte(`{"temp":21.5}`), false, 0))
		evt, ok := userSess.waitForEvent(session.EventMQTTMessage, nil, time.Second*2)
		assert.True(ok)
		msg, ok := evt.Data.(common.MQTTMessage)
		assert.True(ok)
		assert.Equal(broker.ID, msg.BrokerID)
		assert.Equal("sensors/t1", msg.Topic)
		assert.Equal(`{"temp":21.5}`, msg.Payload)

		time.Sleep(time.Millisecond * 100)
		for _, evt := range adminSess.drain() {
			assert.NotEqual(session.EventMQTTMessage, evt.Name)
		}

		recent, err := uut.RecentMessages(ctxt, userIdentity, broker.ID, 0)
		assert.Nil(err)
		assert.Len(recent, 1)
		recent, err = uut.RecentMessages(ctxt, adminIdentity, "", 0)
		assert.Nil(err)
		assert.Len(recent, 0)
	}

	// Case 6: publish
	{
		assert.Nil(uut.Publish(ctxt, userIdentity, broker.ID, "cmd/light", "on"))
		_, ok := userSess.waitForEvent(session.EventPublished, nil, time.Second)
		assert.True(ok)
		select {
		case received := <-inbound:
			assert.Equal("cmd/light:on", received)
		case <-time.After(time.Second * 2):
			assert.Fail("publish did not reach the broker")
		}

		err := uut.Publish(ctxt, userIdentity, broker.ID, "cmd/+", "on")
		assert.Equal(common.ErrorKindValidation, common.ErrorKindOf(err))
		_, ok = userSess.waitForEvent(session.EventError, nil, time.Second)
		assert.True(ok)
	}

	// Case 7: strangers are refused
	{
		err := uut.Subscribe(ctxt, otherIdentity, broker.ID, "sensors/#")
		assert.Equal(common.ErrorKindAuthorization, common.ErrorKindOf(err))
		_, err = uut.ConnectBroker(ctxt, otherIdentity, broker.ID)
		assert.Equal(common.ErrorKindAuthorization, common.ErrorKindOf(err))
		err = uut.DeleteBroker(ctxt, userIdentity, broker.ID)
		assert.Equal(common.ErrorKindAuthorization, common.ErrorKindOf(err))
	}

	// Case 8: explicit disconnect and reconnect
	{
		assert.Nil(uut.DisconnectBroker(ctxt, adminIdentity, broker.ID))
		_, ok := adminSess.waitForEvent(
			session.EventMQTTStatus, statusIs(connection.StateDisconnected), time.Second,
		)
		assert.True(ok)
		status, err := uut.ConnectBroker(ctxt, adminIdentity, broker.ID)
		assert.Nil(err)
		assert.NotEqual(connection.StateDisconnected, status.State)
		_, ok = adminSess.waitForEvent(
			session.EventMQTTStatus, statusIs(connection.StateConnected), time.Second*3,
		)
		assert.True(ok)
	}

	// Case 9: logout tears down the user only
	{
		assert.Nil(uut.Logout(ctxt, userIdentity))
		assert.True(userSess.isClosed())
		assert.Equal(
			[]common.ConnectionKey{{UserID: adminIdentity.UserID, BrokerID: broker.ID}},
			impl.registry.Keys(),
		)
		recent, err := uut.RecentMessages(ctxt, userIdentity, "", 0)
		assert.Nil(err)
		assert.Len(recent, 0)
	}

	// Case 10: deletion tears down every connection to the broker
	{
		assert.Nil(uut.DeleteBroker(ctxt, adminIdentity, broker.ID))
		evt, ok := adminSess.waitForEvent(session.EventBrokerDeleted, nil, time.Second)
		assert.True(ok)
		assert.Equal(BrokerDeletedEvent{BrokerID: broker.ID}, evt.Data)
		assert.Empty(impl.registry.Keys())
		_, err := store.FindBrokerByID(ctxt, broker.ID)
		assert.Equal(common.ErrorKindNotFound, common.ErrorKindOf(err))
	}
}

func TestSupervisorCredentialFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server, port := startTestBroker(t, "sensor", "secret")
	defer func() {
		_ = server.Close()
	}()

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.GetMemoryBrokerStore()
	uut, err := GetSupervisor(ctxt, &wg, testParams(), store, nil, metrics.New("ut"))
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	candidate := common.BrokerEndpoint{
		Host: "127.0.0.1", Port: port, Username: "sensor", Password: "wrong",
	}

	// Case 1: candidate test reports the refusal
	{
		result, err := uut.TestBroker(ctxt, adminIdentity, candidate)
		assert.Nil(err)
		assert.False(result.Success)
		assert.Equal(common.ErrorKindCredential, result.Kind)
		assert.False(result.Diagnosis.Verified)
	}

	// Case 2: the connection gives up at once
	{
		broker, err := uut.CreateBroker(ctxt, adminIdentity, candidate)
		assert.Nil(err)
		sess := newTestSession(adminIdentity.UserID)
		assert.Nil(uut.SessionConnected(ctxt, sess))
		evt, ok := sess.waitForEvent(session.EventError, func(data interface{}) bool {
			errEvt, ok := data.(ErrorEvent)
			return ok && errEvt.Fatal
		}, time.Second*3)
		assert.True(ok)
		errEvt := evt.Data.(ErrorEvent)
		assert.Equal(common.ErrorKindCredential, errEvt.Kind)
		assert.Equal(broker.ID, errEvt.BrokerID)

		stored, err := store.FindBrokerByID(ctxt, broker.ID)
		assert.Nil(err)
		assert.Equal("disconnected", stored.Status)
		assert.NotEmpty(stored.LastError)
	}
}

func TestSupervisorConnectAndWaitTimeout(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.GetMemoryBrokerStore()
	uut, err := GetSupervisor(ctxt, &wg, testParams(), store, nil, metrics.New("ut"))
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	// Nothing listens on this port
	broker, err := uut.CreateBroker(ctxt, adminIdentity, common.BrokerEndpoint{
		Host: "127.0.0.1", Port: getFreeTCPPort(t),
	})
	assert.Nil(err)
	sess := newTestSession(adminIdentity.UserID)
	assert.Nil(uut.SessionConnected(ctxt, sess))

	start := time.Now()
	err = uut.Publish(ctxt, adminIdentity, broker.ID, "cmd/light", "on")
	assert.NotNil(err)
	assert.Equal(common.ErrorKindNotConnected, common.ErrorKindOf(err))
	assert.GreaterOrEqual(time.Since(start), time.Millisecond*900)
	_, ok := sess.waitForEvent(session.EventError, func(data interface{}) bool {
		errEvt, ok := data.(ErrorEvent)
		return ok && errEvt.Kind == common.ErrorKindNotConnected
	}, time.Second)
	assert.True(ok)

	ok, err = uut.CheckBroker(ctxt, adminIdentity, broker.ID, 0)
	assert.False(ok)
	assert.NotNil(err)
}

func TestSupervisorGraceTeardown(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	params := testParams()
	params.ClientFactory = instantClientFactory
	store := storage.GetMemoryBrokerStore()
	uut, err := GetSupervisor(ctxt, &wg, params, store, nil, metrics.New("ut"))
	assert.Nil(err)
	impl := uut.(*supervisorImpl)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	broker, err := uut.CreateBroker(ctxt, adminIdentity, common.BrokerEndpoint{
		Host: "broker.local", Port: 1883,
	})
	assert.Nil(err)
	assert.Nil(uut.AssignBroker(ctxt, adminIdentity, broker.ID, userIdentity.UserID))

	// Case 1: rejoin within the window keeps the connections
	{
		sess := newTestSession(userIdentity.UserID)
		assert.Nil(uut.SessionConnected(ctxt, sess))
		_, ok := sess.waitForEvent(
			session.EventMQTTStatus, statusIs(connection.StateConnected), time.Second,
		)
		assert.True(ok)
		uut.SessionDisconnected(userIdentity.UserID, sess.ID())
		time.Sleep(time.Millisecond * 300)
		again := newTestSession(userIdentity.UserID)
		assert.Nil(uut.SessionConnected(ctxt, again))
		time.Sleep(time.Millisecond * 1200)
		assert.Len(impl.registry.Keys(), 1)

		// Case 2: staying away past the window tears them down
		uut.SessionDisconnected(userIdentity.UserID, again.ID())
		time.Sleep(time.Millisecond * 1500)
		assert.Empty(impl.registry.Keys())
	}

	// Case 3: session cap evicts the oldest session
	{
		sessions := []*testSession{}
		for itr := 0; itr < 3; itr++ {
			sess := newTestSession(userIdentity.UserID)
			sessions = append(sessions, sess)
			assert.Nil(uut.SessionConnected(ctxt, sess))
		}
		assert.True(sessions[0].isClosed())
		_, ok := sessions[0].waitForEvent(session.EventSessionEvicted, nil, time.Second)
		assert.True(ok)
		assert.False(sessions[1].isClosed())
		assert.False(sessions[2].isClosed())
	}

	// Case 4: re-assignment drops the previous assignee's connection
	{
		otherSess := newTestSession(otherIdentity.UserID)
		assert.Nil(uut.SessionConnected(ctxt, otherSess))
		assert.Nil(uut.AssignBroker(ctxt, adminIdentity, broker.ID, otherIdentity.UserID))
		assert.Equal(
			[]common.ConnectionKey{{UserID: otherIdentity.UserID, BrokerID: broker.ID}},
			impl.registry.Keys(),
		)
	}
}

// unreachableStore fails every lookup of a user's brokers
type unreachableStore struct {
	storage.BrokerStore
}

func (s unreachableStore) FindBrokersForUser(
	context.Context, string,
) ([]common.BrokerEndpoint, error) {
	return nil, fmt.Errorf("db down")
}

func TestSupervisorSessionStoreFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	params := testParams()
	params.ClientFactory = instantClientFactory
	store := unreachableStore{BrokerStore: storage.GetMemoryBrokerStore()}
	uut, err := GetSupervisor(ctxt, &wg, params, store, nil, metrics.New("ut"))
	assert.Nil(err)
	impl := uut.(*supervisorImpl)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	// Case 1: the session does not stay registered
	{
		sess := newTestSession(userIdentity.UserID)
		err := uut.SessionConnected(ctxt, sess)
		assert.NotNil(err)
		assert.Equal("db down", err.Error())
		assert.False(impl.router.IsLive(userIdentity.UserID))
		assert.Equal(0, impl.router.SessionCount(userIdentity.UserID))
		assert.Equal(0, impl.router.TotalSessions())
	}

	// Case 2: repeated failures never reach the session cap
	{
		for itr := 0; itr < 3; itr++ {
			sess := newTestSession(userIdentity.UserID)
			assert.NotNil(uut.SessionConnected(ctxt, sess))
			assert.False(sess.isClosed())
		}
		assert.Equal(0, impl.router.SessionCount(userIdentity.UserID))
	}
}

func TestSupervisorSingleAssignment(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	params := testParams()
	params.ClientFactory = instantClientFactory
	store := storage.GetMemoryBrokerStore()
	uut, err := GetSupervisor(ctxt, &wg, params, store, nil, metrics.New("ut"))
	assert.Nil(err)
	impl := uut.(*supervisorImpl)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	lab, err := uut.CreateBroker(ctxt, adminIdentity, common.BrokerEndpoint{
		Label: "lab", Host: "lab.local", Port: 1883,
	})
	assert.Nil(err)
	plant, err := uut.CreateBroker(ctxt, adminIdentity, common.BrokerEndpoint{
		Label: "plant", Host: "plant.local", Port: 1883,
	})
	assert.Nil(err)

	// Case 1: first assignment connects the live user
	sess := newTestSession(userIdentity.UserID)
	{
		assert.Nil(uut.AssignBroker(ctxt, adminIdentity, lab.ID, userIdentity.UserID))
		assert.Nil(uut.SessionConnected(ctxt, sess))
		_, ok := sess.waitForEvent(
			session.EventMQTTStatus, statusIs(connection.StateConnected), time.Second,
		)
		assert.True(ok)
		assert.Equal(
			[]common.ConnectionKey{{UserID: userIdentity.UserID, BrokerID: lab.ID}},
			impl.registry.Keys(),
		)
	}

	// Case 2: a second assignment replaces the first
	{
		assert.Nil(uut.AssignBroker(ctxt, adminIdentity, plant.ID, userIdentity.UserID))
		assert.Equal(
			[]common.ConnectionKey{{UserID: userIdentity.UserID, BrokerID: plant.ID}},
			impl.registry.Keys(),
		)
		listed, err := uut.ListBrokers(ctxt, userIdentity)
		assert.Nil(err)
		assert.Len(listed, 1)
		assert.Equal(plant.ID, listed[0].ID)

		_, err = uut.BrokerStatus(ctxt, userIdentity, lab.ID)
		assert.Equal(common.ErrorKindAuthorization, common.ErrorKindOf(err))
		stored, err := store.FindBrokerByID(ctxt, lab.ID)
		assert.Nil(err)
		assert.Empty(stored.AssignedUserID)
	}

	// Case 3: the owner keeps its own access
	{
		owned, err := uut.ListBrokers(ctxt, adminIdentity)
		assert.Nil(err)
		assert.Len(owned, 2)
	}
}

func TestSupervisorReconnectAfterBrokerDrop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server, port := startTestBroker(t, "sensor", "secret")
	defer func() {
		_ = server.Close()
	}()

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.GetMemoryBrokerStore()
	uut, err := GetSupervisor(ctxt, &wg, testParams(), store, nil, metrics.New("ut"))
	assert.Nil(err)
	impl := uut.(*supervisorImpl)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	broker, err := uut.CreateBroker(ctxt, adminIdentity, common.BrokerEndpoint{
		Host: "127.0.0.1", Port: port, Username: "sensor", Password: "secret",
	})
	assert.Nil(err)
	key := common.ConnectionKey{UserID: adminIdentity.UserID, BrokerID: broker.ID}

	sess := newTestSession(adminIdentity.UserID)
	assert.Nil(uut.SessionConnected(ctxt, sess))
	_, ok := sess.waitForEvent(
		session.EventMQTTStatus, statusIs(connection.StateConnected), time.Second*3,
	)
	assert.True(ok)
	before, ok := impl.registry.Lookup(key)
	assert.True(ok)

	// Case 1: the broker drops the client
	{
		dropped := 0
		for _, client := range server.Clients.GetAll() {
			if client.Net.Inline {
				continue
			}
			client.Stop(fmt.Errorf("dropped by broker"))
			dropped++
		}
		assert.Equal(1, dropped)
		_, ok := sess.waitForEvent(
			session.EventMQTTStatus, statusIs(connection.StateDisconnected), time.Second*3,
		)
		assert.True(ok)
	}

	// Case 2: the gateway reconnects on its own
	{
		_, ok := sess.waitForEvent(
			session.EventMQTTStatus, statusIs(connection.StateConnected), time.Second*3,
		)
		assert.True(ok)
		after, ok := impl.registry.Lookup(key)
		assert.True(ok)
		assert.Same(before, after)
		assert.Equal([]common.ConnectionKey{key}, impl.registry.Keys())

		assert.Eventually(func() bool {
			stored, err := store.FindBrokerByID(ctxt, broker.ID)
			return err == nil && stored.Status == "connected"
		}, time.Second, time.Millisecond*20)
	}
}
