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

package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
)

func getFreeTCPPort(t *testing.T) uint16 {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to reserve TCP port: %s", err.Error())
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()
	return uint16(port)
}

// startTestBroker start an embedded broker. With a username set, only that
// username / password pair is accepted.
func startTestBroker(t *testing.T, username, password string) (*mochi.Server, uint16) {
	port := getFreeTCPPort(t)
	server := mochi.New(&mochi.Options{InlineClient: true})
	var err error
	if username == "" {
		err = server.AddHook(new(auth.AllowHook), nil)
	} else {
		err = server.AddHook(new(auth.Hook), &auth.Options{
			Ledger: &auth.Ledger{
				Auth: auth.AuthRules{
					{Username: auth.RString(username), Password: auth.RString(password), Allow: true},
				},
			},
		})
	}
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

type clientEvents struct {
	connected chan struct{}
	failed    chan error
	lost      chan error
	messages  chan string
}

func newClientEvents() (clientEvents, MQTTEventHandlers) {
	events := clientEvents{
		connected: make(chan struct{}, 1),
		failed:    make(chan error, 1),
		lost:      make(chan error, 1),
		messages:  make(chan string, 4),
	}
	return events, MQTTEventHandlers{
		OnConnect:        func() { events.connected <- struct{}{} },
		OnConnectFailed:  func(err error) { events.failed <- err },
		OnConnectionLost: func(err error) { events.lost <- err },
		OnMessage: func(topic string, payload []byte, qos byte) {
			events.messages <- fmt.Sprintf("%s:%s", topic, string(payload))
		},
	}
}

func TestPahoClientRelay(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server, port := startTestBroker(t, "", "")
	defer func() {
		_ = server.Close()
	}()

	inbound := make(chan string, 1)
	assert.Nil(server.Subscribe("from/gateway", 1, func(
		_ *mochi.Client, _ packets.Subscription, pk packets.Packet,
	) {
		inbound <- string(pk.Payload)
	}))

	events, handlers := newClientEvents()
	uut := NewPahoClient(MQTTConnectParams{
		ClientID:       fmt.Sprintf("test_%s", uuid.NewString()),
		Host:           "127.0.0.1",
		Port:           port,
		ConnectTimeout: time.Second * 2,
		KeepAlive:      time.Second * 30,
	}, handlers)
	defer uut.Close()

	// Case 1: connect
	{
		uut.Connect()
		select {
		case <-events.connected:
		case err := <-events.failed:
			assert.Nil(err)
		case <-time.After(time.Second * 3):
			assert.Fail("connect did not complete")
		}
	}

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()

	// Case 2: subscribe and receive
	{
		assert.Nil(uut.Subscribe(ctxt, "to/gateway/#"))
		assert.Nil(server.Publish("to/gateway/1", []byte("hello"), false, 0))
		select {
		case msg := <-events.messages:
			assert.Equal("to/gateway/1:hello", msg)
		case <-time.After(time.Second * 2):
			assert.Fail("message not received")
		}
	}

	// Case 3: publish
	{
		assert.Nil(uut.Publish(ctxt, "from/gateway", []byte("world")))
		select {
		case msg := <-inbound:
			assert.Equal("world", msg)
		case <-time.After(time.Second * 2):
			assert.Fail("message not published")
		}
	}

	// Case 4: operations after close
	{
		uut.Close()
		uut.Close()
		assert.NotNil(uut.Publish(ctxt, "from/gateway", []byte("late")))
		assert.NotNil(uut.Subscribe(ctxt, "to/gateway/#"))
	}
}

func TestPahoClientConnectFailures(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server, port := startTestBroker(t, "user1", "password1")
	defer func() {
		_ = server.Close()
	}()

	// Case 1: wrong password
	{
		events, handlers := newClientEvents()
		uut := NewPahoClient(MQTTConnectParams{
			ClientID:       fmt.Sprintf("test_%s", uuid.NewString()),
			Host:           "127.0.0.1",
			Port:           port,
			Username:       "user1",
			Password:       "wrong",
			ConnectTimeout: time.Second * 2,
		}, handlers)
		uut.Connect()
		select {
		case <-events.connected:
			assert.Fail("connect should be refused")
		case err := <-events.failed:
			var connErr *ConnectError
			assert.True(errors.As(err, &connErr))
		case <-time.After(time.Second * 4):
			assert.Fail("connect did not complete")
		}
		uut.Close()
	}

	// Case 2: nothing listening
	{
		events, handlers := newClientEvents()
		uut := NewPahoClient(MQTTConnectParams{
			ClientID:       fmt.Sprintf("test_%s", uuid.NewString()),
			Host:           "127.0.0.1",
			Port:           getFreeTCPPort(t),
			ConnectTimeout: time.Second,
		}, handlers)
		uut.Connect()
		select {
		case <-events.connected:
			assert.Fail("connect should fail")
		case err := <-events.failed:
			assert.NotNil(err)
		case <-time.After(time.Second * 3):
			assert.Fail("connect did not complete")
		}
		uut.Close()
	}

	// Case 3: connect after close is a no-op
	{
		events, handlers := newClientEvents()
		uut := NewPahoClient(MQTTConnectParams{
			ClientID:       fmt.Sprintf("test_%s", uuid.NewString()),
			Host:           "127.0.0.1",
			Port:           port,
			Username:       "user1",
			Password:       "password1",
			ConnectTimeout: time.Second,
		}, handlers)
		uut.Close()
		uut.Connect()
		select {
		case <-events.connected:
			assert.Fail("closed client connected")
		case <-events.failed:
			assert.Fail("closed client reported")
		case <-time.After(time.Millisecond * 300):
		}
	}
}
