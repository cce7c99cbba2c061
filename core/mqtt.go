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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConnectParams parameters of one MQTT client towards a remote broker
type MQTTConnectParams struct {
	// ClientID is the MQTT client ID
	ClientID string `validate:"required"`
	// Host is the broker address
	Host string `validate:"required"`
	// Port is the broker port
	Port uint16 `validate:"required"`
	// Username is the optional MQTT username
	Username string
	// Password is the optional MQTT password
	Password string
	// ConnectTimeout max time to wait for the connection, CONNACK included
	ConnectTimeout time.Duration
	// KeepAlive is the MQTT keep alive interval
	KeepAlive time.Duration
}

// MQTTEventHandlers callbacks on events of one MQTT client. Callbacks are invoked from
// goroutines owned by the client, never from within a call to the client.
type MQTTEventHandlers struct {
	// OnConnect called once the broker accepted the connection
	OnConnect func()
	// OnConnectFailed called when the connect attempt failed
	OnConnectFailed func(err error)
	// OnConnectionLost called when an established connection dropped
	OnConnectionLost func(err error)
	// OnMessage called for each message received on any subscription
	OnMessage func(topic string, payload []byte, qos byte)
}

// MQTTClient one MQTT client connection towards a remote broker
type MQTTClient interface {
	// Connect start connecting. Returns immediately; the outcome is reported through
	// the MQTTEventHandlers. No-op once the client is closed.
	Connect()
	// Subscribe subscribe to a topic filter at QoS 0, waiting for the SUBACK
	Subscribe(ctx context.Context, topic string) error
	// Publish publish a message at QoS 0
	Publish(ctx context.Context, topic string, payload []byte) error
	// Close release the connection. Idempotent. No handler is called afterwards.
	Close()
}

// MQTTClientFactory defines new MQTTClient
type MQTTClientFactory func(params MQTTConnectParams, handlers MQTTEventHandlers) MQTTClient

// ConnectError is a failed connect attempt, carrying the CONNACK return code when the
// broker answered
type ConnectError struct {
	// ReturnCode is the CONNACK return code. 0 if the broker never answered.
	ReturnCode byte
	Err        error
}

// Error implements error
func (e *ConnectError) Error() string {
	if e.ReturnCode != 0 {
		return fmt.Sprintf("connect refused (rc=%d): %s", e.ReturnCode, e.Err.Error())
	}
	return e.Err.Error()
}

// Unwrap support errors.Is / errors.As
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// subAckFailure is the SUBACK return code for a rejected subscription
const subAckFailure = 0x80

// disconnectQuiesce is how long in ms a closing client waits for in-flight work
const disconnectQuiesce = 100

// pahoClient implements MQTTClient with the paho MQTT client
type pahoClient struct {
	goutils.Component
	params   MQTTConnectParams
	handlers MQTTEventHandlers
	client   mqtt.Client
	lock     sync.Mutex
	closed   bool
}

// NewPahoClient define a new MQTTClient using paho. Paho's own reconnect logic is
// disabled; reconnects are the caller's decision.
func NewPahoClient(params MQTTConnectParams, handlers MQTTEventHandlers) MQTTClient {
	logTags := log.Fields{
		"module":    "core",
		"component": "mqtt-client",
		"instance":  params.ClientID,
	}
	instance := &pahoClient{
		Component: goutils.Component{LogTags: logTags},
		params:    params,
		handlers:  handlers,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", params.Host, params.Port))
	opts.SetClientID(params.ClientID)
	if params.Username != "" {
		opts.SetUsername(params.Username)
	}
	if params.Password != "" {
		opts.SetPassword(params.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)
	if params.ConnectTimeout > 0 {
		opts.SetConnectTimeout(params.ConnectTimeout)
	}
	if params.KeepAlive > 0 {
		opts.SetKeepAlive(params.KeepAlive)
	}
	opts.SetDefaultPublishHandler(instance.onMessage)
	opts.SetConnectionLostHandler(instance.onConnectionLost)

	instance.client = mqtt.NewClient(opts)
	return instance
}

func (c *pahoClient) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

func (c *pahoClient) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if c.isClosed() || c.handlers.OnMessage == nil {
		return
	}
	c.handlers.OnMessage(msg.Topic(), msg.Payload(), msg.Qos())
}

func (c *pahoClient) onConnectionLost(_ mqtt.Client, err error) {
	if c.isClosed() {
		return
	}
	log.WithError(err).WithFields(c.LogTags).Warn("Connection lost")
	if c.handlers.OnConnectionLost != nil {
		c.handlers.OnConnectionLost(err)
	}
}

// Connect start connecting to the broker
func (c *pahoClient) Connect() {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	token := c.client.Connect()
	c.lock.Unlock()

	go func() {
		// paho bounds the attempt with the connect timeout, the extra second only
		// guards against a token that never completes
		if !token.WaitTimeout(c.params.ConnectTimeout + time.Second) {
			c.client.Disconnect(0)
			if !c.isClosed() && c.handlers.OnConnectFailed != nil {
				c.handlers.OnConnectFailed(&ConnectError{
					Err: fmt.Errorf("connect timed out after %s", c.params.ConnectTimeout),
				})
			}
			return
		}
		if c.isClosed() {
			// Closed while the attempt was in flight
			c.client.Disconnect(0)
			return
		}
		if err := token.Error(); err != nil {
			connErr := &ConnectError{Err: err}
			if ct, ok := token.(*mqtt.ConnectToken); ok {
				connErr.ReturnCode = ct.ReturnCode()
			}
			log.WithError(err).WithFields(c.LogTags).Debug("Connect failed")
			if c.handlers.OnConnectFailed != nil {
				c.handlers.OnConnectFailed(connErr)
			}
			return
		}
		log.WithFields(c.LogTags).Debug("Connected")
		if c.handlers.OnConnect != nil {
			c.handlers.OnConnect()
		}
	}()
}

// waitToken wait for a paho token to complete, or the context to expire
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe subscribe to a topic filter
func (c *pahoClient) Subscribe(ctx context.Context, topic string) error {
	if c.isClosed() {
		return fmt.Errorf("client closed")
	}
	token := c.client.Subscribe(topic, 0, nil)
	if err := waitToken(ctx, token); err != nil {
		return err
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		for filter, code := range st.Result() {
			if code == subAckFailure {
				return fmt.Errorf("broker rejected subscription to '%s'", filter)
			}
		}
	}
	return nil
}

// Publish publish a message
func (c *pahoClient) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.isClosed() {
		return fmt.Errorf("client closed")
	}
	return waitToken(ctx, c.client.Publish(topic, 0, false, payload))
}

// Close disconnect from the broker
func (c *pahoClient) Close() {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	c.lock.Unlock()
	c.client.Disconnect(disconnectQuiesce)
	log.WithFields(c.LogTags).Debug("Closed")
}
