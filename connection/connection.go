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

package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mqttgw/common"
	"github.com/alwitt/mqttgw/core"
	"github.com/apex/log"
)

// State is the state of a broker connection
type State string

// Broker connection states
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Listener receives the events of a broker connection. Calls are never made while the
// connection holds its internal lock, so a Listener may call back into the connection.
type Listener interface {
	// OnStatusChange the connection changed state. lastErr is the most recent failure.
	OnStatusChange(key common.ConnectionKey, status State, lastErr error)
	// OnMessage a message arrived from the broker
	OnMessage(key common.ConnectionKey, msg common.MQTTMessage)
	// OnError a failure occurred. A fatal error means the connection stopped retrying
	// and stays disconnected until explicitly connected again.
	OnError(key common.ConnectionKey, err error, fatal bool)
}

// Params are the operating parameters of a broker connection
type Params struct {
	// ClientFactory defines the underlying MQTT clients
	ClientFactory core.MQTTClientFactory
	// ConnectTimeout bounds one connect attempt
	ConnectTimeout time.Duration
	// TestTimeout bounds one throwaway test connection
	TestTimeout time.Duration
	// KeepAlive is the MQTT keep alive interval
	KeepAlive time.Duration
	// Retry is the reconnect policy
	Retry RetryPolicy
}

// Status is a snapshot of a broker connection
type Status struct {
	Key         common.ConnectionKey `json:"key"`
	Host        string               `json:"host"`
	Port        uint16               `json:"port"`
	State       State                `json:"state"`
	Retries     int                  `json:"retries"`
	LastError   string               `json:"last_error,omitempty"`
	ConnectedAt *time.Time           `json:"connected_at,omitempty"`
}

type eventKind int

const (
	eventConnectRequested eventKind = iota
	eventRetryDue
	eventConnected
	eventConnectFailed
	eventConnectionLost
	eventMessage
	eventDisconnectRequested
)

func (k eventKind) String() string {
	switch k {
	case eventConnectRequested:
		return "connect-requested"
	case eventRetryDue:
		return "retry-due"
	case eventConnected:
		return "connected"
	case eventConnectFailed:
		return "connect-failed"
	case eventConnectionLost:
		return "connection-lost"
	case eventMessage:
		return "message"
	case eventDisconnectRequested:
		return "disconnect-requested"
	}
	return "unknown"
}

// connEvent is one stimulus to the connection state machine. generation ties client
// events to the client that raised them, and retry events to the retry that was
// scheduled.
type connEvent struct {
	kind       eventKind
	generation uint64
	err        error
	msg        common.MQTTMessage
}

type notification struct {
	status  State
	lastErr error
	message *common.MQTTMessage
	err     error
	fatal   bool
}

// transition is what the state machine decided, to be carried out once the lock is
// released: old clients are closed first, then the new client connects, then the
// listener is told.
type transition struct {
	release []core.MQTTClient
	start   core.MQTTClient
	notes   []notification
	result  error
}

func (t *transition) notifyStatus(status State, lastErr error) {
	t.notes = append(t.notes, notification{status: status, lastErr: lastErr})
}

func (t *transition) notifyError(err error, fatal bool) {
	t.notes = append(t.notes, notification{err: err, fatal: fatal})
}

// BrokerConnection is the supervised MQTT client of one (user, broker) pair
type BrokerConnection struct {
	goutils.Component
	key        common.ConnectionKey
	endpoint   common.BrokerEndpoint
	params     Params
	retryTimer common.IntervalTimer

	lock            sync.Mutex
	listener        Listener
	state           State
	retries         int
	lastErr         error
	connectedAt     *time.Time
	client          core.MQTTClient
	generation      uint64
	retryGeneration uint64
}

// NewBrokerConnection define a new broker connection. It starts disconnected.
func NewBrokerConnection(
	ctxt context.Context,
	wg *sync.WaitGroup,
	key common.ConnectionKey,
	endpoint common.BrokerEndpoint,
	params Params,
	listener Listener,
) (*BrokerConnection, error) {
	if params.ClientFactory == nil {
		return nil, fmt.Errorf("no MQTT client factory given")
	}
	if params.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("retry budget must be at least 1")
	}
	logTags := log.Fields{
		"module":    "connection",
		"component": "broker-connection",
		"instance":  key.String(),
	}
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("retry.%s", key.String()), ctxt, wg,
	)
	if err != nil {
		return nil, err
	}
	return &BrokerConnection{
		Component:  goutils.Component{LogTags: logTags},
		key:        key,
		endpoint:   endpoint,
		params:     params,
		retryTimer: timer,
		listener:   listener,
		state:      StateDisconnected,
	}, nil
}

// Key the connection key
func (c *BrokerConnection) Key() common.ConnectionKey {
	return c.key
}

// Endpoint the broker record the connection was defined with
func (c *BrokerConnection) Endpoint() common.BrokerEndpoint {
	return c.endpoint
}

// State the current state
func (c *BrokerConnection) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// Status a snapshot of the connection
func (c *BrokerConnection) Status() Status {
	c.lock.Lock()
	defer c.lock.Unlock()
	status := Status{
		Key:         c.key,
		Host:        c.endpoint.Host,
		Port:        c.endpoint.Port,
		State:       c.state,
		Retries:     c.retries,
		ConnectedAt: c.connectedAt,
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	return status
}

// Connect start connecting. No-op when already connecting or connected. Fails at once
// if the broker record is invalid; when the retry budget is spent the connection is
// shut down and a fatal error reported.
func (c *BrokerConnection) Connect() error {
	return c.handle(connEvent{kind: eventConnectRequested})
}

// Disconnect close the underlying client, cancel any pending retry and reset the
// retry budget. Idempotent.
func (c *BrokerConnection) Disconnect() {
	_ = c.handle(connEvent{kind: eventDisconnectRequested})
}

// Close detach the listener, then Disconnect. Nothing is reported for the shutdown.
func (c *BrokerConnection) Close() {
	c.lock.Lock()
	c.listener = nil
	c.lock.Unlock()
	c.Disconnect()
}

// Subscribe subscribe to a topic filter at QoS 0
func (c *BrokerConnection) Subscribe(ctxt context.Context, topic string) error {
	client, err := c.connectedClient()
	if err != nil {
		return err
	}
	if err := common.ValidateTopicFilter(topic); err != nil {
		return err
	}
	if err := client.Subscribe(ctxt, topic); err != nil {
		return common.WrapError(
			common.ErrorKindConnection, err, "subscribe to '%s' failed", topic,
		).ForKey(c.key)
	}
	log.WithFields(c.LogTags).Debugf("Subscribed to '%s'", topic)
	return nil
}

// Publish publish a message at QoS 0
func (c *BrokerConnection) Publish(ctxt context.Context, topic string, payload string) error {
	client, err := c.connectedClient()
	if err != nil {
		return err
	}
	if err := common.ValidateTopicName(topic); err != nil {
		return err
	}
	if err := client.Publish(ctxt, topic, []byte(payload)); err != nil {
		return common.WrapError(
			common.ErrorKindConnection, err, "publish to '%s' failed", topic,
		).ForKey(c.key)
	}
	return nil
}

func (c *BrokerConnection) connectedClient() (core.MQTTClient, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateConnected || c.client == nil {
		return nil, common.NewError(
			common.ErrorKindNotConnected, "MQTT client not connected",
		).ForKey(c.key)
	}
	return c.client, nil
}

// ==============================================================================
// State machine

// handle run one event through the state machine, then carry out its decisions
func (c *BrokerConnection) handle(evt connEvent) error {
	c.lock.Lock()
	out := c.transition(evt)
	listener := c.listener
	c.lock.Unlock()

	for _, old := range out.release {
		old.Close()
	}
	if out.start != nil {
		out.start.Connect()
	}
	if listener != nil {
		for _, note := range out.notes {
			switch {
			case note.message != nil:
				listener.OnMessage(c.key, *note.message)
			case note.err != nil:
				listener.OnError(c.key, note.err, note.fatal)
			default:
				listener.OnStatusChange(c.key, note.status, note.lastErr)
			}
		}
	}
	return out.result
}

// transition apply one event. Must hold the lock.
func (c *BrokerConnection) transition(evt connEvent) transition {
	out := transition{}
	switch evt.kind {
	case eventConnectRequested:
		c.attempt(&out)

	case eventRetryDue:
		if evt.generation != c.retryGeneration {
			break
		}
		log.WithFields(c.LogTags).Debugf("Retry attempt %d", c.retries+1)
		c.attempt(&out)

	case eventConnected:
		if evt.generation != c.generation || c.state != StateConnecting {
			break
		}
		now := time.Now().UTC()
		c.state = StateConnected
		c.retries = 0
		c.lastErr = nil
		c.connectedAt = &now
		log.WithFields(c.LogTags).Infof("Connected to %s", c.endpoint.Address())
		out.notifyStatus(StateConnected, nil)

	case eventConnectFailed, eventConnectionLost:
		if evt.generation != c.generation {
			break
		}
		c.onFailure(&out, evt)

	case eventMessage:
		if evt.generation != c.generation {
			break
		}
		msg := evt.msg
		out.notes = append(out.notes, notification{message: &msg})

	case eventDisconnectRequested:
		c.shutdown(&out)
	}
	return out
}

// attempt start one connect attempt. Must hold the lock.
func (c *BrokerConnection) attempt(out *transition) {
	if c.state != StateDisconnected {
		log.WithFields(c.LogTags).Debugf("Connect ignored while %s", c.state)
		return
	}
	if err := common.ValidateBrokerEndpoint(c.endpoint); err != nil {
		var gwErr *common.GatewayError
		if errors.As(err, &gwErr) {
			gwErr.ForKey(c.key)
		}
		c.lastErr = err
		out.result = err
		out.notifyError(err, false)
		log.WithError(err).WithFields(c.LogTags).Error("Refusing to connect")
		return
	}
	if c.retries >= c.params.Retry.MaxAttempts {
		c.terminate(out, c.exhaustedError())
		return
	}

	c.cancelRetry()
	if c.client != nil {
		out.release = append(out.release, c.client)
		c.client = nil
	}
	c.generation++
	c.retries++
	c.state = StateConnecting
	c.client = c.params.ClientFactory(
		core.MQTTConnectParams{
			ClientID: fmt.Sprintf(
				"mqttgw_%s_%s_%d", c.key.UserID, c.key.BrokerID, time.Now().UnixNano(),
			),
			Host:           c.endpoint.Host,
			Port:           c.endpoint.Port,
			Username:       c.endpoint.Username,
			Password:       c.endpoint.Password,
			ConnectTimeout: c.params.ConnectTimeout,
			KeepAlive:      c.params.KeepAlive,
		},
		c.clientHandlers(c.generation),
	)
	out.start = c.client
	log.WithFields(c.LogTags).Debugf(
		"Connecting to %s (attempt %d of %d)",
		c.endpoint.Address(),
		c.retries,
		c.params.Retry.MaxAttempts,
	)
	out.notifyStatus(StateConnecting, c.lastErr)
}

// onFailure a connect attempt failed or the connection dropped. Must hold the lock.
func (c *BrokerConnection) onFailure(out *transition, evt connEvent) {
	kind := ClassifyError(evt.err)
	if kind == common.ErrorKindCredential {
		c.terminate(out, common.WrapError(
			kind, evt.err, "broker %s rejected the credentials", c.endpoint.Address(),
		).ForKey(c.key))
		return
	}

	failure := common.WrapError(
		common.ErrorKindConnection, evt.err, "MQTT error on %s", c.endpoint.Address(),
	).ForKey(c.key)
	c.lastErr = failure
	log.WithError(evt.err).WithFields(c.LogTags).Warnf("%s", evt.kind)
	out.notifyError(failure, false)

	if c.client != nil {
		out.release = append(out.release, c.client)
		c.client = nil
	}
	if c.state != StateDisconnected {
		c.state = StateDisconnected
		out.notifyStatus(StateDisconnected, c.lastErr)
	}
	c.scheduleReconnect(out)
}

// scheduleReconnect schedule the next attempt, or give up when the budget is spent.
// Must hold the lock.
func (c *BrokerConnection) scheduleReconnect(out *transition) {
	if c.state != StateDisconnected {
		return
	}
	if c.retries >= c.params.Retry.MaxAttempts {
		c.terminate(out, c.exhaustedError())
		return
	}
	delay := c.params.Retry.Delay(c.retries)
	c.retryGeneration++
	retryGeneration := c.retryGeneration
	log.WithFields(c.LogTags).Infof(
		"Reconnecting in %s (attempt %d of %d)",
		delay,
		c.retries+1,
		c.params.Retry.MaxAttempts,
	)
	if err := c.retryTimer.Start(delay, func() error {
		return c.handle(connEvent{kind: eventRetryDue, generation: retryGeneration})
	}, true); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to schedule reconnect")
	}
}

func (c *BrokerConnection) exhaustedError() error {
	return common.WrapError(
		common.ErrorKindConnection,
		c.lastErr,
		"failed to connect to %s after %d attempts",
		c.endpoint.Address(),
		c.params.Retry.MaxAttempts,
	).ForKey(c.key)
}

// terminate shut down and report a fatal error. Must hold the lock.
func (c *BrokerConnection) terminate(out *transition, err error) {
	c.shutdown(out)
	c.lastErr = err
	log.WithError(err).WithFields(c.LogTags).Error("Giving up on broker connection")
	out.notifyError(err, true)
}

// shutdown release everything, reset the retry budget. Must hold the lock.
func (c *BrokerConnection) shutdown(out *transition) {
	c.cancelRetry()
	if c.client != nil {
		out.release = append(out.release, c.client)
		c.client = nil
	}
	// Anything still in flight from the released client is now stale
	c.generation++
	c.retries = 0
	if c.state != StateDisconnected {
		c.state = StateDisconnected
		log.WithFields(c.LogTags).Info("Disconnected")
		out.notifyStatus(StateDisconnected, c.lastErr)
	}
}

// cancelRetry drop any pending retry. Must hold the lock.
func (c *BrokerConnection) cancelRetry() {
	c.retryGeneration++
	if err := c.retryTimer.Stop(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to stop retry timer")
	}
}

// clientHandlers route the events of one client into the state machine
func (c *BrokerConnection) clientHandlers(generation uint64) core.MQTTEventHandlers {
	return core.MQTTEventHandlers{
		OnConnect: func() {
			_ = c.handle(connEvent{kind: eventConnected, generation: generation})
		},
		OnConnectFailed: func(err error) {
			_ = c.handle(connEvent{kind: eventConnectFailed, generation: generation, err: err})
		},
		OnConnectionLost: func(err error) {
			_ = c.handle(connEvent{kind: eventConnectionLost, generation: generation, err: err})
		},
		OnMessage: func(topic string, payload []byte, qos byte) {
			_ = c.handle(connEvent{
				kind:       eventMessage,
				generation: generation,
				msg:        c.decodeMessage(topic, payload, qos),
			})
		},
	}
}

// decodeMessage convert a received payload to text. JSON payloads are parsed for the
// debug log only; the payload is relayed as received.
func (c *BrokerConnection) decodeMessage(topic string, payload []byte, qos byte) common.MQTTMessage {
	text := string(payload)
	if !utf8.Valid(payload) {
		text = strings.ToValidUTF8(text, "\uFFFD")
	}
	if logger, ok := log.Log.(*log.Logger); ok && logger.Level <= log.DebugLevel {
		var parsed interface{}
		if err := json.Unmarshal(payload, &parsed); err == nil {
			log.WithFields(c.LogTags).WithField("topic", topic).Debugf("JSON message: %v", parsed)
		} else {
			log.WithFields(c.LogTags).WithField("topic", topic).Debugf("Text message: %s", text)
		}
	}
	return common.MQTTMessage{
		BrokerID:   c.key.BrokerID,
		Topic:      topic,
		Payload:    text,
		QoS:        qos,
		ReceivedAt: time.Now().UTC(),
	}
}
