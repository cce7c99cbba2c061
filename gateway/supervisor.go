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
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mqttgw/common"
	"github.com/alwitt/mqttgw/connection"
	"github.com/alwitt/mqttgw/core"
	"github.com/alwitt/mqttgw/dataplane"
	"github.com/alwitt/mqttgw/metrics"
	"github.com/alwitt/mqttgw/registry"
	"github.com/alwitt/mqttgw/session"
	"github.com/alwitt/mqttgw/storage"
	"github.com/apex/log"
)

// storeCallTimeout bounds the store calls made while relaying connection events
const storeCallTimeout = time.Second * 5

// Supervisor ties the sessions of each user to the user's broker connections
type Supervisor interface {
	/*
		SessionConnected register a new session of a user, then connect every broker the
		user owns or is assigned to. On failure the session is unregistered again.

		 @param ctxt context.Context - context for the operation
		 @param sess session.Session - the new session
	*/
	SessionConnected(ctxt context.Context, sess session.Session) error

	// SessionDisconnected unregister a session. The user's connections survive the
	// grace window.
	SessionDisconnected(userID, sessionID string)

	// ConnectBroker connect the caller to a broker
	ConnectBroker(
		ctxt context.Context, caller common.Identity, brokerID string,
	) (connection.Status, error)

	// DisconnectBroker drop the caller's connection to a broker
	DisconnectBroker(ctxt context.Context, caller common.Identity, brokerID string) error

	/*
		Subscribe subscribe the caller's connection to a topic filter, connecting first if
		needed

		 @param ctxt context.Context - context for the operation
		 @param caller common.Identity - the caller
		 @param brokerID string - the broker
		 @param topic string - the topic filter
	*/
	Subscribe(ctxt context.Context, caller common.Identity, brokerID, topic string) error

	/*
		Publish publish through the caller's connection, connecting first if needed

		 @param ctxt context.Context - context for the operation
		 @param caller common.Identity - the caller
		 @param brokerID string - the broker
		 @param topic string - the topic name
		 @param payload string - the message
	*/
	Publish(
		ctxt context.Context, caller common.Identity, brokerID, topic, payload string,
	) error

	// BrokerStatus the broker record, and the caller's connection to it
	BrokerStatus(
		ctxt context.Context, caller common.Identity, brokerID string,
	) (BrokerState, error)

	// RecentMessages the most recent messages relayed to the caller, oldest first
	RecentMessages(
		ctxt context.Context, caller common.Identity, brokerID string, limit int,
	) ([]common.MQTTMessage, error)

	// TestBroker try a candidate broker, and diagnose refused credentials
	TestBroker(
		ctxt context.Context, caller common.Identity, endpoint common.BrokerEndpoint,
	) (BrokerTestResult, error)

	// CheckBroker test whether a stored broker answers on the given port, 0 for its own port
	CheckBroker(
		ctxt context.Context, caller common.Identity, brokerID string, port uint16,
	) (bool, error)

	// CreateBroker record a new broker owned by the caller
	CreateBroker(
		ctxt context.Context, caller common.Identity, endpoint common.BrokerEndpoint,
	) (common.BrokerEndpoint, error)

	// ListBrokers list the brokers the caller owns or is assigned to
	ListBrokers(ctxt context.Context, caller common.Identity) ([]common.BrokerEndpoint, error)

	// DeleteBroker delete a broker, tearing down every connection to it
	DeleteBroker(ctxt context.Context, caller common.Identity, brokerID string) error

	// AssignBroker assign a broker to a user; an empty user ID clears the assignment
	AssignBroker(
		ctxt context.Context, caller common.Identity, brokerID, userID string,
	) error

	// Logout tear down every connection and session of the caller
	Logout(ctxt context.Context, caller common.Identity) error

	// Stop tear down everything
	Stop() error
}

// SupervisorParams are the operating parameters of the supervisor
type SupervisorParams struct {
	MQTT    common.MQTTClientConfig
	Session common.SessionConfig
	Gateway common.GatewayConfig
	// ClientFactory defines the MQTT clients
	ClientFactory core.MQTTClientFactory
}

// supervisorImpl implements Supervisor
type supervisorImpl struct {
	goutils.Component
	ctxt     context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	params   SupervisorParams
	connArgs connection.Params

	store    storage.BrokerStore
	mirror   dataplane.MessageMirror
	metrics  *metrics.Metrics
	buffer   dataplane.MessageBuffer
	router   session.Router
	registry registry.ConnectionRegistry
	tp       goutils.TaskProcessor
}

/*
GetSupervisor define and start a new supervisor

	@param parent context.Context - parent context
	@param wg *sync.WaitGroup - wait group tracking the supervisor goroutines
	@param params SupervisorParams - operating parameters
	@param store storage.BrokerStore - the broker records
	@param mirror dataplane.MessageMirror - optional mirror of the relayed messages
	@param instruments *metrics.Metrics - metrics to record into
	@return new supervisor
*/
func GetSupervisor(
	parent context.Context,
	wg *sync.WaitGroup,
	params SupervisorParams,
	store storage.BrokerStore,
	mirror dataplane.MessageMirror,
	instruments *metrics.Metrics,
) (Supervisor, error) {
	if params.ClientFactory == nil {
		params.ClientFactory = core.NewPahoClient
	}
	if store == nil || instruments == nil {
		return nil, fmt.Errorf("supervisor needs a broker store and metrics")
	}
	logTags := log.Fields{"module": "gateway", "component": "supervisor"}
	ctxt, cancel := context.WithCancel(parent)

	instance := &supervisorImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		ctxt:   ctxt,
		cancel: cancel,
		wg:     wg,
		params: params,
		connArgs: connection.Params{
			ClientFactory:  params.ClientFactory,
			ConnectTimeout: params.MQTT.ConnectTimeoutDuration(),
			TestTimeout:    params.MQTT.TestTimeoutDuration(),
			KeepAlive:      params.MQTT.KeepAliveDuration(),
			Retry:          connection.RetryPolicyFromConfig(params.MQTT.Retry),
		},
		store:   store,
		mirror:  mirror,
		metrics: instruments,
	}

	var err error
	if instance.buffer, err = dataplane.GetMessageBuffer(params.Gateway.MessageBuffer); err != nil {
		cancel()
		return nil, err
	}
	if instance.router, err = session.GetSessionRouter(ctxt, wg, session.RouterParams{
		MaxPerUser:  params.Session.MaxPerUser,
		GraceWindow: time.Second * time.Duration(params.Session.GraceWindow),
		SendTimeout: time.Millisecond * time.Duration(params.Session.SendTimeout),
	}, instance.onGraceExpired); err != nil {
		cancel()
		return nil, err
	}
	if instance.registry, err = registry.GetConnectionRegistry(
		instance.defineConnection,
	); err != nil {
		cancel()
		return nil, err
	}

	tp, err := goutils.GetNewTaskProcessorInstance(
		ctxt, "supervisor", params.Gateway.TaskBuffer, logTags,
	)
	if err != nil {
		cancel()
		return nil, err
	}
	instance.tp = tp
	if err := tp.SetTaskExecutionMap(map[reflect.Type]goutils.TaskProcessorSupportHandler{
		reflect.TypeOf(connectRequest{}):      instance.processConnectRequest,
		reflect.TypeOf(removeRequest{}):       instance.processRemoveRequest,
		reflect.TypeOf(graceExpiredRequest{}): instance.processGraceExpiredRequest,
	}); err != nil {
		cancel()
		return nil, err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		cancel()
		return nil, err
	}

	instruments.RegisterGauge("broker_connections", "Broker connections held", func() float64 {
		return float64(len(instance.registry.Keys()))
	})
	instruments.RegisterGauge("sessions_active", "Open sessions", func() float64 {
		return float64(instance.router.TotalSessions())
	})
	return instance, nil
}

func (s *supervisorImpl) defineConnection(
	key common.ConnectionKey, endpoint common.BrokerEndpoint,
) (*connection.BrokerConnection, error) {
	return connection.NewBrokerConnection(s.ctxt, s.wg, key, endpoint, s.connArgs, s)
}

// ==============================================================================
// Authorization

func (s *supervisorImpl) authorize(
	ctxt context.Context, caller common.Identity, brokerID string,
) (common.BrokerEndpoint, error) {
	broker, err := s.store.FindBrokerByID(ctxt, brokerID)
	if err != nil {
		return common.BrokerEndpoint{}, err
	}
	if !broker.AccessibleBy(caller.UserID) {
		return common.BrokerEndpoint{}, common.NewError(
			common.ErrorKindAuthorization,
			"user '%s' may not use broker '%s'",
			caller.UserID,
			brokerID,
		)
	}
	return broker, nil
}

func (s *supervisorImpl) authorizeOwner(
	ctxt context.Context, caller common.Identity, brokerID string,
) (common.BrokerEndpoint, error) {
	if err := requireAdmin(caller); err != nil {
		return common.BrokerEndpoint{}, err
	}
	broker, err := s.store.FindBrokerByID(ctxt, brokerID)
	if err != nil {
		return common.BrokerEndpoint{}, err
	}
	if broker.OwnerID != caller.UserID {
		return common.BrokerEndpoint{}, common.NewError(
			common.ErrorKindAuthorization,
			"user '%s' does not own broker '%s'",
			caller.UserID,
			brokerID,
		)
	}
	return broker, nil
}

func requireAdmin(caller common.Identity) error {
	if !caller.IsAdmin() {
		return common.NewError(
			common.ErrorKindAuthorization, "user '%s' is not an admin", caller.UserID,
		)
	}
	return nil
}

// ==============================================================================
// Sessions

func (s *supervisorImpl) SessionConnected(ctxt context.Context, sess session.Session) error {
	userID := sess.UserID()
	before := s.router.SessionCount(userID)
	if err := s.router.Join(ctxt, sess); err != nil {
		return err
	}
	if before >= s.params.Session.MaxPerUser {
		s.metrics.SessionsEvicted.Inc()
	}

	brokers, err := s.store.FindBrokersForUser(ctxt, userID)
	if err != nil {
		log.WithError(err).WithFields(s.GetLogTagsForContext(ctxt)).Errorf(
			"Unable to load brokers of user %s", userID,
		)
		s.router.Leave(userID, sess.ID())
		return err
	}
	if len(brokers) == 0 {
		return nil
	}
	targets := make([]connectTarget, 0, len(brokers))
	for _, broker := range brokers {
		targets = append(targets, connectTarget{
			key:      common.ConnectionKey{UserID: userID, BrokerID: broker.ID},
			endpoint: broker,
		})
	}
	outcomes, err := s.connect(ctxt, targets)
	if err != nil {
		s.router.Leave(userID, sess.ID())
		return err
	}
	for idx, outcome := range outcomes {
		// Failures were already reported to the sessions by the connection
		if outcome.err != nil {
			log.WithError(outcome.err).WithFields(s.LogTags).Warnf(
				"Connecting %s failed", targets[idx].key.String(),
			)
		}
	}
	return nil
}

func (s *supervisorImpl) SessionDisconnected(userID, sessionID string) {
	if s.router.Leave(userID, sessionID) {
		log.WithFields(s.LogTags).Debugf("Session %s of user %s left", sessionID, userID)
	}
}

func (s *supervisorImpl) onGraceExpired(userID string) {
	if err := s.tp.Submit(s.ctxt, graceExpiredRequest{userID: userID}); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to submit teardown of user %s", userID,
		)
	}
}

// ==============================================================================
// Broker connections

func (s *supervisorImpl) ConnectBroker(
	ctxt context.Context, caller common.Identity, brokerID string,
) (connection.Status, error) {
	broker, err := s.authorize(ctxt, caller, brokerID)
	if err != nil {
		return connection.Status{}, err
	}
	key := common.ConnectionKey{UserID: caller.UserID, BrokerID: brokerID}
	outcomes, err := s.connect(ctxt, []connectTarget{{key: key, endpoint: broker}})
	if err != nil {
		return connection.Status{}, err
	}
	if outcomes[0].err != nil {
		return connection.Status{}, outcomes[0].err
	}
	return outcomes[0].conn.Status(), nil
}

func (s *supervisorImpl) DisconnectBroker(
	ctxt context.Context, caller common.Identity, brokerID string,
) error {
	if _, err := s.authorize(ctxt, caller, brokerID); err != nil {
		return err
	}
	key := common.ConnectionKey{UserID: caller.UserID, BrokerID: brokerID}
	_, err := s.remove(ctxt, removeRequest{key: &key})
	return err
}

// connectAndWait get the connected connection of the key, starting one and waiting
// for it if needed
func (s *supervisorImpl) connectAndWait(
	ctxt context.Context, key common.ConnectionKey, broker common.BrokerEndpoint,
) (*connection.BrokerConnection, error) {
	if conn, ok := s.registry.Lookup(key); ok && conn.State() == connection.StateConnected {
		return conn, nil
	}
	outcomes, err := s.connect(ctxt, []connectTarget{{key: key, endpoint: broker}})
	if err != nil {
		return nil, err
	}
	if outcomes[0].err != nil {
		return nil, outcomes[0].err
	}
	conn := outcomes[0].conn

	wait := time.Second * time.Duration(s.params.Gateway.ConnectWait)
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(time.Millisecond * time.Duration(s.params.Gateway.PollInterval))
	defer poll.Stop()
	for {
		if conn.State() == connection.StateConnected {
			return conn, nil
		}
		select {
		case <-poll.C:
		case <-deadline.C:
			status := conn.Status()
			if status.LastError != "" {
				return nil, common.NewError(
					common.ErrorKindNotConnected,
					"broker did not connect within %s: %s",
					wait,
					status.LastError,
				).ForKey(key)
			}
			return nil, common.NewError(
				common.ErrorKindNotConnected, "broker did not connect within %s", wait,
			).ForKey(key)
		case <-ctxt.Done():
			return nil, ctxt.Err()
		case <-s.ctxt.Done():
			return nil, fmt.Errorf("supervisor stopped")
		}
	}
}

func (s *supervisorImpl) Subscribe(
	ctxt context.Context, caller common.Identity, brokerID, topic string,
) error {
	err := s.subscribe(ctxt, caller, brokerID, topic)
	s.metrics.Subscriptions.WithLabelValues(metrics.Status(err)).Inc()
	if err != nil {
		s.router.Emit(ctxt, caller.UserID, session.EventError, errorEvent(brokerID, err, false))
		return err
	}
	s.router.Emit(
		ctxt, caller.UserID, session.EventSubscribed, TopicEvent{BrokerID: brokerID, Topic: topic},
	)
	return nil
}

func (s *supervisorImpl) subscribe(
	ctxt context.Context, caller common.Identity, brokerID, topic string,
) error {
	broker, err := s.authorize(ctxt, caller, brokerID)
	if err != nil {
		return err
	}
	if err := common.ValidateTopicFilter(topic); err != nil {
		return err
	}
	key := common.ConnectionKey{UserID: caller.UserID, BrokerID: brokerID}
	conn, err := s.connectAndWait(ctxt, key, broker)
	if err != nil {
		return err
	}
	return conn.Subscribe(ctxt, topic)
}

func (s *supervisorImpl) Publish(
	ctxt context.Context, caller common.Identity, brokerID, topic, payload string,
) error {
	err := s.publish(ctxt, caller, brokerID, topic, payload)
	s.metrics.MessagesPublished.WithLabelValues(metrics.Status(err)).Inc()
	if err != nil {
		s.router.Emit(ctxt, caller.UserID, session.EventError, errorEvent(brokerID, err, false))
		return err
	}
	s.router.Emit(
		ctxt, caller.UserID, session.EventPublished, TopicEvent{BrokerID: brokerID, Topic: topic},
	)
	return nil
}

func (s *supervisorImpl) publish(
	ctxt context.Context, caller common.Identity, brokerID, topic, payload string,
) error {
	broker, err := s.authorize(ctxt, caller, brokerID)
	if err != nil {
		return err
	}
	if err := common.ValidateTopicName(topic); err != nil {
		return err
	}
	key := common.ConnectionKey{UserID: caller.UserID, BrokerID: brokerID}
	conn, err := s.connectAndWait(ctxt, key, broker)
	if err != nil {
		return err
	}
	return conn.Publish(ctxt, topic, payload)
}

func (s *supervisorImpl) BrokerStatus(
	ctxt context.Context, caller common.Identity, brokerID string,
) (BrokerState, error) {
	broker, err := s.authorize(ctxt, caller, brokerID)
	if err != nil {
		return BrokerState{}, err
	}
	result := BrokerState{Broker: broker}
	key := common.ConnectionKey{UserID: caller.UserID, BrokerID: brokerID}
	if conn, ok := s.registry.Lookup(key); ok {
		status := conn.Status()
		result.Connection = &status
	}
	return result, nil
}

func (s *supervisorImpl) RecentMessages(
	ctxt context.Context, caller common.Identity, brokerID string, limit int,
) ([]common.MQTTMessage, error) {
	if brokerID != "" {
		if _, err := s.authorize(ctxt, caller, brokerID); err != nil {
			return nil, err
		}
	}
	return s.buffer.Recent(caller.UserID, brokerID, limit), nil
}

func (s *supervisorImpl) TestBroker(
	ctxt context.Context, caller common.Identity, endpoint common.BrokerEndpoint,
) (BrokerTestResult, error) {
	if err := requireAdmin(caller); err != nil {
		return BrokerTestResult{}, err
	}
	if endpoint.Port == 0 {
		endpoint.Port = s.params.MQTT.DefaultPort
	}
	if err := common.ValidateBrokerEndpoint(endpoint); err != nil {
		return BrokerTestResult{}, err
	}
	diagnosis, err := connection.DiagnoseCredentials(
		ctxt, s.params.ClientFactory, endpoint, caller.UserID, s.connArgs.TestTimeout,
	)
	result := BrokerTestResult{Success: err == nil, Diagnosis: diagnosis}
	if err != nil {
		result.Error = err.Error()
		result.Kind = common.ErrorKindOf(err)
	}
	return result, nil
}

func (s *supervisorImpl) CheckBroker(
	ctxt context.Context, caller common.Identity, brokerID string, port uint16,
) (bool, error) {
	broker, err := s.authorize(ctxt, caller, brokerID)
	if err != nil {
		return false, err
	}
	key := common.ConnectionKey{UserID: caller.UserID, BrokerID: brokerID}
	if conn, ok := s.registry.Lookup(key); ok {
		return conn.TestConnection(ctxt, port)
	}
	if port != 0 {
		broker.Port = port
	}
	if err := connection.TryConnect(
		ctxt, s.params.ClientFactory, broker, caller.UserID, s.connArgs.TestTimeout,
	); err != nil {
		return false, err
	}
	return true, nil
}

// ==============================================================================
// Broker records

func (s *supervisorImpl) CreateBroker(
	ctxt context.Context, caller common.Identity, endpoint common.BrokerEndpoint,
) (common.BrokerEndpoint, error) {
	if err := requireAdmin(caller); err != nil {
		return common.BrokerEndpoint{}, err
	}
	if endpoint.Port == 0 {
		endpoint.Port = s.params.MQTT.DefaultPort
	}
	if err := common.ValidateBrokerEndpoint(endpoint); err != nil {
		return common.BrokerEndpoint{}, err
	}
	endpoint.OwnerID = caller.UserID
	created, err := s.store.CreateBroker(ctxt, endpoint)
	if err != nil {
		return common.BrokerEndpoint{}, err
	}
	log.WithFields(s.GetLogTagsForContext(ctxt)).Infof(
		"Broker %s (%s) created by %s", created.ID, created.Address(), caller.UserID,
	)
	return created, nil
}

func (s *supervisorImpl) ListBrokers(
	ctxt context.Context, caller common.Identity,
) ([]common.BrokerEndpoint, error) {
	return s.store.FindBrokersForUser(ctxt, caller.UserID)
}

func (s *supervisorImpl) DeleteBroker(
	ctxt context.Context, caller common.Identity, brokerID string,
) error {
	if _, err := s.authorizeOwner(ctxt, caller, brokerID); err != nil {
		return err
	}
	// Delete the record first so nothing can reconnect to it
	deleted, err := s.store.DeleteBroker(ctxt, brokerID)
	if err != nil {
		return err
	}
	removed, err := s.remove(ctxt, removeRequest{brokerID: brokerID})
	if err != nil {
		return err
	}

	notify := map[string]bool{deleted.OwnerID: true}
	if deleted.AssignedUserID != "" {
		notify[deleted.AssignedUserID] = true
	}
	for _, key := range removed {
		notify[key.UserID] = true
	}
	for userID := range notify {
		s.router.Emit(
			ctxt, userID, session.EventBrokerDeleted, BrokerDeletedEvent{BrokerID: brokerID},
		)
	}
	log.WithFields(s.GetLogTagsForContext(ctxt)).Infof(
		"Broker %s deleted by %s, %d connections removed", brokerID, caller.UserID, len(removed),
	)
	return nil
}

func (s *supervisorImpl) AssignBroker(
	ctxt context.Context, caller common.Identity, brokerID, userID string,
) error {
	broker, err := s.authorizeOwner(ctxt, caller, brokerID)
	if err != nil {
		return err
	}
	change, err := s.store.AssignBroker(ctxt, brokerID, userID)
	if err != nil {
		return err
	}
	previous := change.PreviousAssignee
	if previous != "" && previous != userID && previous != broker.OwnerID {
		key := common.ConnectionKey{UserID: previous, BrokerID: brokerID}
		if _, err := s.remove(ctxt, removeRequest{key: &key}); err != nil {
			return err
		}
	}
	// The new assignee loses its connection to the broker it held before
	for _, releasedID := range change.ReleasedBrokerIDs {
		released, err := s.store.FindBrokerByID(ctxt, releasedID)
		if err == nil && released.OwnerID == userID {
			continue
		}
		key := common.ConnectionKey{UserID: userID, BrokerID: releasedID}
		if _, err := s.remove(ctxt, removeRequest{key: &key}); err != nil {
			return err
		}
	}
	// A new assignee already online gets connected right away
	if userID != "" && userID != previous && s.router.IsLive(userID) {
		broker.AssignedUserID = userID
		key := common.ConnectionKey{UserID: userID, BrokerID: brokerID}
		if _, err := s.connect(ctxt, []connectTarget{{key: key, endpoint: broker}}); err != nil {
			return err
		}
	}
	log.WithFields(s.GetLogTagsForContext(ctxt)).Infof(
		"Broker %s assigned to '%s' (was '%s')", brokerID, userID, previous,
	)
	return nil
}

func (s *supervisorImpl) Logout(ctxt context.Context, caller common.Identity) error {
	removed, err := s.remove(ctxt, removeRequest{userID: caller.UserID})
	if err != nil {
		return err
	}
	dropped := s.router.DropUser(ctxt, caller.UserID, "logout")
	s.buffer.DropUser(caller.UserID)
	log.WithFields(s.GetLogTagsForContext(ctxt)).Infof(
		"User %s logged out: %d connections, %d sessions closed",
		caller.UserID,
		len(removed),
		dropped,
	)
	return nil
}

func (s *supervisorImpl) Stop() error {
	if err := s.tp.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to stop event loop")
	}
	s.router.Stop()
	keys := s.registry.Keys()
	s.registry.CloseAll()
	for _, key := range keys {
		s.persistStatus(key.BrokerID, storage.StatusUpdate{
			Status: string(connection.StateDisconnected),
		})
	}
	s.cancel()
	log.WithFields(s.LogTags).Info("Supervisor stopped")
	return nil
}

// ==============================================================================
// Connection events. These run on the connection's goroutines, and never wait on
// the supervisor event loop.

func (s *supervisorImpl) persistStatus(brokerID string, update storage.StatusUpdate) {
	ctxt, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()
	if err := s.store.UpdateStatus(ctxt, brokerID, update); err != nil {
		if common.IsErrorKind(err, common.ErrorKindNotFound) {
			log.WithFields(s.LogTags).Debugf("Status of deleted broker %s dropped", brokerID)
			return
		}
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to record status of broker %s", brokerID,
		)
	}
}

// OnStatusChange implements connection.Listener
func (s *supervisorImpl) OnStatusChange(
	key common.ConnectionKey, status connection.State, lastErr error,
) {
	s.metrics.StatusChanges.WithLabelValues(string(status)).Inc()
	update := storage.StatusUpdate{Status: string(status)}
	evt := StatusEvent{BrokerID: key.BrokerID, Status: string(status)}
	if lastErr != nil && status != connection.StateConnected {
		update.LastError = lastErr.Error()
		evt.Error = lastErr.Error()
	}
	if status == connection.StateConnected {
		now := time.Now().UTC()
		update.ConnectedAt = &now
	}
	s.persistStatus(key.BrokerID, update)
	s.router.Emit(s.ctxt, key.UserID, session.EventMQTTStatus, evt)
}

// OnMessage implements connection.Listener
func (s *supervisorImpl) OnMessage(key common.ConnectionKey, msg common.MQTTMessage) {
	s.metrics.MessagesRelayed.Inc()
	s.buffer.Append(key.UserID, msg)
	if s.mirror != nil {
		err := s.mirror.Mirror(s.ctxt, key.UserID, msg)
		s.metrics.MessagesMirrored.WithLabelValues(metrics.Status(err)).Inc()
	}
	s.router.Emit(s.ctxt, key.UserID, session.EventMQTTMessage, msg)
}

// OnError implements connection.Listener
func (s *supervisorImpl) OnError(key common.ConnectionKey, err error, fatal bool) {
	s.metrics.ConnectionErrors.WithLabelValues(
		string(common.ErrorKindOf(err)), fmt.Sprintf("%t", fatal),
	).Inc()
	if fatal {
		s.persistStatus(key.BrokerID, storage.StatusUpdate{
			Status: string(connection.StateDisconnected), LastError: err.Error(),
		})
	}
	s.router.Emit(s.ctxt, key.UserID, session.EventError, errorEvent(key.BrokerID, err, fatal))
}

// ==============================================================================
// Registry mutations, serialized on the event loop

type connectTarget struct {
	key      common.ConnectionKey
	endpoint common.BrokerEndpoint
}

type connectOutcome struct {
	conn    *connection.BrokerConnection
	created bool
	err     error
}

type connectRequest struct {
	targets  []connectTarget
	resultCB func([]connectOutcome)
}

type removeRequest struct {
	key      *common.ConnectionKey
	userID   string
	brokerID string
	resultCB func([]common.ConnectionKey)
}

type graceExpiredRequest struct {
	userID string
}

// await submit a request, then wait for its result callback to close done
func (s *supervisorImpl) await(
	ctxt context.Context, request interface{}, done <-chan struct{},
) error {
	if err := s.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to submit %s", reflect.TypeOf(request),
		)
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	case <-s.ctxt.Done():
		return fmt.Errorf("supervisor stopped")
	}
}

func (s *supervisorImpl) connect(
	ctxt context.Context, targets []connectTarget,
) ([]connectOutcome, error) {
	done := make(chan struct{})
	var outcomes []connectOutcome
	request := connectRequest{
		targets: targets,
		resultCB: func(result []connectOutcome) {
			outcomes = result
			close(done)
		},
	}
	if err := s.await(ctxt, request, done); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (s *supervisorImpl) processConnectRequest(param interface{}) error {
	request, ok := param.(connectRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for connect", reflect.TypeOf(param),
		)
	}
	outcomes := make([]connectOutcome, len(request.targets))
	for idx, target := range request.targets {
		conn, created, err := s.registry.GetOrCreate(target.key, target.endpoint)
		outcomes[idx] = connectOutcome{conn: conn, created: created, err: err}
	}
	request.resultCB(outcomes)
	return nil
}

func (s *supervisorImpl) remove(
	ctxt context.Context, request removeRequest,
) ([]common.ConnectionKey, error) {
	done := make(chan struct{})
	var removed []common.ConnectionKey
	request.resultCB = func(result []common.ConnectionKey) {
		removed = result
		close(done)
	}
	if err := s.await(ctxt, request, done); err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *supervisorImpl) processRemoveRequest(param interface{}) error {
	request, ok := param.(removeRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for remove", reflect.TypeOf(param),
		)
	}
	var removed []common.ConnectionKey
	switch {
	case request.key != nil:
		if s.registry.Remove(*request.key) {
			removed = []common.ConnectionKey{*request.key}
		}
	case request.userID != "":
		removed = s.registry.RemoveUser(request.userID)
	case request.brokerID != "":
		removed = s.registry.RemoveBroker(request.brokerID)
	}
	request.resultCB(removed)
	return nil
}

func (s *supervisorImpl) processGraceExpiredRequest(param interface{}) error {
	request, ok := param.(graceExpiredRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for grace expiry", reflect.TypeOf(param),
		)
	}
	// The user may have come back while the request was queued
	if s.router.IsLive(request.userID) {
		return nil
	}
	removed := s.registry.RemoveUser(request.userID)
	s.buffer.DropUser(request.userID)
	s.metrics.GraceExpiries.Inc()
	log.WithFields(s.LogTags).Infof(
		"Grace window of user %s expired, %d connections removed",
		request.userID,
		len(removed),
	)
	return nil
}
