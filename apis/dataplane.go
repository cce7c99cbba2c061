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

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mqttgw/common"
	"github.com/alwitt/mqttgw/gateway"
	"github.com/alwitt/mqttgw/session"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = time.Second * 10
	wsPongWait       = time.Second * 60
	wsPingInterval   = (wsPongWait * 9) / 10
	wsMaxRequestSize = 64 * 1024
)

// Requests a client may send over a WebSocket session
const (
	RequestConnectBroker = "connect_broker"
	RequestSubscribe     = "subscribe"
	RequestPublish       = "publish"
	RequestDisconnect    = "disconnect"
)

// SessionRequest is one frame sent by a client over a WebSocket session
type SessionRequest struct {
	Name string             `json:"event"`
	Data SessionRequestData `json:"data"`
}

// SessionRequestData parameters of a SessionRequest
type SessionRequestData struct {
	BrokerID string `json:"brokerId"`
	Topic    string `json:"topic,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ========================================================================================

// streamSession implements session.Session over a bounded outbound queue, drained by
// the transport
type streamSession struct {
	id        string
	userID    string
	outbound  chan session.Event
	closed    chan struct{}
	closeOnce sync.Once
	lock      sync.Mutex
	reason    string
}

func newStreamSession(userID string, buffer int) *streamSession {
	if buffer < 1 {
		buffer = 1
	}
	return &streamSession{
		id:       uuid.NewString(),
		userID:   userID,
		outbound: make(chan session.Event, buffer),
		closed:   make(chan struct{}),
	}
}

func (s *streamSession) ID() string {
	return s.id
}

func (s *streamSession) UserID() string {
	return s.userID
}

func (s *streamSession) Send(ctxt context.Context, evt session.Event) error {
	select {
	case <-s.closed:
		return fmt.Errorf("session %s closed", s.id)
	default:
	}
	select {
	case s.outbound <- evt:
		return nil
	case <-s.closed:
		return fmt.Errorf("session %s closed", s.id)
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (s *streamSession) Close(reason string) error {
	s.closeOnce.Do(func() {
		s.lock.Lock()
		s.reason = reason
		s.lock.Unlock()
		close(s.closed)
	})
	return nil
}

func (s *streamSession) closeReason() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.reason
}

// pending the events still queued, without waiting
func (s *streamSession) pending() []session.Event {
	result := []session.Event{}
	for {
		select {
		case evt := <-s.outbound:
			result = append(result, evt)
		default:
			return result
		}
	}
}

// ========================================================================================

// APISessionHandler serves the real-time sessions over WebSocket and SSE
type APISessionHandler struct {
	goutils.RestAPIHandler
	core        gateway.Supervisor
	sendBuffer  int
	upgrader    websocket.Upgrader
	baseContext context.Context
	wg          *sync.WaitGroup
}

/*
GetAPISessionHandler define APISessionHandler

	@param baseContext context.Context - the server runtime context; sessions end with it
	@param core gateway.Supervisor - the supervisor the sessions join
	@param httpConfig *common.HTTPConfig - HTTP logging parameters
	@param sessionConfig common.SessionConfig - session parameters
	@param allowedOrigins []string - origins accepted for WebSocket upgrades
	@param wg *sync.WaitGroup - wait group tracking the session writers
	@return new handler
*/
func GetAPISessionHandler(
	baseContext context.Context,
	core gateway.Supervisor,
	httpConfig *common.HTTPConfig,
	sessionConfig common.SessionConfig,
	allowedOrigins []string,
	wg *sync.WaitGroup,
) (APISessionHandler, error) {
	if core == nil {
		return APISessionHandler{}, fmt.Errorf("session handler needs a supervisor")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "sessions",
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(allowedOrigins) > 0 {
		origins := map[string]bool{}
		for _, origin := range allowedOrigins {
			origins[origin] = true
		}
		upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origins["*"] || origins[origin]
		}
	}
	return APISessionHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		core:           core,
		sendBuffer:     sessionConfig.SendBuffer,
		upgrader:       upgrader,
		baseContext:    baseContext,
		wg:             wg,
	}, nil
}

// rejectUnauthenticated reply to a session request without an authenticated caller
func (h APISessionHandler) rejectUnauthenticated(w http.ResponseWriter, r *http.Request) {
	msg := "Caller not authenticated"
	if err := h.WriteRESTResponse(
		w,
		http.StatusUnauthorized,
		h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, msg),
		nil,
	); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(
			"Failed to form response",
		)
	}
}

// =======================================================================
// WebSocket

// -----------------------------------------------------------------------

// WebSocketSession godoc
// @Summary Establish a WebSocket session
// @Description Establish a long lived WebSocket session. The gateway connects the caller's
// brokers, and streams their events as JSON frames. The client may send connect_broker,
// subscribe, publish, and disconnect requests.
// @tags Session
// @Param Mqttgw-Request-ID header string false "User provided request ID to match against logs"
// @Param token query string false "Bearer token, for clients unable to set headers"
// @Success 101 {object} session.Event "event stream"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session/ws [get]
func (h APISessionHandler) WebSocketSession(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())
	caller, ok := IdentityFromContext(r.Context())
	if !ok {
		h.rejectUnauthenticated(w, r)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied
		log.WithError(err).WithFields(logTags).Error("WebSocket upgrade failed")
		return
	}

	sess := newStreamSession(caller.UserID, h.sendBuffer)
	logTags["session_id"] = sess.ID()
	runtimeCtxt, cancel := context.WithCancel(h.baseContext)
	defer cancel()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.writeWebSocket(runtimeCtxt, conn, sess, logTags)
	}()

	if err := h.core.SessionConnected(runtimeCtxt, sess); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start session")
		_ = sess.Send(runtimeCtxt, session.Event{
			Name: session.EventError,
			Data: gateway.ErrorEvent{Message: err.Error(), Kind: common.ErrorKindOf(err)},
		})
		_ = sess.Close("session start failure")
		return
	}
	log.WithFields(logTags).Info("WebSocket session started")

	conn.SetReadLimit(wsMaxRequestSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.WithFields(logTags).Info("WebSocket session timed out")
			} else if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			) {
				log.WithError(err).WithFields(logTags).Warn("WebSocket read failure")
			}
			break
		}
		if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to extend read deadline")
			break
		}
		h.processSessionRequest(runtimeCtxt, caller, sess, payload, logTags)
	}

	h.core.SessionDisconnected(caller.UserID, sess.ID())
	_ = sess.Close("client disconnected")
	log.WithFields(logTags).Info("WebSocket session ended")
}

// WebSocketSessionHandler Wrapper around WebSocketSession
func (h APISessionHandler) WebSocketSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.WebSocketSession(w, r)
	}
}

// writeWebSocket write out the session events and keep-alive pings until the session
// closes
func (h APISessionHandler) writeWebSocket(
	ctxt context.Context, conn *websocket.Conn, sess *streamSession, logTags log.Fields,
) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	writeEvent := func(evt session.Event) error {
		serialized, err := json.Marshal(&evt)
		if err != nil {
			return err
		}
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, serialized)
	}

	// Flush what was queued before the close, eviction notice included
	finish := func() {
		for _, evt := range sess.pending() {
			if err := writeEvent(evt); err != nil {
				return
			}
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, sess.closeReason()),
			time.Now().Add(wsWriteWait),
		)
	}

	for {
		select {
		case evt := <-sess.outbound:
			if err := writeEvent(evt); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to write event")
				_ = sess.Close("write failure")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(
				websocket.PingMessage, []byte{}, time.Now().Add(wsWriteWait),
			); err != nil {
				log.WithError(err).WithFields(logTags).Error("Ping failure")
				_ = sess.Close("ping failure")
				return
			}
		case <-ctxt.Done():
			_ = sess.Close("server stopping")
			finish()
			return
		case <-sess.closed:
			finish()
			return
		}
	}
}

// processSessionRequest act on one client request. Failures are reported back as
// error events.
func (h APISessionHandler) processSessionRequest(
	ctxt context.Context,
	caller common.Identity,
	sess *streamSession,
	payload []byte,
	logTags log.Fields,
) {
	reportError := func(brokerID string, err error) {
		log.WithError(err).WithFields(logTags).Warn("Session request failed")
		if sendErr := sess.Send(ctxt, session.Event{
			Name: session.EventError,
			Data: gateway.ErrorEvent{
				BrokerID: brokerID, Message: err.Error(), Kind: common.ErrorKindOf(err),
			},
		}); sendErr != nil {
			log.WithError(sendErr).WithFields(logTags).Error("Unable to report request failure")
		}
	}

	var request SessionRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		reportError("", common.WrapError(common.ErrorKindValidation, err, "malformed request"))
		return
	}
	brokerID := request.Data.BrokerID
	if brokerID == "" {
		reportError("", common.NewError(
			common.ErrorKindValidation, "request '%s' names no broker", request.Name,
		))
		return
	}

	switch request.Name {
	case RequestConnectBroker:
		status, err := h.core.ConnectBroker(ctxt, caller, brokerID)
		if err != nil {
			reportError(brokerID, err)
			return
		}
		// Tell this session where the connection stands; later changes follow as events
		_ = sess.Send(ctxt, session.Event{
			Name: session.EventMQTTStatus,
			Data: gateway.StatusEvent{
				BrokerID: brokerID, Status: string(status.State), Error: status.LastError,
			},
		})
	case RequestSubscribe:
		// Outcome is emitted to every session of the caller
		if err := h.core.Subscribe(ctxt, caller, brokerID, request.Data.Topic); err != nil {
			log.WithError(err).WithFields(logTags).Warnf(
				"Subscribe to '%s' failed", request.Data.Topic,
			)
		}
	case RequestPublish:
		if err := h.core.Publish(
			ctxt, caller, brokerID, request.Data.Topic, request.Data.Message,
		); err != nil {
			log.WithError(err).WithFields(logTags).Warnf(
				"Publish to '%s' failed", request.Data.Topic,
			)
		}
	case RequestDisconnect:
		if err := h.core.DisconnectBroker(ctxt, caller, brokerID); err != nil {
			reportError(brokerID, err)
		}
	default:
		reportError(brokerID, common.NewError(
			common.ErrorKindValidation, "unknown request '%s'", request.Name,
		))
	}
}

// =======================================================================
// Server sent events

// -----------------------------------------------------------------------

// EventStreamSession godoc
// @Summary Establish a server sent event session
// @Description Establish a long lived SSE session. The gateway connects the caller's
// brokers, and streams their events. Requests are made through the REST API.
// @tags Session
// @Produce text/event-stream
// @Param Mqttgw-Request-ID header string false "User provided request ID to match against logs"
// @Param token query string false "Bearer token, for clients unable to set headers"
// @Success 200 {object} session.Event "event stream"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session/sse [get]
func (h APISessionHandler) EventStreamSession(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())
	caller, ok := IdentityFromContext(r.Context())
	if !ok {
		h.rejectUnauthenticated(w, r)
		return
	}

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(logTags).Errorf(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg),
			nil,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
		return
	}

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()

	sess := newStreamSession(caller.UserID, h.sendBuffer)
	logTags["session_id"] = sess.ID()
	writeEvent := func(evt session.Event) error {
		serialized, err := json.Marshal(&evt)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Name, serialized)
		writeFlusher.Flush()
		return err
	}

	runtimeCtxt, cancel := context.WithCancel(h.baseContext)
	defer cancel()
	if err := h.core.SessionConnected(runtimeCtxt, sess); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start session")
		_ = writeEvent(session.Event{
			Name: session.EventError,
			Data: gateway.ErrorEvent{Message: err.Error(), Kind: common.ErrorKindOf(err)},
		})
		return
	}
	log.WithFields(logTags).Info("SSE session started")
	defer func() {
		h.core.SessionDisconnected(caller.UserID, sess.ID())
		_ = sess.Close("client disconnected")
		log.WithFields(logTags).Info("SSE session ended")
	}()

	for {
		select {
		case <-runtimeCtxt.Done():
			// Server stopping
			log.WithFields(logTags).Info("Terminating SSE session on server stop")
			return
		case <-r.Context().Done():
			// Request closed
			return
		case <-sess.closed:
			for _, evt := range sess.pending() {
				if err := writeEvent(evt); err != nil {
					break
				}
			}
			return
		case evt := <-sess.outbound:
			if err := writeEvent(evt); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to write event")
				return
			}
		}
	}
}

// EventStreamSessionHandler Wrapper around EventStreamSession
func (h APISessionHandler) EventStreamSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.EventStreamSession(w, r)
	}
}
