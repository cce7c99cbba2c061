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
	"net/http"
	"strconv"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mqttgw/common"
	"github.com/alwitt/mqttgw/connection"
	"github.com/alwitt/mqttgw/gateway"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// ReadinessCheck reports whether a dependency of the gateway is usable
type ReadinessCheck func(ctxt context.Context) error

// APIRestBrokerHandler REST handler for broker management and broker operations
type APIRestBrokerHandler struct {
	goutils.RestAPIHandler
	core      gateway.Supervisor
	validate  *validator.Validate
	readiness []ReadinessCheck
}

// GetAPIRestBrokerHandler define APIRestBrokerHandler
func GetAPIRestBrokerHandler(
	core gateway.Supervisor, httpConfig *common.HTTPConfig, readiness ...ReadinessCheck,
) (APIRestBrokerHandler, error) {
	if core == nil {
		return APIRestBrokerHandler{}, fmt.Errorf("broker handler needs a supervisor")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "broker-management",
	}
	return APIRestBrokerHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		core:           core,
		validate:       validator.New(),
		readiness:      readiness,
	}, nil
}

// Write logging support
func (h APIRestBrokerHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// BrokerParams is a broker record as submitted by a client
type BrokerParams struct {
	// Label is a human readable name
	Label string `json:"label"`
	// Host is the broker IPv4 address or host name
	Host string `json:"host" validate:"required"`
	// Port is the broker TCP port. The default MQTT port is used when absent.
	Port uint16 `json:"port"`
	// Username is the optional MQTT username
	Username string `json:"username,omitempty"`
	// Password is the optional MQTT password
	Password string `json:"password,omitempty"`
}

func (p BrokerParams) endpoint() common.BrokerEndpoint {
	return common.BrokerEndpoint{
		Label:    p.Label,
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Password: p.Password,
	}
}

// AssignParams names the user a broker is assigned to
type AssignParams struct {
	// UserID is the new assignee; empty clears the assignment
	UserID string `json:"user_id"`
}

// SubscribeParams is a subscribe request
type SubscribeParams struct {
	Topic string `json:"topic" validate:"required"`
}

// PublishParams is a publish request
type PublishParams struct {
	Topic   string `json:"topic" validate:"required"`
	Message string `json:"message"`
}

// APIRestRespBroker response carrying one broker record
type APIRestRespBroker struct {
	goutils.RestAPIBaseResponse
	Broker common.BrokerEndpoint `json:"broker"`
}

// APIRestRespBrokerList response carrying broker records
type APIRestRespBrokerList struct {
	goutils.RestAPIBaseResponse
	Brokers []common.BrokerEndpoint `json:"brokers"`
}

// APIRestRespBrokerTest response of a candidate broker test
type APIRestRespBrokerTest struct {
	goutils.RestAPIBaseResponse
	Result gateway.BrokerTestResult `json:"result"`
}

// APIRestRespBrokerState response carrying a broker and the caller's connection to it
type APIRestRespBrokerState struct {
	goutils.RestAPIBaseResponse
	State gateway.BrokerState `json:"state"`
}

// APIRestRespConnection response carrying a connection status
type APIRestRespConnection struct {
	goutils.RestAPIBaseResponse
	Connection connection.Status `json:"connection"`
}

// APIRestRespReachability response of a reachability check
type APIRestRespReachability struct {
	goutils.RestAPIBaseResponse
	Reachable bool `json:"reachable"`
}

// APIRestRespMessages response carrying recently relayed messages
type APIRestRespMessages struct {
	goutils.RestAPIBaseResponse
	Messages []common.MQTTMessage `json:"messages"`
}

// replyFunc the deferred writer of the response
func (h APIRestBrokerHandler) replyFunc(
	w http.ResponseWriter, r *http.Request, respCode *int, respBody *interface{},
) func() {
	return func() {
		if err := h.WriteRESTResponse(w, *respCode, *respBody, nil); err != nil {
			log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(
				"Failed to form response",
			)
		}
	}
}

// readCaller read the authenticated caller, and the broker ID path variable if wanted
func (h APIRestBrokerHandler) readCaller(
	r *http.Request, needBrokerID bool,
) (common.Identity, string, int, interface{}) {
	caller, ok := IdentityFromContext(r.Context())
	if !ok {
		msg := "Caller not authenticated"
		return caller, "", http.StatusUnauthorized, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusUnauthorized, msg, msg,
		)
	}
	if !needBrokerID {
		return caller, "", 0, nil
	}
	brokerID, ok := mux.Vars(r)["brokerID"]
	if !ok || brokerID == "" {
		msg := "No broker ID provided"
		return caller, "", http.StatusBadRequest, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusBadRequest, msg, msg,
		)
	}
	return caller, brokerID, 0, nil
}

// decodeBody parse and validate the JSON request body
func (h APIRestBrokerHandler) decodeBody(r *http.Request, target interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return common.WrapError(common.ErrorKindValidation, err, "unable to parse request body")
	}
	if err := h.validate.Struct(target); err != nil {
		return common.WrapError(common.ErrorKindValidation, err, "invalid request body")
	}
	return nil
}

// =======================================================================
// Broker records

// -----------------------------------------------------------------------

// CreateBroker godoc
// @Summary Define new broker
// @Description Record a new MQTT broker owned by the calling admin
// @tags Management
// @Accept json
// @Produce json
// @Param Mqttgw-Request-ID header string false "User provided request ID to match against logs"
// @Param broker body BrokerParams true "Broker parameters"
// @Success 200 {object} APIRestRespBroker "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/broker [post]
func (h APIRestBrokerHandler) CreateBroker(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer h.replyFunc(w, r, &respCode, &respBody)()

	caller, _, code, failure := h.readCaller(r, false)
	if failure != nil {
		respCode, respBody = code, failure
		return
	}

	var params BrokerParams
	if err := h.decodeBody(r, &params); err != nil {
		msg := "Invalid broker parameters"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}

	broker, err := h.core.CreateBroker(r.Context(), caller, params.endpoint())
	if err != nil {
		msg := "Failed to create broker"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespBroker{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Broker: broker,
	}
}

// CreateBrokerHandler Wrapper around CreateBroker
func (h APIRestBrokerHandler) CreateBrokerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CreateBroker(w, r)
	}
}

// -----------------------------------------------------------------------

// ListBrokers godoc
// @Summary List brokers
// @Description List the brokers the caller owns or is assigned to
// @tags Management
// @Produce json
// @Param Mqttgw-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespBrokerList "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/broker [get]
func (h APIRestBrokerHandler) ListBrokers(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer h.replyFunc(w, r, &respCode, &respBody)()

	caller, _, code, failure := h.readCaller(r, false)
	if failure != nil {
		respCode, respBody = code, failure
		return
	}

	brokers, err := h.core.ListBrokers(r.Context(), caller)
	if err != nil {
		msg := "Failed to list brokers"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}
	if brokers == nil {
		brokers = []common.BrokerEndpoint{}
	}

	respCode = http.StatusOK
	respBody = APIRestRespBrokerList{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Brokers: brokers,
	}
}

// ListBrokersHandler Wrapper around ListBrokers
func (h APIRestBrokerHandler) ListBrokersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListBrokers(w, r)
	}
}

// -----------------------------------------------------------------------

// TestBroker godoc
// @Summary Test a candidate broker
// @Description Try connecting to a broker before recording it. Refused credentials are
// diagnosed on a best effort basis.
// @tags Management
// @Accept json
// @Produce json
// @Param Mqttgw-Request-ID header string false "User provided request ID to match against logs"
// @Param broker body BrokerParams true "Broker parameters"
// @Success 200 {object} APIRestRespBrokerTest "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/broker/test [post]
func (h APIRestBrokerHandler) TestBroker(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer h.replyFunc(w, r, &respCode, &respBody)()

	caller, _, code, failure := h.readCaller(r, false)
	if failure != nil {
		respCode, respBody = code, failure
		return
	}

	var params BrokerParams
	if err := h.decodeBody(r, &params); err != nil {
		msg := "Invalid broker parameters"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}

	result, err := h.core.TestBroker(r.Context(), caller, params.endpoint())
	if err != nil {
		msg := "Unable to test broker"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespBrokerTest{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Result: result,
	}
}

// TestBrokerHandler Wrapper around TestBroker
func (h APIRestBrokerHandler) TestBrokerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.TestBroker(w, r)
	}
}

// -----------------------------------------------------------------------

// DeleteBroker godoc
// @Summary Delete a broker
// @Description Delete a broker record, tearing down every connection to it
// @tags Management
// @Produce json
// @Param Mqttgw-Request-ID header string false "User provided request ID to match against logs"
// @Param brokerID path string true "Broker ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/broker/{brokerID} [delete]
func (h APIRestBrokerHandler) DeleteBroker(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer h.replyFunc(w, r, &respCode, &respBody)()

	caller, brokerID, code, failure := h.readCaller(r, true)
	if failure != nil {
		respCode, respBody = code, failure
		return
	}

	if err := h.core.DeleteBroker(r.Context(), caller, brokerID); err != nil {
		msg := fmt.Sprintf("Failed to delete broker %s", brokerID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// DeleteBrokerHandler Wrapper around DeleteBroker
func (h APIRestBrokerHandler) DeleteBrokerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeleteBroker(w, r)
	}
}

// -----------------------------------------------------------------------

// AssignBroker godoc
// @Summary Assign a broker
// @Description Assign a broker to a user, replacing the previous assignee
// @tags Management
// @Accept json
// @Produce json
// @Param Mqttgw-Request-ID header string false "User provided request ID to match against logs"
// @Param brokerID path string true "Broker ID"
// @Param assignee body AssignParams true "The new assignee"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/broker/{brokerID}/assign [put]
func (h APIRestBrokerHandler) AssignBroker(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer h.replyFunc(w, r, &respCode, &respBody)()

	caller, brokerID, code, failure := h.readCaller(r, true)
	if failure != nil {
		respCode, respBody = code, failure
		return
	}

	var params AssignParams
	if err := h.decodeBody(r, &params); err != nil {
		msg := "Invalid assignment"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}

	if err := h.core.AssignBroker(r.Context(), caller, brokerID, params.UserID); err != nil {
		msg := fmt.Sprintf("Failed to assign broker %s", brokerID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// AssignBrokerHandler Wrapper around AssignBroker
func (h APIRestBrokerHandler) AssignBrokerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.AssignBroker(w, r)
	}
}

// =======================================================================
// Broker connections

// -----------------------------------------------------------------------

// BrokerStatus godoc
// @Summary Broker status
// @Description Get a broker record, and the state of the caller's connection to it
// @tags Broker
// @Produce json
// @Param Mqttgw-Request-ID header string false "User provided request ID to match against logs"
// @Param brokerID path string true "Broker ID"
// @Success 200 {object} APIRestRespBrokerState "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/broker/{brokerID}/status [get]
func (h APIRestBrokerHandler) BrokerStatus(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer h.replyFunc(w, r, &respCode, &respBody)()

	caller, brokerID, code, failure := h.readCaller(r, true)
	if failure != nil {
		respCode, respBody = code, failure
		return
	}

	state, err := h.core.BrokerStatus(r.Context(), caller, brokerID)
	if err != nil {
		msg := fmt.Sprintf("Failed to read status of broker %s", brokerID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespBrokerState{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), State: state,
	}
}

// BrokerStatusHandler Wrapper around BrokerStatus
func (h APIRestBrokerHandler) BrokerStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.BrokerStatus(w, r)
	}
}

// -----------------------------------------------------------------------

// ConnectBroker godoc
// @Summary Connect to a broker
// @Description Start the caller's connection to a broker. Progress is reported as
// mqtt_status events on the caller's sessions.
// @tags Broker
// @Produce json
// @Param Mqttgw-Request-ID header string false "User provided request ID to match against logs"
// @Param brokerID path string true "Broker ID"
// @Success 200 {object} APIRestRespConnection "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/broker/{brokerID}/connect [post]
func (h APIRestBrokerHandler) ConnectBroker(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer h.replyFunc(w, r, &respCode, &respBody)()

	caller, brokerID, code, failure := h.readCaller(r, true)
	if failure != nil {
		respCode, respBody = code, failure
		return
	}

	status, err := h.core.ConnectBroker(r.Context(), caller, brokerID)
	if err != nil {
		msg := fmt.Sprintf("Failed to connect broker %s", brokerID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespConnection{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Connection: status,
	}
}

// ConnectBrokerHandler Wrapper around ConnectBroker
func (h APIRestBrokerHandler) ConnectBrokerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ConnectBroker(w, r)
	}
}

// -----------------------------------------------------------------------

// DisconnectBroker godoc
// @Summary Disconnect from a broker
// @Description Drop the caller's connection to a broker
// @tags Broker
// @Produce json
// @Param Mqttgw-Request-ID header string false "User provided request ID to match against logs"
// @Param brokerID path string true "Broker ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/broker/{brokerID}/disconnect [post]
func (h APIRestBrokerHandler) DisconnectBroker(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer h.replyFunc(w, r, &respCode, &respBody)()

	caller, brokerID, code, failure := h.readCaller(r, true)
	if failure != nil {
		respCode, respBody = code, failure
		return
	}

	if err := h.core.DisconnectBroker(r.Context(), caller, brokerID); err != nil {
		msg := fmt.Sprintf("Failed to disconnect broker %s", brokerID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// DisconnectBrokerHandler Wrapper around DisconnectBroker
func (h APIRestBrokerHandler) DisconnectBrokerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DisconnectBroker(w, r)
	}
}

// -----------------------------------------------------------------------

// CheckBroker godoc
// @Summary Check broker reachability
// @Description Check a broker is reachable with its credentials, optionally on another port.
// The caller's connection is left untouched.
// @tags Broker
// @Produce json
// @Param Mqttgw-Request-ID header string false "User provided request ID to match against logs"
// @Param brokerID path string true "Broker ID"
// @Param port query integer false "Port to try instead of the broker's own"
// @Success 200 {object} APIRestRespReachability "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/broker/{brokerID}/reachable [post]
func (h APIRestBrokerHandler) CheckBroker(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer h.replyFunc(w, r, &respCode, &respBody)()

	caller, brokerID, code, failure := h.readCaller(r, true)
	if failure != nil {
		respCode, respBody = code, failure
		return
	}

	var port uint16
	if raw := r.URL.Query().Get("port"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 16)
		if err != nil || parsed == 0 {
			msg := "Invalid port"
			log.WithFields(localLogTags).Errorf("%s: %s", msg, raw)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, raw)
			return
		}
		port = uint16(parsed)
	}

	reachable, err := h.core.CheckBroker(r.Context(), caller, brokerID, port)
	if common.IsErrorKind(err, common.ErrorKindAuthorization) ||
		common.IsErrorKind(err, common.ErrorKindNotFound) {
		msg := fmt.Sprintf("Unable to check broker %s", brokerID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}

	// An unreachable broker is a successful check
	resp := APIRestRespReachability{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Reachable: reachable,
	}
	if err != nil {
		resp.Error = &goutils.ErrorDetail{
			Code: HTTPStatusForError(err), Msg: "Broker unreachable", Detail: err.Error(),
		}
	}
	respCode = http.StatusOK
	respBody = resp
}

// CheckBrokerHandler Wrapper around CheckBroker
func (h APIRestBrokerHandler) CheckBrokerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CheckBroker(w, r)
	}
}

// -----------------------------------------------------------------------

// Subscribe godoc
// @Summary Subscribe to a topic
// @Description Subscribe the caller's broker connection to a topic filter. Messages are
// relayed as mqtt_message events on the caller's sessions.
// @tags Broker
// @Accept json
// @Produce json
// @Param Mqttgw-Request-ID header string false "User provided request ID to match against logs"
// @Param brokerID path string true "Broker ID"
// @Param subscription body SubscribeParams true "Topic filter"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/broker/{brokerID}/subscribe [post]
func (h APIRestBrokerHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer h.replyFunc(w, r, &respCode, &respBody)()

	caller, brokerID, code, failure := h.readCaller(r, true)
	if failure != nil {
		respCode, respBody = code, failure
		return
	}

	var params SubscribeParams
	if err := h.decodeBody(r, &params); err != nil {
		msg := "Invalid subscription"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}

	if err := h.core.Subscribe(r.Context(), caller, brokerID, params.Topic); err != nil {
		msg := fmt.Sprintf("Failed to subscribe to '%s'", params.Topic)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestBrokerHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}

// -----------------------------------------------------------------------

// Publish godoc
// @Summary Publish a message
// @Description Publish a message through the caller's broker connection
// @tags Broker
// @Accept json
// @Produce json
// @Param Mqttgw-Request-ID header string false "User provided request ID to match against logs"
// @Param brokerID path string true "Broker ID"
// @Param message body PublishParams true "Topic and message"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/broker/{brokerID}/publish [post]
func (h APIRestBrokerHandler) Publish(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer h.replyFunc(w, r, &respCode, &respBody)()

	caller, brokerID, code, failure := h.readCaller(r, true)
	if failure != nil {
		respCode, respBody = code, failure
		return
	}

	var params PublishParams
	if err := h.decodeBody(r, &params); err != nil {
		msg := "Invalid message"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}

	if err := h.core.Publish(
		r.Context(), caller, brokerID, params.Topic, params.Message,
	); err != nil {
		msg := fmt.Sprintf("Failed to publish to '%s'", params.Topic)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// PublishHandler Wrapper around Publish
func (h APIRestBrokerHandler) PublishHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Publish(w, r)
	}
}

// -----------------------------------------------------------------------

// RecentMessages godoc
// @Summary Recent messages
// @Description List the messages most recently relayed to the caller, oldest first
// @tags Broker
// @Produce json
// @Param Mqttgw-Request-ID header string false "User provided request ID to match against logs"
// @Param broker_id query string false "Only messages from this broker"
// @Param limit query integer false "At most this many messages"
// @Success 200 {object} APIRestRespMessages "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/messages [get]
func (h APIRestBrokerHandler) RecentMessages(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer h.replyFunc(w, r, &respCode, &respBody)()

	caller, _, code, failure := h.readCaller(r, false)
	if failure != nil {
		respCode, respBody = code, failure
		return
	}

	queries := r.URL.Query()
	limit := 0
	if raw := queries.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			msg := "Invalid limit"
			log.WithFields(localLogTags).Errorf("%s: %s", msg, raw)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, raw)
			return
		}
		limit = parsed
	}

	messages, err := h.core.RecentMessages(r.Context(), caller, queries.Get("broker_id"), limit)
	if err != nil {
		msg := "Failed to read recent messages"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespMessages{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Messages: messages,
	}
}

// RecentMessagesHandler Wrapper around RecentMessages
func (h APIRestBrokerHandler) RecentMessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RecentMessages(w, r)
	}
}

// -----------------------------------------------------------------------

// Logout godoc
// @Summary Log out
// @Description Close every session and broker connection of the caller
// @tags Broker
// @Produce json
// @Param Mqttgw-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/logout [post]
func (h APIRestBrokerHandler) Logout(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer h.replyFunc(w, r, &respCode, &respBody)()

	caller, _, code, failure := h.readCaller(r, false)
	if failure != nil {
		respCode, respBody = code, failure
		return
	}

	if err := h.core.Logout(r.Context(), caller); err != nil {
		msg := "Failed to log out"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = getStdRESTErrorFor(r.Context(), h.RestAPIHandler, err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// LogoutHandler Wrapper around Logout
func (h APIRestBrokerHandler) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Logout(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For gateway REST API liveness check
// @Description Will return success to indicate gateway REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestBrokerHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestBrokerHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For gateway REST API readiness check
// @Description Will return success if the broker store and the message mirror are usable
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestBrokerHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer h.replyFunc(w, r, &respCode, &respBody)()

	for _, check := range h.readiness {
		if err := check(r.Context()); err != nil {
			msg := "not ready"
			log.WithError(err).WithFields(localLogTags).Warn("Readiness check failed")
			respCode = http.StatusServiceUnavailable
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusServiceUnavailable, msg, err.Error(),
			)
			return
		}
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestBrokerHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
