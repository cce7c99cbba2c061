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
	"github.com/alwitt/mqttgw/common"
	"github.com/alwitt/mqttgw/connection"
)

// StatusEvent is the data of a "mqtt_status" event
type StatusEvent struct {
	BrokerID string `json:"brokerId"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// TopicEvent is the data of a "subscribed" or "published" event
type TopicEvent struct {
	BrokerID string `json:"brokerId"`
	Topic    string `json:"topic"`
}

// ErrorEvent is the data of an "error" event
type ErrorEvent struct {
	BrokerID string           `json:"brokerId,omitempty"`
	Message  string           `json:"message"`
	Kind     common.ErrorKind `json:"kind,omitempty"`
	Fatal    bool             `json:"fatal,omitempty"`
}

// BrokerDeletedEvent is the data of a "broker_deleted" event
type BrokerDeletedEvent struct {
	BrokerID string `json:"brokerId"`
}

// BrokerState is a broker record together with the caller's connection to it
type BrokerState struct {
	Broker     common.BrokerEndpoint `json:"broker"`
	Connection *connection.Status    `json:"connection,omitempty"`
}

// BrokerTestResult is the outcome of testing a candidate broker
type BrokerTestResult struct {
	Success   bool                           `json:"success"`
	Error     string                         `json:"error,omitempty"`
	Kind      common.ErrorKind               `json:"kind,omitempty"`
	Diagnosis connection.CredentialDiagnosis `json:"diagnosis"`
}

func errorEvent(brokerID string, err error, fatal bool) ErrorEvent {
	return ErrorEvent{
		BrokerID: brokerID,
		Message:  err.Error(),
		Kind:     common.ErrorKindOf(err),
		Fatal:    fatal,
	}
}
