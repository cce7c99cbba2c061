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

package common

import (
	"fmt"
	"time"
)

// ConnectionKey identifies one broker connection: the user on whose behalf the
// gateway connects, and the broker it connects to.
type ConnectionKey struct {
	UserID   string `json:"user_id"`
	BrokerID string `json:"broker_id"`
}

// String implements fmt.Stringer
func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s/%s", k.UserID, k.BrokerID)
}

// User roles
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Identity is an authenticated caller
type Identity struct {
	UserID string `json:"user_id" validate:"required"`
	Role   string `json:"role" validate:"required,oneof=admin user"`
}

// IsAdmin whether the caller holds the admin role
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// BrokerEndpoint is one remote MQTT broker record
type BrokerEndpoint struct {
	// ID is the broker record ID
	ID string `json:"id"`
	// Label is a human readable name
	Label string `json:"label"`
	// Host is the broker IPv4 address or host name
	Host string `json:"host" validate:"required"`
	// Port is the broker TCP port
	Port uint16 `json:"port" validate:"required,gt=0"`
	// Username is the optional MQTT username
	Username string `json:"username,omitempty"`
	// Password is the optional MQTT password
	Password string `json:"-"`
	// OwnerID is the admin managing the broker
	OwnerID string `json:"owner_id"`
	// AssignedUserID is the non-admin user the broker is assigned to, if any
	AssignedUserID string `json:"assigned_user_id,omitempty"`
	// Status is the last known connection status
	Status string `json:"status"`
	// LastError is the last connection or validation error
	LastError string `json:"last_error,omitempty"`
	// ConnectedAt is when the last successful connection was made
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	// CreatedAt is when the record was created
	CreatedAt time.Time `json:"created_at"`
}

// AccessibleBy whether the user may operate the broker
func (b BrokerEndpoint) AccessibleBy(userID string) bool {
	return userID != "" && (b.OwnerID == userID || b.AssignedUserID == userID)
}

// Address the "host:port" of the broker
func (b BrokerEndpoint) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// MQTTMessage is one message received from a remote broker
type MQTTMessage struct {
	BrokerID   string    `json:"brokerId"`
	Topic      string    `json:"topic"`
	Payload    string    `json:"message"`
	QoS        byte      `json:"qos"`
	ReceivedAt time.Time `json:"received_at"`
}
