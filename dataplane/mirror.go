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

package dataplane

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mqttgw/common"
	"github.com/alwitt/mqttgw/core"
	"github.com/apex/log"
)

// MessageMirror copies relayed MQTT messages to a secondary channel
type MessageMirror interface {
	// Mirror copy one message relayed to the user
	Mirror(ctxt context.Context, userID string, msg common.MQTTMessage) error
}

// MirroredMessage is the NATS payload of a mirrored message
type MirroredMessage struct {
	UserID string `json:"user_id"`
	common.MQTTMessage
}

// natsMirrorImpl implements MessageMirror over core NATS
type natsMirrorImpl struct {
	goutils.Component
	nats          core.NatsClient
	subjectPrefix string
}

// GetNATSMirror define a mirror publishing each message on
// "<prefix>.<user ID>.<broker ID>"
func GetNATSMirror(natsClient core.NatsClient, subjectPrefix string) (MessageMirror, error) {
	subjectPrefix = strings.Trim(subjectPrefix, ".")
	if subjectPrefix == "" || strings.ContainsAny(subjectPrefix, " \t*>") {
		return nil, fmt.Errorf("invalid NATS subject prefix '%s'", subjectPrefix)
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "nats-mirror", "instance": subjectPrefix,
	}
	return &natsMirrorImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		nats:          natsClient,
		subjectPrefix: subjectPrefix,
	}, nil
}

// MirrorSubject the NATS subject messages of the (user, broker) are mirrored on
func MirrorSubject(prefix string, userID string, brokerID string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, subjectToken(userID), subjectToken(brokerID))
}

// subjectToken make the string usable as one NATS subject token
func subjectToken(value string) string {
	if value == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, value)
}

func (m *natsMirrorImpl) Mirror(
	ctxt context.Context, userID string, msg common.MQTTMessage,
) error {
	logTags := m.GetLogTagsForContext(ctxt)
	payload, err := json.Marshal(MirroredMessage{UserID: userID, MQTTMessage: msg})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to serialize message")
		return err
	}
	subject := MirrorSubject(m.subjectPrefix, userID, msg.BrokerID)
	if err := m.nats.Conn().Publish(subject, payload); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to mirror message to %s", subject)
		return err
	}
	log.WithFields(logTags).Debugf("Mirrored '%s' to %s", msg.Topic, subject)
	return nil
}
