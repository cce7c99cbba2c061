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
	"os"
	"testing"
	"time"

	"github.com/alwitt/mqttgw/common"
	"github.com/alwitt/mqttgw/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMirrorSubject(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("mqttgw.u1.b1", MirrorSubject("mqttgw", "u1", "b1"))
	assert.Equal("mqttgw.a_b.c_d_e", MirrorSubject("mqttgw", "a.b", "c*d>e"))
	assert.Equal("mqttgw._.b1", MirrorSubject("mqttgw", "", "b1"))

	_, err := GetNATSMirror(core.NatsClient{}, "")
	assert.NotNil(err)
	_, err = GetNATSMirror(core.NatsClient{}, "mqttgw.>")
	assert.NotNil(err)
}

func TestNATSMirror(t *testing.T) {
	natsURI := os.Getenv("MQTTGW_TEST_NATS_URI")
	if natsURI == "" {
		t.Skip("MQTTGW_TEST_NATS_URI not set")
	}
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	natsClient, err := core.GetNATSClient(core.NATSConnectParams{
		ServerURI:           natsURI,
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
	})
	assert.Nil(err)
	defer natsClient.Close(context.Background())

	prefix := "ut-mirror"
	uut, err := GetNATSMirror(natsClient, prefix)
	assert.Nil(err)

	user := uuid.NewString()
	broker := uuid.NewString()
	sub, err := natsClient.Conn().SubscribeSync(fmt.Sprintf("%s.%s.*", prefix, user))
	assert.Nil(err)
	defer func() {
		assert.Nil(sub.Unsubscribe())
	}()
	assert.Nil(natsClient.Conn().Flush())

	msg := common.MQTTMessage{
		BrokerID: broker, Topic: "sensors/t1", Payload: "21.5", ReceivedAt: time.Now().UTC(),
	}
	assert.Nil(uut.Mirror(context.Background(), user, msg))

	received, err := sub.NextMsg(time.Second)
	assert.Nil(err)
	assert.Equal(MirrorSubject(prefix, user, broker), received.Subject)
	var parsed MirroredMessage
	assert.Nil(json.Unmarshal(received.Data, &parsed))
	assert.Equal(user, parsed.UserID)
	assert.Equal("sensors/t1", parsed.Topic)
	assert.Equal("21.5", parsed.Payload)
}
