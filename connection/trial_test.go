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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/mqttgw/common"
	"github.com/alwitt/mqttgw/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTryConnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt := context.Background()
	timeout := time.Millisecond * 200

	// Case 1: broker accepts
	{
		broker := &fakeBroker{}
		err := TryConnect(ctxt, broker.factory, testEndpoint(), "case1", timeout)
		assert.Nil(err)
		assert.Equal(1, broker.attemptCount())
		assert.Equal(0, broker.openClients())
		assert.Contains(broker.latest().params.ClientID, "mqttgw_test_case1_")
	}

	// Case 2: broker refuses the credentials
	{
		broker := &fakeBroker{
			outcome: func(core.MQTTConnectParams, int) error {
				return &core.ConnectError{ReturnCode: 5, Err: fmt.Errorf("not authorised")}
			},
		}
		err := TryConnect(ctxt, broker.factory, testEndpoint(), "case2", timeout)
		assert.NotNil(err)
		assert.Equal(common.ErrorKindCredential, common.ErrorKindOf(err))
	}

	// Case 3: broker never answers
	{
		hold := make(chan struct{})
		broker := &fakeBroker{
			outcome: func(core.MQTTConnectParams, int) error {
				<-hold
				return nil
			},
		}
		err := TryConnect(ctxt, broker.factory, testEndpoint(), "case3", timeout)
		close(hold)
		assert.NotNil(err)
		assert.Equal(common.ErrorKindConnection, common.ErrorKindOf(err))
	}

	// Case 4: invalid broker record
	{
		broker := &fakeBroker{}
		endpoint := testEndpoint()
		endpoint.Port = 0
		err := TryConnect(ctxt, broker.factory, endpoint, "case4", timeout)
		assert.NotNil(err)
		assert.Equal(common.ErrorKindValidation, common.ErrorKindOf(err))
		assert.Equal(0, broker.attemptCount())
	}
}

func TestBrokerConnectionTestConnection(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := &fakeBroker{
		outcome: func(params core.MQTTConnectParams, _ int) error {
			if params.Port == 8883 {
				return nil
			}
			return fmt.Errorf("dial tcp: connection refused")
		},
	}
	endpoint := testEndpoint()
	key := common.ConnectionKey{UserID: uuid.NewString(), BrokerID: endpoint.ID}
	uut, err := NewBrokerConnection(
		ctxt, &wg, key, endpoint, testParams(broker, 5), newRecordingListener(),
	)
	assert.Nil(err)
	defer uut.Disconnect()

	ok, err := uut.TestConnection(ctxt, 8883)
	assert.True(ok)
	assert.Nil(err)
	assert.Equal(uint16(8883), broker.latest().params.Port)

	ok, err = uut.TestConnection(ctxt, 0)
	assert.False(ok)
	assert.Equal(common.ErrorKindConnection, common.ErrorKindOf(err))
	assert.Equal(endpoint.Port, broker.latest().params.Port)

	// The connection itself is not touched
	assert.Equal(StateDisconnected, uut.State())
}

func TestDiagnoseCredentials(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt := context.Background()
	timeout := time.Millisecond * 200
	endpoint := testEndpoint()
	endpoint.Username = "sensor"
	endpoint.Password = "secret"

	// Case 1: accepted
	{
		broker := &fakeBroker{}
		result, err := DiagnoseCredentials(ctxt, broker.factory, endpoint, "diag", timeout)
		assert.Nil(err)
		assert.Equal(VerdictAccepted, result.Verdict)
		assert.False(result.Verified)
	}

	// Case 2: unreachable
	{
		broker := &fakeBroker{
			outcome: func(core.MQTTConnectParams, int) error {
				return fmt.Errorf("dial tcp: connection refused")
			},
		}
		result, err := DiagnoseCredentials(ctxt, broker.factory, endpoint, "diag", timeout)
		assert.NotNil(err)
		assert.Equal(VerdictUnreachable, result.Verdict)
		assert.Equal(1, broker.attemptCount())
	}

	// Case 3: every password refused the same way
	{
		broker := &fakeBroker{
			outcome: func(core.MQTTConnectParams, int) error {
				return &core.ConnectError{ReturnCode: 4, Err: fmt.Errorf("bad user name or password")}
			},
		}
		result, err := DiagnoseCredentials(ctxt, broker.factory, endpoint, "diag", timeout)
		assert.NotNil(err)
		assert.Equal(common.ErrorKindCredential, common.ErrorKindOf(err))
		assert.Equal(VerdictUndetermined, result.Verdict)
		assert.False(result.Verified)
		assert.Equal(2, broker.attemptCount())
	}

	// Case 4: the real password is refused differently from a wrong one
	{
		broker := &fakeBroker{
			outcome: func(params core.MQTTConnectParams, _ int) error {
				if params.Password == "secret" {
					return &core.ConnectError{ReturnCode: 5, Err: fmt.Errorf("not authorised")}
				}
				return &core.ConnectError{ReturnCode: 4, Err: fmt.Errorf("bad user name or password")}
			},
		}
		result, err := DiagnoseCredentials(ctxt, broker.factory, endpoint, "diag", timeout)
		assert.NotNil(err)
		assert.Equal(VerdictUsernameSuspect, result.Verdict)
		assert.False(result.Verified)
	}
}
