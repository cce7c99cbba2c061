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
	"time"

	"github.com/alwitt/mqttgw/common"
	"github.com/alwitt/mqttgw/core"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// TryConnect open a throwaway client towards the broker and report whether the broker
// accepted it. The throwaway client is always closed before returning.
func TryConnect(
	ctxt context.Context,
	factory core.MQTTClientFactory,
	endpoint common.BrokerEndpoint,
	clientTag string,
	timeout time.Duration,
) error {
	if err := common.ValidateBrokerEndpoint(endpoint); err != nil {
		return err
	}
	logTags := log.Fields{
		"module":    "connection",
		"component": "trial-connect",
		"instance":  endpoint.Address(),
	}

	result := make(chan error, 1)
	report := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	client := factory(
		core.MQTTConnectParams{
			ClientID:       fmt.Sprintf("mqttgw_test_%s_%d", clientTag, time.Now().UnixNano()),
			Host:           endpoint.Host,
			Port:           endpoint.Port,
			Username:       endpoint.Username,
			Password:       endpoint.Password,
			ConnectTimeout: timeout,
		},
		core.MQTTEventHandlers{
			OnConnect:        func() { report(nil) },
			OnConnectFailed:  report,
			OnConnectionLost: report,
		},
	)
	defer client.Close()
	client.Connect()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		if err == nil {
			log.WithFields(logTags).Debug("Test connection accepted")
			return nil
		}
		log.WithError(err).WithFields(logTags).Debug("Test connection refused")
		return common.WrapError(
			ClassifyError(err), err, "broker %s refused the connection", endpoint.Address(),
		)
	case <-timer.C:
		return common.NewError(
			common.ErrorKindConnection,
			"broker %s did not answer within %s",
			endpoint.Address(),
			timeout,
		)
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// TestConnection try the connection's broker on the given port with the same
// credentials. The connection itself is left untouched.
func (c *BrokerConnection) TestConnection(ctxt context.Context, port uint16) (bool, error) {
	endpoint := c.endpoint
	if port != 0 {
		endpoint.Port = port
	}
	err := TryConnect(ctxt, c.params.ClientFactory, endpoint, c.key.UserID, c.params.TestTimeout)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Infof("Test connection to port %d failed", port)
		return false, err
	}
	return true, nil
}

// CredentialVerdict is the outcome of a credential diagnosis
type CredentialVerdict string

// Credential verdicts
const (
	// VerdictAccepted the broker accepted the credentials
	VerdictAccepted CredentialVerdict = "accepted"
	// VerdictUnreachable the broker failed for a reason other than credentials
	VerdictUnreachable CredentialVerdict = "unreachable"
	// VerdictUsernameSuspect the broker treats the given password differently from a
	// wrong one, so the username or its permissions are the likely fault
	VerdictUsernameSuspect CredentialVerdict = "username_suspect"
	// VerdictUndetermined the credentials were refused, and the broker does not
	// reveal which part is wrong
	VerdictUndetermined CredentialVerdict = "undetermined"
)

// CredentialDiagnosis is the result of DiagnoseCredentials. The verdict is a heuristic
// guess based on how the broker answers, never a confirmed fact.
type CredentialDiagnosis struct {
	Verdict CredentialVerdict `json:"verdict"`
	// Verified is always false: brokers are free to answer any rejection identically
	Verified bool   `json:"verified"`
	Detail   string `json:"detail,omitempty"`
}

// DiagnoseCredentials try the broker with the given credentials, and if they are
// refused, again with the same username and a password that cannot be right. A
// different answer to the second attempt points at the username.
func DiagnoseCredentials(
	ctxt context.Context,
	factory core.MQTTClientFactory,
	endpoint common.BrokerEndpoint,
	clientTag string,
	timeout time.Duration,
) (CredentialDiagnosis, error) {
	firstErr := TryConnect(ctxt, factory, endpoint, clientTag, timeout)
	if firstErr == nil {
		return CredentialDiagnosis{Verdict: VerdictAccepted}, nil
	}
	if ClassifyError(firstErr) != common.ErrorKindCredential {
		return CredentialDiagnosis{
			Verdict: VerdictUnreachable, Detail: firstErr.Error(),
		}, firstErr
	}
	if endpoint.Username == "" {
		return CredentialDiagnosis{
			Verdict: VerdictUndetermined, Detail: "broker requires credentials",
		}, firstErr
	}

	decoy := endpoint
	decoy.Password = fmt.Sprintf("mqttgw-decoy-%s", uuid.NewString())
	secondErr := TryConnect(ctxt, factory, decoy, clientTag, timeout)
	if secondErr != nil && connackCode(secondErr) == connackCode(firstErr) {
		return CredentialDiagnosis{
			Verdict: VerdictUndetermined,
			Detail:  "a wrong password is refused the same way; username or password may be wrong",
		}, firstErr
	}
	return CredentialDiagnosis{
		Verdict: VerdictUsernameSuspect,
		Detail:  "the password is not refused like a wrong one; check the username and its permissions",
	}, firstErr
}
