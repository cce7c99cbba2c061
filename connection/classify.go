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
	"errors"
	"strings"

	"github.com/alwitt/mqttgw/common"
	"github.com/alwitt/mqttgw/core"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// CONNACK return codes refusing the client's credentials
const (
	connackBadUsernameOrPassword byte = 0x04
	connackNotAuthorised         byte = 0x05
)

// credentialPhrases are broker / client library messages for rejected credentials.
// Only consulted when no CONNACK code is available.
var credentialPhrases = []string{
	"bad user name or password",
	"bad username or password",
	"not authorized",
	"not authorised",
}

// ClassifyError sort a connect / connection failure into ErrorKindCredential or
// ErrorKindConnection. Gateway errors keep their kind.
func ClassifyError(err error) common.ErrorKind {
	if err == nil {
		return ""
	}
	var gwErr *common.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	var connErr *core.ConnectError
	if errors.As(err, &connErr) {
		switch connErr.ReturnCode {
		case connackBadUsernameOrPassword, connackNotAuthorised:
			return common.ErrorKindCredential
		}
	}
	if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised) {
		return common.ErrorKindCredential
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range credentialPhrases {
		if strings.Contains(msg, phrase) {
			return common.ErrorKindCredential
		}
	}
	return common.ErrorKindConnection
}

// connackCode the CONNACK return code carried by the error, 0 if none
func connackCode(err error) byte {
	var connErr *core.ConnectError
	if errors.As(err, &connErr) {
		return connErr.ReturnCode
	}
	switch {
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword):
		return connackBadUsernameOrPassword
	case errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return connackNotAuthorised
	}
	return 0
}
