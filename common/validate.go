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
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// maxTopicLength is the longest topic an MQTT packet can carry
const maxTopicLength = 65535

// IsValidBrokerAddress whether the string is an acceptable broker address: an IPv4
// dotted quad, "localhost", or an RFC 1123 host name. A string made only of digits
// and dots must be a valid IPv4 address.
func IsValidBrokerAddress(address string) bool {
	if address == "" {
		return false
	}
	numeric := strings.IndexFunc(address, func(r rune) bool {
		return r != '.' && (r < '0' || r > '9')
	}) == -1
	if numeric {
		return validate.Var(address, "ipv4") == nil
	}
	return validate.Var(address, "hostname_rfc1123") == nil
}

// ValidateBrokerEndpoint check a broker record before it is used to connect
func ValidateBrokerEndpoint(endpoint BrokerEndpoint) error {
	if !IsValidBrokerAddress(endpoint.Host) {
		return NewError(ErrorKindValidation, "invalid broker address '%s'", endpoint.Host)
	}
	if endpoint.Port == 0 {
		return NewError(ErrorKindValidation, "invalid broker port %d", endpoint.Port)
	}
	return nil
}

// ValidateTopicName check a topic a message can be published to. Topic names must not
// contain wildcards.
func ValidateTopicName(topic string) error {
	if err := validateTopicCommon(topic); err != nil {
		return err
	}
	if strings.ContainsAny(topic, "+#") {
		return NewError(ErrorKindValidation, "topic name '%s' contains wildcards", topic)
	}
	return nil
}

// ValidateTopicFilter check a topic filter a subscription can be made with. "+" must
// occupy a whole level, "#" must occupy the whole last level.
func ValidateTopicFilter(filter string) error {
	if err := validateTopicCommon(filter); err != nil {
		return err
	}
	levels := strings.Split(filter, "/")
	for idx, level := range levels {
		if strings.Contains(level, "+") && level != "+" {
			return NewError(ErrorKindValidation, "topic filter '%s' misplaces '+'", filter)
		}
		if strings.Contains(level, "#") && (level != "#" || idx != len(levels)-1) {
			return NewError(ErrorKindValidation, "topic filter '%s' misplaces '#'", filter)
		}
	}
	return nil
}

func validateTopicCommon(topic string) error {
	if topic == "" {
		return NewError(ErrorKindValidation, "topic is empty")
	}
	if len(topic) > maxTopicLength {
		return NewError(ErrorKindValidation, "topic is longer than %d bytes", maxTopicLength)
	}
	if !utf8.ValidString(topic) || strings.ContainsRune(topic, 0) {
		return NewError(ErrorKindValidation, "topic is not valid UTF-8 text")
	}
	return nil
}
