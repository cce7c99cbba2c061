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
	"errors"
	"fmt"
)

// ErrorKind is the category of a gateway error
type ErrorKind string

// Error categories
const (
	// ErrorKindValidation the request or the broker record is malformed. Never retried.
	ErrorKindValidation ErrorKind = "validation"
	// ErrorKindAuthorization the caller may not operate on the broker. Never retried.
	ErrorKindAuthorization ErrorKind = "authorization"
	// ErrorKindNotFound the referenced broker does not exist
	ErrorKindNotFound ErrorKind = "not_found"
	// ErrorKindConnection the broker is unreachable or dropped the connection
	ErrorKindConnection ErrorKind = "connection"
	// ErrorKindCredential the broker rejected the credentials
	ErrorKindCredential ErrorKind = "credential"
	// ErrorKindNotConnected the operation needs a connected broker connection
	ErrorKindNotConnected ErrorKind = "not_connected"
	// ErrorKindInternal everything else
	ErrorKindInternal ErrorKind = "internal"
)

// GatewayError is an error raised by the gateway core
type GatewayError struct {
	Kind ErrorKind
	// Key is the broker connection involved, if any
	Key *ConnectionKey
	// Message describes the failure
	Message string
	// Err is the underlying error, if any
	Err error
}

// Error implements error
func (e *GatewayError) Error() string {
	prefix := string(e.Kind)
	if e.Key != nil {
		prefix = fmt.Sprintf("%s [%s]", prefix, e.Key.String())
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", prefix, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap support errors.Is / errors.As
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewError define a new GatewayError
func NewError(kind ErrorKind, format string, args ...interface{}) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError define a new GatewayError wrapping an underlying error
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// ForKey attach the connection key to the error
func (e *GatewayError) ForKey(key ConnectionKey) *GatewayError {
	e.Key = &key
	return e
}

// ErrorKindOf get the category of an error. Errors not raised by the gateway core are
// ErrorKindInternal.
func ErrorKindOf(err error) ErrorKind {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return ErrorKindInternal
}

// IsErrorKind whether the error is of the given category
func IsErrorKind(err error, kind ErrorKind) bool {
	return err != nil && ErrorKindOf(err) == kind
}
