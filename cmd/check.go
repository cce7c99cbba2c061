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

package cmd

import (
	"context"
	"os"

	"github.com/alwitt/mqttgw/common"
	"github.com/alwitt/mqttgw/connection"
	"github.com/alwitt/mqttgw/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// CheckCLIArgs arguments of the check command
type CheckCLIArgs struct {
	Host     string `validate:"required"`
	Port     int    `validate:"gte=0,lt=65536"`
	Username string
	Password string
}

// GetCheckCLIFlags retrieve the set of CMD flags for the check command
func GetCheckCLIFlags(args *CheckCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "broker-host",
			Usage:       "Broker IPv4 address or host name",
			Aliases:     []string{"bh"},
			EnvVars:     []string{"CHECK_BROKER_HOST"},
			Destination: &args.Host,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "broker-port",
			Usage:       "Broker TCP port. 0 for the configured default.",
			Aliases:     []string{"bp"},
			EnvVars:     []string{"CHECK_BROKER_PORT"},
			Value:       0,
			DefaultText: "0",
			Destination: &args.Port,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "username",
			Usage:       "MQTT username",
			Aliases:     []string{"u"},
			EnvVars:     []string{"CHECK_USERNAME"},
			Destination: &args.Username,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "password",
			Usage:       "MQTT password",
			Aliases:     []string{"p"},
			EnvVars:     []string{"CHECK_PASSWORD"},
			Destination: &args.Password,
			Required:    false,
		},
	}
}

// CheckReport outcome of the check command
type CheckReport struct {
	Broker    string                         `json:"broker"`
	Success   bool                           `json:"success"`
	Error     string                         `json:"error,omitempty"`
	Kind      common.ErrorKind               `json:"kind,omitempty"`
	Diagnosis connection.CredentialDiagnosis `json:"diagnosis"`
}

/*
RunCheck test whether a broker accepts the given credentials, without keeping any
connection

	@param ctxt context.Context - context for the check
	@param args CheckCLIArgs - the broker to test
	@param mqttConfig common.MQTTClientConfig - MQTT client config
	@param clientFactory core.MQTTClientFactory - MQTT client factory, nil for paho
	@return the report
*/
func RunCheck(
	ctxt context.Context,
	args CheckCLIArgs,
	mqttConfig common.MQTTClientConfig,
	clientFactory core.MQTTClientFactory,
) (CheckReport, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "check",
		"instance":  args.Host,
	}
	validate := validator.New()
	if err := validate.Struct(&args); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return CheckReport{}, err
	}
	if clientFactory == nil {
		clientFactory = core.NewPahoClient
	}

	endpoint := common.BrokerEndpoint{
		Host:     args.Host,
		Port:     uint16(args.Port),
		Username: args.Username,
		Password: args.Password,
	}
	if endpoint.Port == 0 {
		endpoint.Port = mqttConfig.DefaultPort
	}
	if err := common.ValidateBrokerEndpoint(endpoint); err != nil {
		return CheckReport{}, err
	}

	hostname, _ := os.Hostname()
	diagnosis, err := connection.DiagnoseCredentials(
		ctxt, clientFactory, endpoint, hostname, mqttConfig.TestTimeoutDuration(),
	)
	report := CheckReport{
		Broker: endpoint.Address(), Success: err == nil, Diagnosis: diagnosis,
	}
	if err != nil {
		report.Error = err.Error()
		report.Kind = common.ErrorKindOf(err)
		log.WithError(err).WithFields(logTags).Warn("Broker refused the test connection")
	} else {
		log.WithFields(logTags).Info("Broker accepted the test connection")
	}
	return report, nil
}
