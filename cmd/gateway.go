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
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/mqttgw/apis"
	"github.com/alwitt/mqttgw/common"
	"github.com/alwitt/mqttgw/core"
	"github.com/alwitt/mqttgw/dataplane"
	"github.com/alwitt/mqttgw/gateway"
	"github.com/alwitt/mqttgw/metrics"
	"github.com/alwitt/mqttgw/storage"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// GatewayServer is the running parts of the gateway behind the HTTP server
type GatewayServer struct {
	Supervisor gateway.Supervisor
	Store      storage.BrokerStore
	Metrics    *metrics.Metrics
	Handler    http.Handler
	mirrorNATS *core.NatsClient
}

/*
DefineGatewayServer build the gateway and its API from the config

	@param runTimeContext context.Context - the gateway runtime context
	@param config *common.SystemConfig - system config
	@param instance string - name of this instance
	@param clientFactory core.MQTTClientFactory - MQTT client factory, nil for paho
	@param wg *sync.WaitGroup - wait group tracking the gateway goroutines
	@return the gateway
*/
func DefineGatewayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	clientFactory core.MQTTClientFactory,
	wg *sync.WaitGroup,
) (*GatewayServer, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}
	if config.API == nil {
		return nil, fmt.Errorf("gateway can't start without its API configurations")
	}

	store, err := storage.GetBrokerStore(config.Store)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker store")
		return nil, err
	}
	server := &GatewayServer{Store: store, Metrics: metrics.New("mqttgw")}
	readiness := []apis.ReadinessCheck{store.Ready}

	var mirror dataplane.MessageMirror
	if config.Mirror != nil {
		natsClient, err := defineNATSClient(config.Mirror.NATS, logTags)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		server.mirrorNATS = &natsClient
		if mirror, err = dataplane.GetNATSMirror(natsClient, config.Mirror.SubjectPrefix); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define message mirror")
			server.release(logTags)
			return nil, err
		}
		readiness = append(readiness, func(context.Context) error {
			if !natsClient.Conn().IsConnected() {
				return fmt.Errorf("NATS mirror not connected")
			}
			return nil
		})
	}

	server.Supervisor, err = gateway.GetSupervisor(
		runTimeContext,
		wg,
		gateway.SupervisorParams{
			MQTT:          config.MQTT,
			Session:       config.Session,
			Gateway:       config.Gateway,
			ClientFactory: clientFactory,
		},
		store,
		mirror,
		server.Metrics,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define supervisor")
		server.release(logTags)
		return nil, err
	}

	verifier, err := apis.GetStaticTokenVerifier(config.API.Auth)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token verifier")
		server.Stop(logTags)
		return nil, err
	}
	httpConfig := &config.API.HTTPSetting
	auth := apis.GetAuthenticator(verifier, httpConfig)
	brokerHandler, err := apis.GetAPIRestBrokerHandler(server.Supervisor, httpConfig, readiness...)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker API handler")
		server.Stop(logTags)
		return nil, err
	}
	sessionHandler, err := apis.GetAPISessionHandler(
		runTimeContext,
		server.Supervisor,
		httpConfig,
		config.Session,
		config.API.Endpoints.AllowedOrigins,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session handler")
		server.Stop(logTags)
		return nil, err
	}

	server.Handler = defineGatewayRouter(
		config.API.Endpoints, auth, brokerHandler, sessionHandler, server.Metrics,
	)
	return server, nil
}

// Stop tear down the gateway, then release the store and the mirror
func (s *GatewayServer) Stop(logTags log.Fields) {
	if s.Supervisor != nil {
		if err := s.Supervisor.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Supervisor stop failure")
		}
	}
	s.release(logTags)
}

func (s *GatewayServer) release(logTags log.Fields) {
	if s.mirrorNATS != nil {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		s.mirrorNATS.Close(ctxt)
	}
	if err := s.Store.Close(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Broker store close failure")
	}
}

// defineNATSClient define the NATS client of the message mirror
func defineNATSClient(config common.NATSConfig, logTags log.Fields) (core.NatsClient, error) {
	return core.GetNATSClient(core.NATSConnectParams{
		ServerURI:           config.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.ConnectTimeout),
		MaxReconnectAttempt: config.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			log.WithError(e).WithFields(logTags).Errorf(
				"NATS client disconnected from server %s", config.ServerURI,
			)
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warnf(
				"NATS client reconnected with server %s", config.ServerURI,
			)
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warn("NATS client closed connection")
		},
	})
}

// defineGatewayRouter route the gateway API
func defineGatewayRouter(
	endpoints common.APIEndpointConfig,
	auth apis.Authenticator,
	brokerHandler apis.APIRestBrokerHandler,
	sessionHandler apis.APISessionHandler,
	instruments *metrics.Metrics,
) http.Handler {
	protect := func(handler http.HandlerFunc) http.HandlerFunc {
		return brokerHandler.LoggingMiddleware(auth.Protect(handler, false))
	}
	protectStream := func(handler http.HandlerFunc) http.HandlerFunc {
		return sessionHandler.LoggingMiddleware(auth.Protect(handler, true))
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, endpoints.PathPrefix, nil)

	// Broker management
	brokerRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/broker", apis.MethodHandlers{
			"post": protect(brokerHandler.CreateBrokerHandler()),
			"get":  protect(brokerHandler.ListBrokersHandler()),
		},
	)
	_ = apis.RegisterPathPrefix(brokerRouter, "/test", apis.MethodHandlers{
		"post": protect(brokerHandler.TestBrokerHandler()),
	})
	perBrokerRouter := apis.RegisterPathPrefix(
		brokerRouter, "/{brokerID}", apis.MethodHandlers{
			"delete": protect(brokerHandler.DeleteBrokerHandler()),
		},
	)
	_ = apis.RegisterPathPrefix(perBrokerRouter, "/assign", apis.MethodHandlers{
		"put": protect(brokerHandler.AssignBrokerHandler()),
	})

	// Broker operations
	_ = apis.RegisterPathPrefix(perBrokerRouter, "/status", apis.MethodHandlers{
		"get": protect(brokerHandler.BrokerStatusHandler()),
	})
	_ = apis.RegisterPathPrefix(perBrokerRouter, "/connect", apis.MethodHandlers{
		"post": protect(brokerHandler.ConnectBrokerHandler()),
	})
	_ = apis.RegisterPathPrefix(perBrokerRouter, "/disconnect", apis.MethodHandlers{
		"post": protect(brokerHandler.DisconnectBrokerHandler()),
	})
	_ = apis.RegisterPathPrefix(perBrokerRouter, "/reachable", apis.MethodHandlers{
		"post": protect(brokerHandler.CheckBrokerHandler()),
	})
	_ = apis.RegisterPathPrefix(perBrokerRouter, "/subscribe", apis.MethodHandlers{
		"post": protect(brokerHandler.SubscribeHandler()),
	})
	_ = apis.RegisterPathPrefix(perBrokerRouter, "/publish", apis.MethodHandlers{
		"post": protect(brokerHandler.PublishHandler()),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/messages", apis.MethodHandlers{
		"get": protect(brokerHandler.RecentMessagesHandler()),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/logout", apis.MethodHandlers{
		"post": protect(brokerHandler.LogoutHandler()),
	})

	// Sessions
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/session/ws", apis.MethodHandlers{
		"get": protectStream(sessionHandler.WebSocketSessionHandler()),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/session/sse", apis.MethodHandlers{
		"get": protectStream(sessionHandler.EventStreamSessionHandler()),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", apis.MethodHandlers{
		"get": brokerHandler.LoggingMiddleware(brokerHandler.AliveHandler()),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", apis.MethodHandlers{
		"get": brokerHandler.LoggingMiddleware(brokerHandler.ReadyHandler()),
	})

	// Metrics
	if endpoints.MetricsPath != "" {
		_ = apis.RegisterPathPrefix(router, endpoints.MetricsPath, apis.MethodHandlers{
			"get": instruments.Handler().ServeHTTP,
		})
	}

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(brokerHandler, next)
	})

	return apis.InstrumentHandler(instruments, router)
}

/*
RunGatewayServer run the gateway API server until the runtime context ends

	@param runTimeContext context.Context - the gateway runtime context
	@param config *common.SystemConfig - system config
	@param instance string - name of this instance
	@param wg *sync.WaitGroup - wait group tracking the gateway goroutines
*/
func RunGatewayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()
	server, err := DefineGatewayServer(localCtxt, config, instance, nil, wg)
	if err != nil {
		return err
	}
	defer server.Stop(logTags)

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverConfig := config.API.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverConfig.ListenOn, serverConfig.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverConfig.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverConfig.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverConfig.IdleTimeout),
		Handler:      h2c.NewHandler(server.Handler, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
