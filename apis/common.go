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

package apis

import (
	"context"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mqttgw/common"
	"github.com/alwitt/mqttgw/metrics"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPStatusForError the HTTP response code of a gateway error
func HTTPStatusForError(err error) int {
	switch common.ErrorKindOf(err) {
	case common.ErrorKindValidation:
		return http.StatusBadRequest
	case common.ErrorKindAuthorization:
		return http.StatusForbidden
	case common.ErrorKindNotFound:
		return http.StatusNotFound
	case common.ErrorKindConnection, common.ErrorKindCredential:
		return http.StatusBadGateway
	case common.ErrorKindNotConnected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ========================================================================================
// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// defaultRequestIDHeader carries the request ID when the config names none
const defaultRequestIDHeader = "Mqttgw-Request-ID"

/*
defineRestAPIHandler define the base REST handler from the HTTP config

	@param logTags log.Fields - metadata fields to include in the logs
	@param httpConfig *common.HTTPConfig - HTTP server config, optional
	@return the base handler
*/
func defineRestAPIHandler(
	logTags log.Fields, httpConfig *common.HTTPConfig,
) goutils.RestAPIHandler {
	requestIDHeader := defaultRequestIDHeader
	offLimitHeaders := map[string]bool{}
	if httpConfig != nil {
		if httpConfig.Logging.RequestIDHeader != "" {
			requestIDHeader = httpConfig.Logging.RequestIDHeader
		}
		for _, header := range httpConfig.Logging.DoNotLogHeaders {
			offLimitHeaders[http.CanonicalHeaderKey(header)] = true
		}
	}
	return goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
				ModifyLogMetadataByIdentity,
			},
		},
		CallRequestIDHeaderField: &requestIDHeader,
		DoNotLogHeaders:          offLimitHeaders,
	}
}

// getStdRESTErrorFor define a standard error message from a gateway error
func getStdRESTErrorFor(
	ctxt context.Context, h goutils.RestAPIHandler, err error, message string,
) (int, goutils.RestAPIBaseResponse) {
	code := HTTPStatusForError(err)
	return code, h.GetStdRESTErrorMsg(ctxt, code, message, err.Error())
}

// ========================================================================================

// InstrumentHandler record request counts and latencies into the metrics
func InstrumentHandler(instruments *metrics.Metrics, next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(
		instruments.RequestDuration,
		promhttp.InstrumentHandlerCounter(instruments.RequestsTotal, next),
	)
}
