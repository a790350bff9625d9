// Copyright 2022 The ssecast Authors
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
	"strings"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

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

// RegisterBroadcastRoutes register every broadcast API end-point under a path prefix
func RegisterBroadcastRoutes(
	parentRouter *mux.Router, pathPrefix string, handler APIRestBroadcastHandler,
) *mux.Router {
	mainRouter := RegisterPathPrefix(parentRouter, pathPrefix, nil)

	// Event stream
	_ = RegisterPathPrefix(mainRouter, "/v1/events", MethodHandlers{
		"get": handler.SubscribeHandler(),
	})

	// Admin publish
	_ = RegisterPathPrefix(mainRouter, "/v1/publish", MethodHandlers{
		"post": handler.PublishHandler(),
	})

	// Runtime subscription changes
	channelRouter := RegisterPathPrefix(
		mainRouter, "/v1/connections/{connID}/channels", MethodHandlers{
			"get": handler.ListChannelsHandler(),
		},
	)
	_ = RegisterPathPrefix(channelRouter, "/{channel}", MethodHandlers{
		"put":    handler.AddChannelHandler(),
		"delete": handler.RemoveChannelHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/v1/alive", MethodHandlers{
		"get": handler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/ready", MethodHandlers{
		"get": handler.ReadyHandler(),
	})

	return mainRouter
}

// bearerToken read the caller's token from the Authorization header, or the
// access_token query parameter for clients that cannot set headers
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if found && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

type streamRequestIDKey struct{}

// attachRequestID attach a request ID to a long lived stream request. The stream is
// not wrapped by the logging middleware so its writer can still be flushed.
func attachRequestID(header string, logTags log.Fields, next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := r.Header.Get(header)
		if reqID == "" {
			// or use some generated string
			reqID = uuid.NewString()
		}
		rw.Header().Set(header, reqID)
		log.WithFields(logTags).Debugf("New stream request ID %s", reqID)
		next(rw, r.WithContext(context.WithValue(r.Context(), streamRequestIDKey{}, reqID)))
	}
}

// streamRequestID read the ID set by attachRequestID
func streamRequestID(ctxt context.Context) string {
	if reqID, ok := ctxt.Value(streamRequestIDKey{}).(string); ok {
		return reqID
	}
	return ""
}

// logOffLimitHeaders convert the do-not-log header list into a lookup set
func logOffLimitHeaders(headers []string) map[string]bool {
	result := map[string]bool{}
	for _, v := range headers {
		result[v] = true
	}
	return result
}

// restLogModifiers log tag modifiers applied to every request
var restLogModifiers = []goutils.LogMetadataModifier{
	goutils.ModifyLogMetadataByRestRequestParam,
}
