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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/ssecast/auth"
	"github.com/alwitt/ssecast/common"
	"github.com/alwitt/ssecast/connection"
	"github.com/alwitt/ssecast/dispatch"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// publishEnvelopeOverhead allowance for the publish request fields around the payload
const publishEnvelopeOverhead = 4096

// APIRestBroadcastHandler REST handler for the broadcast service
type APIRestBroadcastHandler struct {
	goutils.RestAPIHandler
	dispatcher      dispatch.Dispatcher
	verifier        auth.TokenVerifier
	permissions     auth.PermissionStore
	validate        *validator.Validate
	baseContext     context.Context
	requestIDHeader string
	maxBodySize     int64
}

// GetAPIRestBroadcastHandler define APIRestBroadcastHandler
func GetAPIRestBroadcastHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	maxPayloadSize int,
	dispatcher dispatch.Dispatcher,
	verifier auth.TokenVerifier,
	permissions auth.PermissionStore,
) (APIRestBroadcastHandler, error) {
	if dispatcher == nil || verifier == nil || permissions == nil {
		return APIRestBroadcastHandler{}, fmt.Errorf("broadcast handler requires dispatcher, verifier and permission store")
	}
	if maxPayloadSize < 1 {
		return APIRestBroadcastHandler{}, fmt.Errorf("invalid max payload size %d", maxPayloadSize)
	}
	logTags := log.Fields{
		"module":    "rest",
		"component": "broadcast",
	}
	return APIRestBroadcastHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags:         logTags,
				LogTagModifiers: restLogModifiers,
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders:          logOffLimitHeaders(httpConfig.Logging.DoNotLogHeaders),
		},
		dispatcher:      dispatcher,
		verifier:        verifier,
		permissions:     permissions,
		validate:        validator.New(),
		baseContext:     baseContext,
		requestIDHeader: httpConfig.Logging.RequestIDHeader,
		maxBodySize:     int64(maxPayloadSize) + publishEnvelopeOverhead,
	}, nil
}

// authenticate verify the caller's token and merge in its stored permissions
func (h APIRestBroadcastHandler) authenticate(r *http.Request) (auth.Identity, error) {
	identity, err := h.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		return auth.Identity{}, err
	}
	extra, err := h.permissions.Permissions(r.Context(), identity.UserID)
	if err != nil {
		return auth.Identity{}, common.NewError(common.CodeInternal, "permission lookup failed", err)
	}
	identity.Permissions = auth.MergePermissions(identity.Permissions, extra)
	return identity, nil
}

// =======================================================================
// Event stream

// Subscribe godoc
// @Summary Open an event stream
// @Description Open a long lived server sent event stream for the caller. The stream
// closes on client disconnect, idle timeout, write failure, or server shutdown.
// @tags Broadcast
// @Produce text/event-stream
// @Param Authorization header string false "Bearer token"
// @Param access_token query string false "Bearer token, for clients that cannot set headers"
// @Param channel query []string false "Channels to subscribe to"
// @Success 200 {string} string "event stream"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 429 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/events [get]
func (h APIRestBroadcastHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	reqID := streamRequestID(r.Context())
	logTags := h.GetLogTagsForContext(r.Context())
	logTags["request_id"] = reqID
	logTags["remote"] = r.RemoteAddr

	stream := connection.NewSSEStream(w)
	conn, err := h.dispatcher.AcceptConnection(r.Context(), dispatch.ConnectRequest{
		Token:      bearerToken(r),
		Origin:     r.Header.Get("Origin"),
		RemoteAddr: r.RemoteAddr,
		Channels:   r.URL.Query()["channel"],
	}, stream)
	if err != nil {
		log.WithError(err).WithFields(logTags).Info("Event stream rejected")
		if common.CodeOf(err) == common.CodeWriteFailure {
			// The stream was already started
			return
		}
		respCode := common.HTTPStatus(err)
		respBody := h.GetStdRESTErrorMsg(
			r.Context(), respCode, "Event stream rejected", string(common.CodeOf(err)),
		)
		respBody.RequestID = reqID
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
		return
	}
	logTags["conn_id"] = conn.ID
	logTags["user_id"] = conn.UserID
	log.WithFields(logTags).Info("Event stream started")

	select {
	case <-h.baseContext.Done():
		h.dispatcher.Disconnect(conn.ID, connection.ReasonServerShutdown)
		log.WithFields(logTags).Info("Terminating event stream on server stop")
	case <-r.Context().Done():
		h.dispatcher.Disconnect(conn.ID, connection.ReasonClientDisconnect)
		log.WithFields(logTags).Info("Terminating event stream on request end")
	case <-conn.Done():
		log.WithFields(logTags).Info("Event stream closed")
	}
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestBroadcastHandler) SubscribeHandler() http.HandlerFunc {
	return attachRequestID(h.requestIDHeader, h.LogTags, h.Subscribe)
}

// =======================================================================
// Admin publish

// APIRestReqPublishTarget recipient selection of a publish call
type APIRestReqPublishTarget struct {
	// Kind one of user, channel, broadcast
	Kind string `json:"kind" validate:"required,oneof=user channel broadcast"`
	// ID user ID or channel name. Unused for broadcast.
	ID string `json:"id"`
}

// APIRestReqPublish publish call body
type APIRestReqPublish struct {
	Target  APIRestReqPublishTarget `json:"target" validate:"required"`
	Type    string                  `json:"type" validate:"required"`
	Payload json.RawMessage         `json:"payload" validate:"required"`
	Encrypt bool                    `json:"encrypt"`
}

// APIRestRespPublish publish call response
type APIRestRespPublish struct {
	goutils.RestAPIBaseResponse
	Report dispatch.DeliveryReport `json:"report"`
}

// Publish godoc
// @Summary Publish an event
// @Description Deliver one event to a user, a channel, or every open connection.
// The caller's token must carry the publish permission.
// @tags Broadcast
// @Accept json
// @Produce json
// @Param Ssecast-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer token"
// @Param event body APIRestReqPublish true "Event to publish"
// @Success 200 {object} APIRestRespPublish "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 413 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/publish [post]
func (h APIRestBroadcastHandler) Publish(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	identity, err := h.authenticate(r)
	if err != nil {
		msg := "Unable to authenticate caller"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respCode = common.HTTPStatus(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	localLogTags["user_id"] = identity.UserID
	if !auth.HasPermission(identity.Permissions, auth.PermissionPublish) {
		msg := "Caller may not publish"
		log.WithFields(localLogTags).Info(msg)
		respCode = http.StatusForbidden
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, string(common.CodeForbidden))
		return
	}

	var request APIRestReqPublish
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodySize)).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respCode = http.StatusRequestEntityTooLarge
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	// Validate input
	if err := h.validate.Struct(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	target, err := dispatch.ParseTarget(request.Target.Kind, request.Target.ID)
	if err != nil {
		msg := "Invalid publish target"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	// Fan-out is bound to the server, not the admin call
	report := h.dispatcher.Publish(h.baseContext, dispatch.OutboundEvent{
		Target:  target,
		Type:    request.Type,
		Payload: request.Payload,
		Encrypt: request.Encrypt,
	})
	if report.Err != nil {
		msg := fmt.Sprintf("Unable to publish to %s", target)
		log.WithError(report.Err).WithFields(localLogTags).Error(msg)
		respCode = common.HTTPStatus(report.Err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, report.Err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespPublish{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Report:              report,
	}
}

// PublishHandler Wrapper around Publish
func (h APIRestBroadcastHandler) PublishHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Publish)
}

// =======================================================================
// Runtime subscription changes

// APIRestRespChannels channels of one connection
type APIRestRespChannels struct {
	goutils.RestAPIBaseResponse
	Channels []string `json:"channels"`
}

// ownedConnection authenticate the caller and check it owns the connection named in
// the request path. Returns the HTTP status to reply with on failure.
func (h APIRestBroadcastHandler) ownedConnection(r *http.Request) (string, int, error) {
	identity, err := h.authenticate(r)
	if err != nil {
		return "", common.HTTPStatus(err), err
	}
	connID := mux.Vars(r)["connID"]
	owner, ok := h.dispatcher.Owner(connID)
	if !ok || owner != identity.UserID {
		return "", http.StatusNotFound, fmt.Errorf("connection '%s' not found", connID)
	}
	return connID, http.StatusOK, nil
}

// ListChannels godoc
// @Summary List the channels of a connection
// @Description List the channels an open connection of the caller is subscribed to
// @tags Broadcast
// @Produce json
// @Param Ssecast-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer token"
// @Param connID path string true "Connection ID"
// @Success 200 {object} APIRestRespChannels "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/connections/{connID}/channels [get]
func (h APIRestBroadcastHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	connID, status, err := h.ownedConnection(r)
	if err != nil {
		msg := "Unable to read connection"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respCode = status
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespChannels{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Channels:            h.dispatcher.Subscriptions(connID),
	}
}

// ListChannelsHandler Wrapper around ListChannels
func (h APIRestBroadcastHandler) ListChannelsHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.ListChannels)
}

// changeChannel shared body of AddChannel and RemoveChannel
func (h APIRestBroadcastHandler) changeChannel(
	w http.ResponseWriter, r *http.Request, add bool,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	connID, status, err := h.ownedConnection(r)
	if err != nil {
		msg := "Unable to read connection"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respCode = status
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	channel := mux.Vars(r)["channel"]
	localLogTags["conn_id"] = connID
	localLogTags["channel"] = channel

	if add {
		err = h.dispatcher.Subscribe(connID, channel)
	} else {
		err = h.dispatcher.Unsubscribe(connID, channel)
	}
	if err != nil {
		msg := "Unable to change subscription"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respCode = common.HTTPStatus(err)
		if errors.Is(err, common.ErrConnectionClosed) {
			respCode = http.StatusNotFound
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespChannels{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Channels:            h.dispatcher.Subscriptions(connID),
	}
}

// AddChannel godoc
// @Summary Subscribe a connection to a channel
// @Description Subscribe an open connection of the caller to one more channel
// @tags Broadcast
// @Produce json
// @Param Ssecast-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer token"
// @Param connID path string true "Connection ID"
// @Param channel path string true "Channel name"
// @Success 200 {object} APIRestRespChannels "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/connections/{connID}/channels/{channel} [put]
func (h APIRestBroadcastHandler) AddChannel(w http.ResponseWriter, r *http.Request) {
	h.changeChannel(w, r, true)
}

// AddChannelHandler Wrapper around AddChannel
func (h APIRestBroadcastHandler) AddChannelHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.AddChannel)
}

// RemoveChannel godoc
// @Summary Unsubscribe a connection from a channel
// @Description Remove one channel from an open connection of the caller
// @tags Broadcast
// @Produce json
// @Param Ssecast-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer token"
// @Param connID path string true "Connection ID"
// @Param channel path string true "Channel name"
// @Success 200 {object} APIRestRespChannels "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/connections/{connID}/channels/{channel} [delete]
func (h APIRestBroadcastHandler) RemoveChannel(w http.ResponseWriter, r *http.Request) {
	h.changeChannel(w, r, false)
}

// RemoveChannelHandler Wrapper around RemoveChannel
func (h APIRestBroadcastHandler) RemoveChannelHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.RemoveChannel)
}

// =======================================================================
// Health

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestBroadcastHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestBroadcastHandler) AliveHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Alive)
}

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the server is accepting event streams
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestBroadcastHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := h.baseContext.Err(); err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestBroadcastHandler) ReadyHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Ready)
}
