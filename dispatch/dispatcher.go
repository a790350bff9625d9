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

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"github.com/alwitt/ssecast/audit"
	"github.com/alwitt/ssecast/auth"
	"github.com/alwitt/ssecast/common"
	"github.com/alwitt/ssecast/connection"
	"github.com/alwitt/ssecast/encryption"
	"github.com/alwitt/ssecast/limiter"
	"github.com/alwitt/ssecast/metrics"
	"github.com/alwitt/ssecast/payload"
	"github.com/alwitt/ssecast/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
)

// Dispatcher single entry point of the broadcast service
type Dispatcher interface {
	// AcceptConnection authenticate, admit and open a new event stream
	AcceptConnection(ctx context.Context, req ConnectRequest, stream connection.EventStream) (*connection.Connection, error)
	// Publish deliver one event to every resolved recipient
	Publish(ctx context.Context, event OutboundEvent) DeliveryReport
	// Subscribe add a channel to an open connection
	Subscribe(connID, channel string) error
	// Unsubscribe remove a channel from an open connection
	Unsubscribe(connID, channel string) error
	// Subscriptions channels of an open connection
	Subscriptions(connID string) []string
	// Owner user ID of an open connection
	Owner(connID string) (string, bool)
	// Disconnect close an open connection
	Disconnect(connID string, reason connection.CloseReason) bool
	// Live number of open connections
	Live() int
	// Start start the background loops
	Start() error
	// Stop stop the background loops and close every connection
	Stop() error
}

// Params dispatcher parameters
type Params struct {
	// FanoutConcurrency max parallel recipient writes per publish
	FanoutConcurrency int `validate:"gte=1"`
	// EncryptionEnabled whether publish may request encryption
	EncryptionEnabled bool
	// PruneInterval limiter pruning interval
	PruneInterval time.Duration `validate:"gt=0"`
}

// Components collaborators driven by the dispatcher. Metrics may be nil.
type Components struct {
	Verifier    auth.TokenVerifier
	Permissions auth.PermissionStore
	Policy      auth.Policy
	Limiter     limiter.ConnectionLimiter
	Registry    registry.SubscriptionRegistry
	Manager     connection.Manager
	Validator   payload.Validator
	Encryption  encryption.Service
	Audit       audit.Logger
	Metrics     *metrics.Metrics
}

// complete whether every required collaborator is set
func (c Components) complete() bool {
	return c.Verifier != nil && c.Permissions != nil && c.Limiter != nil &&
		c.Registry != nil && c.Manager != nil && c.Validator != nil &&
		c.Encryption != nil && c.Audit != nil
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	Components
	params Params
}

// GetDispatcher define a new Dispatcher over its components
func GetDispatcher(params Params, components Components) (Dispatcher, error) {
	logTags := log.Fields{"module": "dispatch", "component": "dispatcher"}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Invalid dispatcher parameters %+v", params)
		return nil, err
	}
	if !components.complete() {
		err := fmt.Errorf("incomplete dispatcher components")
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher")
		return nil, err
	}
	return &dispatcherImpl{
		Component:  common.Component{LogTags: logTags},
		Components: components,
		params:     params,
	}, nil
}

// remoteHost host part of a remote address
func remoteHost(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// dedupChannels sorted unique channel list
func dedupChannels(channels []string) []string {
	seen := map[string]struct{}{}
	result := []string{}
	for _, channel := range channels {
		if _, ok := seen[channel]; !ok {
			seen[channel] = struct{}{}
			result = append(result, channel)
		}
	}
	sort.Strings(result)
	return result
}

// reject record a refused connection attempt
func (d *dispatcherImpl) reject(
	recordType audit.RecordType, req ConnectRequest, userID string, err error,
) error {
	code := common.CodeOf(err)
	details := map[string]interface{}{
		audit.DetailSource: remoteHost(req.RemoteAddr),
		"code":             string(code),
		"origin":           req.Origin,
		"reason":           err.Error(),
	}
	if userID != "" {
		details[audit.DetailUserID] = userID
	}
	d.Audit.Log(recordType, details)
	d.Metrics.Admission(code)
	return err
}

func (d *dispatcherImpl) AcceptConnection(
	ctx context.Context, req ConnectRequest, stream connection.EventStream,
) (*connection.Connection, error) {
	logTags := d.ExtendLogTags(log.Fields{"remote": req.RemoteAddr, "origin": req.Origin})

	if !d.Policy.OriginAllowed(req.Origin) {
		err := common.NewError(
			common.CodeForbidden, fmt.Sprintf("origin '%s' not allowed", req.Origin), nil,
		)
		log.WithError(err).WithFields(logTags).Info("Rejected connection")
		return nil, d.reject(audit.ConnectionRejected, req, "", err)
	}

	var identity auth.Identity
	if req.Token == "" && d.Policy.AllowAnonymous() {
		identity = auth.AnonymousIdentity(req.RemoteAddr)
	} else {
		verified, err := d.Verifier.Verify(ctx, req.Token)
		if err != nil {
			if common.CodeOf(err) != common.CodeUnauthenticated {
				err = common.NewError(common.CodeUnauthenticated, "token verification failed", err)
			}
			log.WithError(err).WithFields(logTags).Info("Rejected connection")
			return nil, d.reject(audit.AuthFailure, req, "", err)
		}
		extra, err := d.Permissions.Permissions(ctx, verified.UserID)
		if err != nil {
			err = common.NewError(common.CodeInternal, "permission lookup failed", err)
			log.WithError(err).WithFields(logTags).Error("Rejected connection")
			return nil, d.reject(audit.ConnectionRejected, req, verified.UserID, err)
		}
		verified.Permissions = auth.MergePermissions(verified.Permissions, extra)
		identity = verified
	}
	logTags["user_id"] = identity.UserID

	channels := dedupChannels(req.Channels)
	for _, channel := range channels {
		if err := registry.ValidateChannelName(channel); err != nil {
			err = common.NewError(common.CodeForbidden, "invalid channel", err)
			log.WithError(err).WithFields(logTags).Info("Rejected connection")
			return nil, d.reject(audit.ConnectionRejected, req, identity.UserID, err)
		}
		if !d.Policy.ChannelAllowed(identity, channel) {
			err := common.NewError(
				common.CodeForbidden, fmt.Sprintf("channel '%s' not permitted", channel), nil,
			)
			log.WithError(err).WithFields(logTags).Info("Rejected connection")
			return nil, d.reject(audit.ConnectionRejected, req, identity.UserID, err)
		}
	}

	if !d.Limiter.TryAdmit(identity.UserID) {
		err := common.NewError(common.CodeResourceExhausted, "connection limit reached", nil)
		log.WithError(err).WithFields(logTags).Info("Rejected connection")
		return nil, d.reject(audit.ConnectionRejected, req, identity.UserID, err)
	}

	// The limiter slot belongs to the connection once it is open
	conn, err := d.Manager.Open(ctx, identity.UserID, identity.Permissions, stream, connection.OpenOptions{
		RemoteAddr: req.RemoteAddr, Anonymous: identity.Anonymous,
	})
	if err != nil {
		d.Limiter.Release(identity.UserID)
		log.WithError(err).WithFields(logTags).Error("Unable to open connection")
		return nil, d.reject(audit.ConnectionRejected, req, identity.UserID, err)
	}
	logTags["conn_id"] = conn.ID
	greeting, err := json.Marshal(connectedGreeting{ConnectionID: conn.ID, Channels: channels})
	if err == nil {
		err = d.Manager.Write(ctx, conn.ID, connection.ConnectedEvent, greeting)
	}
	if err != nil {
		d.Manager.Close(conn.ID, connection.ReasonWriteFailure)
		log.WithError(err).WithFields(logTags).Error("Unable to greet connection")
		return nil, d.reject(audit.ConnectionRejected, req, identity.UserID, err)
	}
	for _, channel := range channels {
		if err := d.Registry.Subscribe(conn.ID, identity.UserID, channel); err != nil {
			d.Manager.Close(conn.ID, connection.ReasonInternal)
			err = common.NewError(common.CodeInternal, "subscription failed", err)
			log.WithError(err).WithFields(logTags).Errorf("Unable to subscribe to %s", channel)
			return nil, d.reject(audit.ConnectionRejected, req, identity.UserID, err)
		}
	}

	d.Audit.Log(audit.ConnectionOpened, map[string]interface{}{
		audit.DetailSource: remoteHost(req.RemoteAddr),
		audit.DetailUserID: identity.UserID,
		"conn_id":          conn.ID,
		"channels":         channels,
		"anonymous":        identity.Anonymous,
	})
	d.Metrics.Admission("")
	log.WithFields(logTags).Infof("Opened connection on %v", channels)
	return conn, nil
}

// validateEvent check an event before any recipient is resolved
func (d *dispatcherImpl) validateEvent(event OutboundEvent) error {
	if event.Target == nil {
		return common.NewError(common.CodeMalformedPayload, "no target", nil)
	}
	if err := payload.ValidateEventType(event.Type); err != nil {
		return err
	}
	if event.Type == connection.KeepAliveEvent || event.Type == connection.ConnectedEvent {
		return common.NewError(
			common.CodeMalformedPayload, fmt.Sprintf("event type '%s' is reserved", event.Type), nil,
		)
	}
	switch target := event.Target.(type) {
	case UserTarget:
		if target.UserID == "" {
			return common.NewError(common.CodeMalformedPayload, "no target user", nil)
		}
	case ChannelTarget:
		if err := registry.ValidateChannelName(target.Channel); err != nil {
			return common.NewError(common.CodeMalformedPayload, "invalid target channel", err)
		}
	}
	if event.Encrypt && !d.params.EncryptionEnabled {
		return common.NewError(common.CodeForbidden, "encryption is disabled", nil)
	}
	return nil
}

// resolve connection IDs an event is addressed to
func (d *dispatcherImpl) resolve(target Target) []string {
	switch t := target.(type) {
	case UserTarget:
		return d.Registry.ResolveUser(t.UserID)
	case ChannelTarget:
		return d.Registry.Resolve(t.Channel)
	default:
		return d.Registry.ResolveAll()
	}
}

// encodeFrame encode a frame body. HTML escaping was already applied by sanitization.
func encodeFrame(body frame) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(body); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (d *dispatcherImpl) Publish(ctx context.Context, event OutboundEvent) DeliveryReport {
	start := time.Now()
	logTags := d.ExtendLogTags(log.Fields{"event": event.Type})
	if event.Target != nil {
		logTags["target"] = event.Target.String()
	}

	report := DeliveryReport{}
	if err := d.validateEvent(event); err != nil {
		log.WithError(err).WithFields(logTags).Info("Rejected event")
		report.Err = err
		return report
	}
	sanitized, err := d.Validator.Validate(event.Payload)
	if err != nil {
		log.WithError(err).WithFields(logTags).Info("Rejected event payload")
		report.Err = err
		return report
	}
	report.Truncated = sanitized.Truncated
	plainBody, err := encodeFrame(frame{Encrypted: false, Data: sanitized.Data})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to frame event")
		report.Err = common.NewError(common.CodeInternal, "framing failed", err)
		return report
	}

	recipients := d.resolve(event.Target)
	report.Attempted = len(recipients)

	var delivered, failed, plaintext atomic.Int64
	fanout := errgroup.Group{}
	fanout.SetLimit(d.params.FanoutConcurrency)
	for _, connID := range recipients {
		connID := connID
		fanout.Go(func() error {
			body, sealed, err := d.recipientBody(connID, event.Encrypt, sanitized.Data, plainBody)
			if err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Unable to prepare frame for %s", connID)
				failed.Add(1)
				return nil
			}
			if err := d.Manager.Write(ctx, connID, event.Type, body); err != nil {
				log.WithError(err).WithFields(logTags).Debugf("Delivery to %s failed", connID)
				failed.Add(1)
				return nil
			}
			delivered.Add(1)
			if event.Encrypt && !sealed {
				plaintext.Add(1)
			}
			return nil
		})
	}
	_ = fanout.Wait()

	report.Delivered = int(delivered.Load())
	report.Failed = int(failed.Load())
	report.Plaintext = int(plaintext.Load())
	d.Metrics.Deliveries(report.Delivered, report.Failed)
	d.Metrics.PublishDone(event.Target.Kind(), start)
	d.Audit.Log(audit.Publish, map[string]interface{}{
		"target":    event.Target.String(),
		"event":     event.Type,
		"encrypted": event.Encrypt,
		"attempted": report.Attempted,
		"delivered": report.Delivered,
		"failed":    report.Failed,
	})
	log.WithFields(logTags).Debugf(
		"Delivered %d / %d (%d failed)", report.Delivered, report.Attempted, report.Failed,
	)
	return report
}

// recipientBody frame body for one recipient. Returns whether the body is sealed.
func (d *dispatcherImpl) recipientBody(
	connID string, encrypt bool, data []byte, plainBody []byte,
) ([]byte, bool, error) {
	if !encrypt {
		return plainBody, false, nil
	}
	conn, ok := d.Manager.Get(connID)
	if !ok {
		return nil, false, common.ErrConnectionClosed
	}
	if conn.Anonymous {
		return plainBody, false, nil
	}
	sealed, err := d.Encryption.Encrypt(conn.UserID, data)
	if errors.Is(err, encryption.ErrNoKey) {
		return plainBody, false, nil
	} else if err != nil {
		return nil, false, err
	}
	body, err := encodeFrame(frame{Encrypted: true, Data: sealed})
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

// openConnection fetch a live connection for a subscription change
func (d *dispatcherImpl) openConnection(connID string) (*connection.Connection, error) {
	conn, ok := d.Manager.Get(connID)
	if !ok {
		return nil, common.ErrConnectionClosed
	}
	return conn, nil
}

func (d *dispatcherImpl) Subscribe(connID, channel string) error {
	conn, err := d.openConnection(connID)
	if err != nil {
		return err
	}
	if err := registry.ValidateChannelName(channel); err != nil {
		return common.NewError(common.CodeForbidden, "invalid channel", err)
	}
	identity := auth.Identity{
		UserID: conn.UserID, Permissions: conn.Permissions, Anonymous: conn.Anonymous,
	}
	if !d.Policy.ChannelAllowed(identity, channel) {
		return common.NewError(
			common.CodeForbidden, fmt.Sprintf("channel '%s' not permitted", channel), nil,
		)
	}
	return d.Registry.Subscribe(connID, conn.UserID, channel)
}

func (d *dispatcherImpl) Unsubscribe(connID, channel string) error {
	conn, err := d.openConnection(connID)
	if err != nil {
		return err
	}
	return d.Registry.Unsubscribe(connID, conn.UserID, channel)
}

func (d *dispatcherImpl) Subscriptions(connID string) []string {
	return d.Registry.ConnectionChannels(connID)
}

func (d *dispatcherImpl) Owner(connID string) (string, bool) {
	conn, ok := d.Manager.Get(connID)
	if !ok {
		return "", false
	}
	return conn.UserID, true
}

func (d *dispatcherImpl) Disconnect(connID string, reason connection.CloseReason) bool {
	return d.Manager.Close(connID, reason)
}

func (d *dispatcherImpl) Live() int {
	return d.Manager.Live()
}

func (d *dispatcherImpl) Start() error {
	if err := d.Limiter.StartPruning(d.params.PruneInterval); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to start limiter pruning")
		return err
	}
	if err := d.Manager.Start(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to start idle sweeper")
		return err
	}
	return nil
}

func (d *dispatcherImpl) Stop() error {
	if err := d.Manager.Stop(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to stop connection manager")
		return err
	}
	if err := d.Limiter.StopPruning(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to stop limiter pruning")
		return err
	}
	if err := d.Permissions.Close(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to close permission store")
		return err
	}
	return nil
}
