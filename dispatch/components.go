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
	"context"
	"sync"
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
)

// ParamsFromConfig dispatcher parameters from system config
func ParamsFromConfig(cfg common.SystemConfig) Params {
	return Params{
		FanoutConcurrency: cfg.Dispatch.FanoutConcurrency,
		EncryptionEnabled: cfg.Dispatch.EncryptionEnabled,
		PruneInterval:     time.Second * time.Duration(cfg.Limits.PruneInterval),
	}
}

// BuildComponents define every dispatcher component from system config. The token
// verifier and permission store are supplied by the caller.
func BuildComponents(
	cfg common.SystemConfig,
	verifier auth.TokenVerifier,
	permissions auth.PermissionStore,
	collector *metrics.Metrics,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (Components, error) {
	logTags := log.Fields{"module": "dispatch", "component": "builder"}

	auditLog, err := audit.GetLogger(audit.Params{
		MaxRecords:                  cfg.Audit.MaxRecords,
		Window:                      time.Second * time.Duration(cfg.Audit.Window),
		FrequentConnectionThreshold: cfg.Audit.FrequentConnectionThreshold,
		AuthFailureThreshold:        cfg.Audit.AuthFailureThreshold,
		OnAlert: func(alert audit.Record) {
			if name, ok := alert.Details[audit.DetailAlert].(string); ok {
				collector.SecurityAlert(name)
			}
		},
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define audit logger")
		return Components{}, err
	}

	admission, err := limiter.GetConnectionLimiter(limiter.Params{
		MaxConcurrent: cfg.Limits.MaxConcurrent,
		MaxAttempts:   cfg.Limits.MaxAttempts,
		Window:        time.Second * time.Duration(cfg.Limits.Window),
	}, rootCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection limiter")
		return Components{}, err
	}

	keys, err := encryption.GetService()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define encryption service")
		return Components{}, err
	}

	subscriptions := registry.GetSubscriptionRegistry()

	manager, err := connection.GetManager(connection.Params{
		IdleTimeout:            time.Second * time.Duration(cfg.Connection.IdleTimeout),
		KeepAliveAfter:         time.Second * time.Duration(cfg.Connection.KeepAliveAfter),
		HeartbeatCheckInterval: time.Second * time.Duration(cfg.Connection.HeartbeatCheckInterval),
		SweepInterval:          time.Second * time.Duration(cfg.Connection.SweepInterval),
		WriteTimeout:           time.Millisecond * time.Duration(cfg.Connection.WriteTimeout),
		OnUserGone:             keys.Forget,
	}, subscriptions, admission, auditLog, collector, rootCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection manager")
		return Components{}, err
	}

	sanitizer, err := payload.GetValidator(payload.Params{
		MaxSize:        cfg.Payload.MaxSize,
		MaxFieldLength: cfg.Payload.MaxFieldLength,
		MaxDepth:       cfg.Payload.MaxDepth,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define payload validator")
		return Components{}, err
	}

	return Components{
		Verifier:    verifier,
		Permissions: permissions,
		Policy: auth.NewPolicy(
			cfg.Auth.PublicChannels, cfg.Auth.AllowedOrigins, cfg.Auth.AllowAnonymous,
		),
		Limiter:    admission,
		Registry:   subscriptions,
		Manager:    manager,
		Validator:  sanitizer,
		Encryption: keys,
		Audit:      auditLog,
		Metrics:    collector,
	}, nil
}
