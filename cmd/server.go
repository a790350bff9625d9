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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/ssecast/apis"
	"github.com/alwitt/ssecast/auth"
	"github.com/alwitt/ssecast/common"
	"github.com/alwitt/ssecast/dispatch"
	"github.com/alwitt/ssecast/metrics"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DefineBroadcastRouter build the broadcast server router. Returns the dispatcher so
// the caller controls its lifecycle.
func DefineBroadcastRouter(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) (*mux.Router, dispatch.Dispatcher, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broadcast",
		"instance":  instance,
	}

	verifier, err := auth.GetJWTVerifier(config.Auth.JWT)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token verifier")
		return nil, nil, err
	}
	permissions, err := auth.GetPermissionStore(runTimeContext, config.Auth)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define %s permission store", config.Auth.PermissionStore,
		)
		return nil, nil, err
	}

	var collector *metrics.Metrics
	if config.Metrics.Enabled {
		collector = metrics.New(config.Metrics)
	}

	components, err := dispatch.BuildComponents(
		*config, verifier, permissions, collector, runTimeContext, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher components")
		return nil, nil, err
	}
	core, err := dispatch.GetDispatcher(dispatch.ParamsFromConfig(*config), components)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher")
		return nil, nil, err
	}

	httpHandler, err := apis.GetAPIRestBroadcastHandler(
		runTimeContext,
		&config.HTTPSetting,
		config.Payload.MaxSize,
		core,
		verifier,
		permissions,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return nil, nil, err
	}

	router := mux.NewRouter()
	_ = apis.RegisterBroadcastRoutes(router, config.Endpoints.PathPrefix, httpHandler)
	if collector != nil {
		router.Handle(config.Metrics.Path, collector.Handler()).Methods("GET")
	}
	return router, core, nil
}

// RunBroadcastServer run the broadcast server until the runtime context is cancelled
func RunBroadcastServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broadcast",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	router, core, err := DefineBroadcastRouter(localCtxt, config, instance, wg)
	if err != nil {
		return err
	}
	if err := core.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start dispatcher")
		return err
	}
	defer func() {
		if err := core.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during dispatcher stop")
		}
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverCfg := config.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	// No server write timeout, event streams are long lived. Each stream write
	// carries its own deadline.
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:     h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown so open event streams end
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	serveErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serveErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	var result error
	select {
	case <-runTimeContext.Done():
	case result = <-serveErr:
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(
			context.Background(), time.Second*time.Duration(serverCfg.ShutdownTimeout),
		)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return result
}
