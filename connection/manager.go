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

package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/ssecast/audit"
	"github.com/alwitt/ssecast/common"
	"github.com/alwitt/ssecast/limiter"
	"github.com/alwitt/ssecast/metrics"
	"github.com/alwitt/ssecast/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// CloseReason why a connection was closed
type CloseReason string

// Close reasons
const (
	ReasonClientDisconnect CloseReason = "CLIENT_DISCONNECT"
	ReasonIdleTimeout      CloseReason = "IDLE_TIMEOUT"
	ReasonWriteFailure     CloseReason = "WRITE_FAILURE"
	ReasonServerShutdown   CloseReason = "SERVER_SHUTDOWN"
	ReasonInternal         CloseReason = "INTERNAL"
)

// Reserved event types
const (
	// KeepAliveEvent heartbeat frame
	KeepAliveEvent = "keepalive"
	// ConnectedEvent first frame of every stream
	ConnectedEvent = "connected"
)

// Connection one live event stream session
type Connection struct {
	ID         string
	UserID     string
	CreatedAt  time.Time
	RemoteAddr string
	// Anonymous connection holds no verified identity
	Anonymous bool
	// Permissions copied from the identity at connect time
	Permissions []string

	// lastActivity unix nano timestamp
	lastActivity atomic.Int64
	stream       EventStream
	ctx          context.Context
	cancel       context.CancelFunc
	writeLock    sync.Mutex
	// closed guarded by writeLock
	closed    bool
	closeOnce sync.Once
}

// LastActivity time of the last successful write or touch
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

// Context cancelled when the connection closes
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Done closed when the connection closes
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// HasPermission whether the connection was granted a permission
func (c *Connection) HasPermission(permission string) bool {
	for _, held := range c.Permissions {
		if held == permission {
			return true
		}
	}
	return false
}

// OpenOptions optional attributes of a new connection
type OpenOptions struct {
	RemoteAddr string
	Anonymous  bool
}

// SweepResult outcome of one idle sweep
type SweepResult struct {
	// Checked live connections examined
	Checked int
	// Reaped connections closed for being idle
	Reaped int
	// Orphaned registry entries with no live connection
	Orphaned int
}

// Manager owns every live connection
type Manager interface {
	// Open register a new connection for an admitted user. The caller already holds a
	// limiter slot for the user, which the connection releases when it closes. On
	// error the slot is still the caller's.
	Open(ctx context.Context, userID string, permissions []string, stream EventStream, opts OpenOptions) (*Connection, error)
	// Touch mark a connection as active
	Touch(connID string)
	// Write write one event to a connection. A failed write closes it.
	Write(ctx context.Context, connID, eventType string, payload []byte) error
	// Close close a connection. Returns true only for the call which closed it.
	Close(connID string, reason CloseReason) bool
	// Get fetch a live connection
	Get(connID string) (*Connection, bool)
	// Live number of live connections
	Live() int
	// Sweep close every connection idle longer than the idle timeout
	Sweep(now time.Time) SweepResult
	// Start start the background idle sweeper
	Start() error
	// Stop stop the sweeper and close every connection
	Stop() error
}

// Params connection manager parameters
type Params struct {
	// IdleTimeout connections without activity for longer are reaped
	IdleTimeout time.Duration `validate:"gt=0"`
	// KeepAliveAfter inactivity after which a keepalive frame is sent. 0 disables.
	KeepAliveAfter time.Duration `validate:"gte=0"`
	// HeartbeatCheckInterval how often each connection checks for keepalive
	HeartbeatCheckInterval time.Duration `validate:"gt=0"`
	// SweepInterval how often idle connections are reaped
	SweepInterval time.Duration `validate:"gt=0"`
	// WriteTimeout bound of one event write
	WriteTimeout time.Duration `validate:"gt=0"`
	// OnUserGone optional callback once a user's last connection closed
	OnUserGone UserGoneHandler `validate:"-"`
}

// UserGoneHandler callback on a user no longer holding any connection
type UserGoneHandler func(userID string)

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	params      Params
	registry    registry.SubscriptionRegistry
	limiter     limiter.ConnectionLimiter
	auditLog    audit.Logger
	metrics     *metrics.Metrics
	rootCtxt    context.Context
	wg          *sync.WaitGroup
	sweeper     common.IntervalTimer
	lock        sync.RWMutex
	live        map[string]*Connection
	stopped     bool
	currentTime func() time.Time
}

// GetManager define a new connection Manager
func GetManager(
	params Params,
	subscriptions registry.SubscriptionRegistry,
	admission limiter.ConnectionLimiter,
	auditLog audit.Logger,
	collector *metrics.Metrics,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (Manager, error) {
	logTags := log.Fields{"module": "connection", "component": "connection-manager"}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Invalid manager parameters %+v", params)
		return nil, err
	}
	sweeper, err := common.GetIntervalTimerInstance("idle-sweeper", rootCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define idle sweeper")
		return nil, err
	}
	return &managerImpl{
		Component:   common.Component{LogTags: logTags},
		params:      params,
		registry:    subscriptions,
		limiter:     admission,
		auditLog:    auditLog,
		metrics:     collector,
		rootCtxt:    rootCtxt,
		wg:          wg,
		sweeper:     sweeper,
		live:        make(map[string]*Connection),
		currentTime: time.Now,
	}, nil
}

func (m *managerImpl) Open(
	ctx context.Context,
	userID string,
	permissions []string,
	stream EventStream,
	opts OpenOptions,
) (*Connection, error) {
	now := m.currentTime()
	connCtxt, cancel := context.WithCancel(m.rootCtxt)
	conn := &Connection{
		ID:          uuid.NewString(),
		UserID:      userID,
		CreatedAt:   now,
		RemoteAddr:  opts.RemoteAddr,
		Anonymous:   opts.Anonymous,
		Permissions: append([]string{}, permissions...),
		stream:      stream,
		ctx:         connCtxt,
		cancel:      cancel,
	}
	conn.touch(now)
	logTags := m.ExtendLogTags(log.Fields{"conn_id": conn.ID, "user_id": userID})

	m.lock.Lock()
	if m.stopped {
		m.lock.Unlock()
		cancel()
		return nil, common.NewError(common.CodeInternal, "connection manager stopped", nil)
	}
	if err := ctx.Err(); err != nil {
		m.lock.Unlock()
		cancel()
		return nil, err
	}
	m.live[conn.ID] = conn
	m.lock.Unlock()

	if err := m.registry.Register(conn.ID, userID); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register connection")
		m.lock.Lock()
		delete(m.live, conn.ID)
		m.lock.Unlock()
		cancel()
		return nil, common.NewError(common.CodeInternal, "connection registration failed", err)
	}

	m.metrics.ConnectionOpened()
	m.wg.Add(1)
	go m.heartbeat(conn)
	log.WithFields(logTags).Debug("Opened connection")
	return conn, nil
}

// heartbeat per connection keepalive loop. Also closes the connection if its stream
// ends on its own.
func (m *managerImpl) heartbeat(conn *Connection) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.params.HeartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.ctx.Done():
			return
		case <-conn.stream.Done():
			m.Close(conn.ID, ReasonClientDisconnect)
			return
		case <-ticker.C:
			if m.params.KeepAliveAfter <= 0 {
				continue
			}
			idle := m.currentTime().Sub(conn.LastActivity())
			if idle > m.params.IdleTimeout || idle < m.params.KeepAliveAfter {
				continue
			}
			if err := m.Write(conn.ctx, conn.ID, KeepAliveEvent, nil); err != nil {
				log.WithError(err).
					WithFields(m.ExtendLogTags(log.Fields{"conn_id": conn.ID})).
					Debug("Keepalive failed")
			}
		}
	}
}

func (m *managerImpl) Touch(connID string) {
	if conn, ok := m.Get(connID); ok {
		conn.touch(m.currentTime())
	}
}

func (m *managerImpl) Write(ctx context.Context, connID, eventType string, payload []byte) error {
	conn, ok := m.Get(connID)
	if !ok {
		return common.ErrConnectionClosed
	}
	conn.writeLock.Lock()
	if conn.closed {
		conn.writeLock.Unlock()
		return common.ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		conn.writeLock.Unlock()
		return err
	}
	err := conn.stream.WriteEvent(eventType, payload, m.params.WriteTimeout)
	conn.writeLock.Unlock()

	if err != nil {
		log.WithError(err).
			WithFields(m.ExtendLogTags(log.Fields{"conn_id": connID, "event": eventType})).
			Info("Write failed, closing connection")
		m.Close(connID, ReasonWriteFailure)
		return common.NewError(common.CodeWriteFailure, "event write failed", err)
	}
	conn.touch(m.currentTime())
	return nil
}

func (m *managerImpl) Close(connID string, reason CloseReason) bool {
	conn, ok := m.Get(connID)
	if !ok {
		return false
	}
	first := false
	conn.closeOnce.Do(func() {
		first = true
		m.teardown(conn, reason)
	})
	return first
}

// teardown release everything held by a connection. Registry entries go first so no
// publish resolves a connection that is no longer live.
func (m *managerImpl) teardown(conn *Connection, reason CloseReason) {
	logTags := m.ExtendLogTags(log.Fields{
		"conn_id": conn.ID, "user_id": conn.UserID, "reason": string(reason),
	})
	channels, _ := m.registry.Deregister(conn.ID)

	m.lock.Lock()
	delete(m.live, conn.ID)
	m.lock.Unlock()

	conn.cancel()
	conn.writeLock.Lock()
	conn.closed = true
	conn.writeLock.Unlock()
	if err := conn.stream.Close(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Stream close failed")
	}
	m.limiter.Release(conn.UserID)
	m.metrics.ConnectionClosed(string(reason))
	if m.params.OnUserGone != nil && len(m.registry.ResolveUser(conn.UserID)) == 0 {
		m.params.OnUserGone(conn.UserID)
	}

	lifetime := m.currentTime().Sub(conn.CreatedAt)
	m.auditLog.Log(audit.ConnectionClosed, map[string]interface{}{
		audit.DetailUserID: conn.UserID,
		audit.DetailSource: conn.RemoteAddr,
		"conn_id":          conn.ID,
		"reason":           string(reason),
		"channels":         channels,
		"lifetime":         lifetime.String(),
	})
	log.WithFields(logTags).Debug("Closed connection")
}

func (m *managerImpl) Get(connID string) (*Connection, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	conn, ok := m.live[connID]
	return conn, ok
}

func (m *managerImpl) Live() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.live)
}

// snapshot current live connections
func (m *managerImpl) snapshot() []*Connection {
	m.lock.RLock()
	defer m.lock.RUnlock()
	result := make([]*Connection, 0, len(m.live))
	for _, conn := range m.live {
		result = append(result, conn)
	}
	return result
}

func (m *managerImpl) Sweep(now time.Time) SweepResult {
	result := SweepResult{}
	for _, conn := range m.snapshot() {
		result.Checked++
		if now.Sub(conn.LastActivity()) > m.params.IdleTimeout {
			if m.Close(conn.ID, ReasonIdleTimeout) {
				result.Reaped++
			}
		}
	}
	// Registry entries must always belong to a live connection
	for _, connID := range m.registry.ResolveAll() {
		if _, ok := m.Get(connID); ok {
			continue
		}
		// A concurrent teardown may have deregistered it after the snapshot
		channels, removed := m.registry.Deregister(connID)
		if !removed {
			continue
		}
		log.WithError(common.ErrInternal).
			WithFields(m.ExtendLogTags(log.Fields{"conn_id": connID, "channels": channels})).
			Error("Registry entry without live connection")
		result.Orphaned++
	}
	if result.Reaped > 0 || result.Orphaned > 0 {
		log.WithFields(m.LogTags).Infof(
			"Sweep checked %d, reaped %d, orphaned %d",
			result.Checked, result.Reaped, result.Orphaned,
		)
	}
	return result
}

func (m *managerImpl) Start() error {
	return m.sweeper.Start(m.params.SweepInterval, func() error {
		_ = m.Sweep(m.currentTime())
		return nil
	}, false)
}

func (m *managerImpl) Stop() error {
	m.lock.Lock()
	m.stopped = true
	m.lock.Unlock()
	if err := m.sweeper.Stop(); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to stop idle sweeper")
		return err
	}
	for _, conn := range m.snapshot() {
		m.Close(conn.ID, ReasonServerShutdown)
	}
	return nil
}
