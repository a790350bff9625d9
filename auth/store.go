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

package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/ssecast/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
)

// Permission store types
const (
	StoreNone   = "none"
	StoreStatic = "static"
	StoreRedis  = "redis"
)

// PermissionStore source of permissions granted to a user beyond those in its token
type PermissionStore interface {
	// Permissions fetch the extra permissions of a user
	Permissions(ctx context.Context, userID string) ([]string, error)
	// Close release the store's resources
	Close() error
}

// staticStore fixed permission table from config
type staticStore struct {
	table map[string][]string
}

// NewStaticPermissionStore define a PermissionStore over a fixed table. A nil table
// grants nothing.
func NewStaticPermissionStore(table map[string][]string) PermissionStore {
	copied := make(map[string][]string, len(table))
	for userID, permissions := range table {
		copied[userID] = append([]string{}, permissions...)
	}
	return &staticStore{table: copied}
}

func (s *staticStore) Permissions(_ context.Context, userID string) ([]string, error) {
	return append([]string{}, s.table[userID]...), nil
}

func (s *staticStore) Close() error {
	return nil
}

// redisStore permission sets kept as Redis sets, one per user
type redisStore struct {
	common.Component
	client    *redis.Client
	keyPrefix string
	timeout   time.Duration
}

// GetRedisPermissionStore define a PermissionStore backed by Redis. User permissions
// are read from the set at <key_prefix><user ID>.
func GetRedisPermissionStore(ctx context.Context, cfg common.RedisConfig) (PermissionStore, error) {
	logTags := log.Fields{"module": "auth", "component": "redis-permission-store"}
	if err := validator.New().Struct(&cfg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid redis config")
		return nil, err
	}
	timeout := time.Millisecond * time.Duration(cfg.Timeout)
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	pingCtxt, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtxt).Err(); err != nil {
		_ = client.Close()
		log.WithError(err).WithFields(logTags).Errorf("Unable to reach redis at %s", cfg.Addr)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &redisStore{
		Component: common.Component{LogTags: logTags},
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		timeout:   timeout,
	}, nil
}

func (s *redisStore) Permissions(ctx context.Context, userID string) ([]string, error) {
	callCtxt, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	permissions, err := s.client.SMembers(callCtxt, s.keyPrefix+userID).Result()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Permission lookup failed for %s", userID)
		return nil, common.NewError(common.CodeInternal, "permission lookup failed", err)
	}
	return permissions, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

// GetPermissionStore define the PermissionStore selected by config
func GetPermissionStore(ctx context.Context, cfg common.AuthConfig) (PermissionStore, error) {
	switch cfg.PermissionStore {
	case StoreNone, "":
		return NewStaticPermissionStore(nil), nil
	case StoreStatic:
		return NewStaticPermissionStore(cfg.StaticPermissions), nil
	case StoreRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("permission store %q requires redis config", StoreRedis)
		}
		return GetRedisPermissionStore(ctx, *cfg.Redis)
	}
	return nil, fmt.Errorf("unknown permission store %q", cfg.PermissionStore)
}
