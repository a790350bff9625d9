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
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/alwitt/ssecast/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestStaticPermissionStore(t *testing.T) {
	assert := assert.New(t)

	table := map[string][]string{"alice": {"channel:news"}}
	uut := NewStaticPermissionStore(table)
	table["alice"][0] = "changed"

	permissions, err := uut.Permissions(context.Background(), "alice")
	assert.Nil(err)
	assert.Equal([]string{"channel:news"}, permissions)
	permissions, err = uut.Permissions(context.Background(), "bob")
	assert.Nil(err)
	assert.Empty(permissions)
	assert.Nil(uut.Close())
}

func TestRedisPermissionStore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	mr, err := miniredis.Run()
	assert.Nil(err)
	defer mr.Close()
	ctxt := context.Background()

	cfg := common.RedisConfig{Addr: mr.Addr(), KeyPrefix: "ssecast:perms:", Timeout: 500}

	// Case 0: bad config
	_, err = GetRedisPermissionStore(ctxt, common.RedisConfig{Addr: mr.Addr(), Timeout: 500})
	assert.NotNil(err)

	uut, err := GetRedisPermissionStore(ctxt, cfg)
	assert.Nil(err)
	defer func() { assert.Nil(uut.Close()) }()

	// Case 1: unknown user
	permissions, err := uut.Permissions(ctxt, "alice")
	assert.Nil(err)
	assert.Empty(permissions)

	// Case 2: granted set
	_, err = mr.SAdd("ssecast:perms:alice", "channel:news", "publish")
	assert.Nil(err)
	permissions, err = uut.Permissions(ctxt, "alice")
	assert.Nil(err)
	assert.ElementsMatch([]string{"channel:news", "publish"}, permissions)

	// Case 3: wrong key type
	assert.Nil(mr.Set("ssecast:perms:bob", "oops"))
	_, err = uut.Permissions(ctxt, "bob")
	assert.True(errors.Is(err, common.ErrInternal))

	// Case 4: server gone
	mr.Close()
	_, err = uut.Permissions(ctxt, "alice")
	assert.NotNil(err)
}

func TestGetPermissionStore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt := context.Background()

	// Case 0: none
	uut, err := GetPermissionStore(ctxt, common.AuthConfig{PermissionStore: StoreNone})
	assert.Nil(err)
	permissions, err := uut.Permissions(ctxt, "alice")
	assert.Nil(err)
	assert.Empty(permissions)

	// Case 1: static
	uut, err = GetPermissionStore(ctxt, common.AuthConfig{
		PermissionStore: StoreStatic, StaticPermissions: map[string][]string{"alice": {"publish"}},
	})
	assert.Nil(err)
	permissions, err = uut.Permissions(ctxt, "alice")
	assert.Nil(err)
	assert.Equal([]string{"publish"}, permissions)

	// Case 2: redis without config
	_, err = GetPermissionStore(ctxt, common.AuthConfig{PermissionStore: StoreRedis})
	assert.NotNil(err)

	// Case 3: redis
	mr, err := miniredis.Run()
	assert.Nil(err)
	defer mr.Close()
	uut, err = GetPermissionStore(ctxt, common.AuthConfig{
		PermissionStore: StoreRedis,
		Redis:           &common.RedisConfig{Addr: mr.Addr(), KeyPrefix: "p:", Timeout: 500},
	})
	assert.Nil(err)
	assert.Nil(uut.Close())

	// Case 4: unknown
	_, err = GetPermissionStore(ctxt, common.AuthConfig{PermissionStore: "ldap"})
	assert.NotNil(err)
}
