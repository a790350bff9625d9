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
	"github.com/golang-jwt/jwt/v5"
)

// Identity verified caller identity
type Identity struct {
	UserID      string
	Permissions []string
	// Anonymous identity was not established by a token
	Anonymous bool
}

// TokenVerifier verifies caller supplied credentials
type TokenVerifier interface {
	// Verify check a bearer token, returning the identity it carries
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims bearer token claims. The user ID is the token subject.
type Claims struct {
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// jwtVerifier implements TokenVerifier with HS256 tokens
type jwtVerifier struct {
	common.Component
	secret []byte
	parser *jwt.Parser
}

// GetJWTVerifier define a new HS256 TokenVerifier
func GetJWTVerifier(cfg common.JWTConfig) (TokenVerifier, error) {
	logTags := log.Fields{"module": "auth", "component": "jwt-verifier"}
	if err := validator.New().Struct(&cfg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid JWT config")
		return nil, err
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(time.Second * time.Duration(cfg.Leeway)),
	}
	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		options = append(options, jwt.WithAudience(cfg.Audience))
	}
	return &jwtVerifier{
		Component: common.Component{LogTags: logTags},
		secret:    []byte(cfg.SecretKey),
		parser:    jwt.NewParser(options...),
	}, nil
}

func (v *jwtVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, common.NewError(common.CodeUnauthenticated, "no token", nil)
	}
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		log.WithError(err).WithFields(v.LogTags).Debug("Token rejected")
		return Identity{}, common.NewError(common.CodeUnauthenticated, "invalid token", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, common.NewError(common.CodeUnauthenticated, "token has no subject", nil)
	}
	return Identity{
		UserID: claims.Subject, Permissions: append([]string{}, claims.Permissions...),
	}, nil
}

// TokenParams parameters of a newly minted token
type TokenParams struct {
	Secret      string        `validate:"required,min=32"`
	UserID      string        `validate:"required"`
	Permissions []string      `validate:"-"`
	TTL         time.Duration `validate:"gt=0"`
	Issuer      string
	Audience    string
}

// SignToken mint an HS256 token verifiable by GetJWTVerifier
func SignToken(params TokenParams) (string, error) {
	if err := validator.New().Struct(&params); err != nil {
		return "", err
	}
	now := time.Now()
	claims := &Claims{
		Permissions: params.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   params.UserID,
			Issuer:    params.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(params.TTL)),
		},
	}
	if params.Audience != "" {
		claims.Audience = jwt.ClaimStrings{params.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(params.Secret))
}
