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
	"fmt"
	"io"
	"time"

	"github.com/alwitt/ssecast/auth"
	"github.com/alwitt/ssecast/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// TokenCLIArgs arguments of the token subcommand
type TokenCLIArgs struct {
	UserID      string `validate:"required"`
	Permissions cli.StringSlice `validate:"-"`
	TTL         time.Duration `validate:"gt=0"`
}

// GetTokenCLIFlags retrieve the set of CMD flags for the token subcommand
func GetTokenCLIFlags(args *TokenCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Usage:       "User ID carried as the token subject",
			Aliases:     []string{"u"},
			EnvVars:     []string{"TOKEN_USER"},
			Destination: &args.UserID,
			Required:    true,
		},
		&cli.StringSliceFlag{
			Name:        "permission",
			Usage:       "Permission granted by the token, ex. publish or channel:news. Repeatable.",
			Aliases:     []string{"p"},
			Destination: &args.Permissions,
			Required:    false,
		},
		&cli.DurationFlag{
			Name:        "ttl",
			Usage:       "Token lifetime",
			Aliases:     []string{"t"},
			EnvVars:     []string{"TOKEN_TTL"},
			Value:       time.Hour,
			DefaultText: "1h",
			Destination: &args.TTL,
			Required:    false,
		},
	}
}

// MintToken sign a token with the server's JWT config and write it out
func MintToken(args *TokenCLIArgs, config common.JWTConfig, out io.Writer) error {
	logTags := log.Fields{"module": "cmd", "component": "token"}

	validate := validator.New()
	if err := validate.Struct(args); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	token, err := auth.SignToken(auth.TokenParams{
		Secret:      config.SecretKey,
		UserID:      args.UserID,
		Permissions: args.Permissions.Value(),
		TTL:         args.TTL,
		Issuer:      config.Issuer,
		Audience:    config.Audience,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to sign token for %s", args.UserID)
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
