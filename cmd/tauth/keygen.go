package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/token"
)

// keygenLegacy prints a fresh MELT_ key without storing it. The admin
// route POST /api/clients/{client}/tokens issues and stores one in a
// single step.
func keygenLegacy(_ context.Context, cmd *cli.Command) error {
	key, err := token.GenerateLegacyKey(cmd.String("scope"), cmd.String("name"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.Root().Writer, key.String())
	return err
}

// keygenHash prints the value stored as an internal key's hash.
func keygenHash(_ context.Context, cmd *cli.Command) error {
	salt := cmd.String("salt")
	if salt == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		salt = cfg.SecretKey
	}
	if salt == "" {
		return sserr.New(sserr.CodeInternalConfiguration, "no salt: pass --salt or set TAUTH_SECRET_KEY")
	}
	_, err := fmt.Fprintln(cmd.Root().Writer, token.HashSecret(cmd.String("secret"), salt))
	return err
}
