package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/StricklySoft/tauth/internal/server"
	"github.com/StricklySoft/tauth/pkg/config"
)

func configCheck(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	w := cmd.Root().Writer
	for _, e := range config.Describe(cfg, server.EnvPrefix) {
		if _, err := fmt.Fprintf(w, "%s=%s\n", e.Key, e.Value); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(w, "configuration is valid")
	return err
}
