/*
Copyright 2025 The Forge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"context"
	"io"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openwrt/forge/pkg/forge/config"
	"github.com/openwrt/forge/pkg/forge/request"
	"github.com/openwrt/forge/pkg/forge/server"
)

// The prepare deployment serves only the resolver endpoint. It needs neither
// the container runtime nor the job store, so it can run anywhere.
func NewCmdPrepare(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "prepare",
		Short: "Run the standalone package-resolution service.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrepare(cmd)
		},
	}
}

func runPrepare(cmd *cobra.Command) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("verbosity") {
		if err := SetUpLogs(cmd.ErrOrStderr(), cfg.LogLevel); err != nil {
			return err
		}
	}
	logrus.Info("forge prepare service starting")

	srv := server.New(nil, nil, server.Config{
		Limits: request.Limits{
			MaxDefaultsLength: cfg.MaxDefaultsLength,
			MaxRootfsSizeMB:   cfg.MaxCustomRootfsSizeMB,
			AllowDefaults:     cfg.AllowDefaults,
		},
		PrepareOnly: true,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx, cfg.ListenAddr())
}
