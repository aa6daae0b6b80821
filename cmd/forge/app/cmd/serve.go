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
	"golang.org/x/sync/errgroup"

	"github.com/openwrt/forge/pkg/forge/build"
	"github.com/openwrt/forge/pkg/forge/config"
	"github.com/openwrt/forge/pkg/forge/docker"
	"github.com/openwrt/forge/pkg/forge/queue"
	"github.com/openwrt/forge/pkg/forge/request"
	"github.com/openwrt/forge/pkg/forge/server"
	"github.com/openwrt/forge/pkg/forge/store"
	"github.com/openwrt/forge/pkg/forge/version"
)

func NewCmdServe(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the build service: HTTP API, worker pool and janitor.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("verbosity") {
		if err := SetUpLogs(cmd.ErrOrStderr(), cfg.LogLevel); err != nil {
			return err
		}
	}
	logrus.WithField("version", version.Get().Version).Info("forge starting")

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	driver, err := docker.NewDriver(cfg.ContainerSocketPath)
	if err != nil {
		return err
	}

	builder := build.New(driver, st, build.Config{
		Registry:      cfg.ImageBuilderRegistry,
		StorePath:     cfg.StorePath,
		AllowDefaults: cfg.AllowDefaults,
	})

	dispatcher := queue.NewDispatcher(st, builder, queue.Options{
		Workers:         cfg.WorkerConcurrent,
		MaxPending:      cfg.MaxPendingJobs,
		Poll:            cfg.WorkerPoll(),
		JobTimeout:      cfg.JobTimeout(),
		BuildTTL:        cfg.BuildTTL(),
		FailureTTL:      cfg.FailureTTL(),
		JanitorInterval: cfg.JanitorInterval(),
	})

	srv := server.New(st, dispatcher, server.Config{
		Limits: request.Limits{
			MaxDefaultsLength: cfg.MaxDefaultsLength,
			MaxRootfsSizeMB:   cfg.MaxCustomRootfsSizeMB,
			AllowDefaults:     cfg.AllowDefaults,
		},
		StorePath: cfg.StorePath,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.ListenAddr()) })
	return g.Wait()
}
