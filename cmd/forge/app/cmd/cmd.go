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
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	verbosity  string
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "A service that builds OpenWrt firmware images on demand.",
}

func NewForgeCommand(out, stderr io.Writer) *cobra.Command {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return SetUpLogs(stderr, verbosity)
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(stderr)

	rootCmd.AddCommand(NewCmdServe(out))
	rootCmd.AddCommand(NewCmdPrepare(out))
	rootCmd.AddCommand(NewCmdVersion(out))

	rootCmd.PersistentFlags().StringVarP(&verbosity, "verbosity", "v", logrus.InfoLevel.String(),
		"Log level (debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"Path to the configuration file")
	return rootCmd
}

func SetUpLogs(out io.Writer, level string) error {
	logrus.SetOutput(out)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logrus.SetLevel(lvl)
	return nil
}
