// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/owtaylor/envfs/internal/logger"
)

var (
	logSeverity string
	logFormat   string
	logFile     string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "envfs CONTAINER_PID MOUNT_POINT STUB_RUNNER",
	Short: "Mount read-only raw/exe views of a running container's root filesystem",
	Long: `envfs mounts a FUSE filesystem exposing a running container's root
filesystem in two read-only views: raw/, a faithful mirror, and exe/,
the same tree with every executable regular file replaced by the
STUB_RUNNER binary, so running such a file from the host runs the stub.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Init(logger.Config{
			Severity: logSeverity,
			Format:   logFormat,
			FilePath: logFile,
		}); err != nil {
			return fmt.Errorf("configuring logging: %w", err)
		}

		pid, err := parseContainerPID(args[0])
		if err != nil {
			return err
		}

		return runMount(mountArgs{
			ContainerPID: pid,
			MountPoint:   args[1],
			StubRunner:   args[2],
			MetricsAddr:  metricsAddr,
		})
	},
}

// parseContainerPID requires args[0] to be nothing but decimal digits,
// per the strict-parsing resolution: a value like "123abc" or "-1" is
// rejected outright rather than silently truncated by a looser scanner.
func parseContainerPID(s string) (int, error) {
	pid, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid CONTAINER_PID %q: %w", s, err)
	}
	return int(pid), nil
}

// Execute runs the root command, returning the first error encountered.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logSeverity, "log-severity", logger.INFO,
		"minimum severity to log: trace, debug, info, warning, error, or off")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"log output format: text or json")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"file to log to; defaults to stderr")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", ":9090",
		"address to serve Prometheus metrics on at /metrics; empty disables it")
}
