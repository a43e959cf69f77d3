// SPDX-License-Identifier: GPL-2.0-only

package main

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
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

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/MatthiasValvekens/usbipd/server"
)

const defaultRegistryRoot = "/var/lib/usbipd"

// initConfig defines config flags, config file, and envs, following the
// teacher's pflag+viper binding almost verbatim.
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("registry-root", defaultRegistryRoot, "Directory holding the binding registry and single-instance lock file.")
	flag.String("listen", ":3240", "The address at which to listen for USB/IP client connections.")
	flag.String("metrics-listen", ":8080", "The address at which to listen for health and metrics.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.Bool("devlist-all-connected", false, "List every connected device in OP_REQ_DEVLIST replies, not just shared ones.")
	flag.Int("transfer-buffer-cap", 16<<20, "Maximum transfer_buffer_length accepted in a CMD_SUBMIT, in bytes.")
	flag.Int("per-endpoint-inflight", 32, "Maximum concurrently submitted URBs per endpoint, per attached session.")
	flag.Int("total-inflight-bytes", 64<<20, "Maximum total outstanding payload bytes per attached session.")
	flag.String("capture-file", "", "If set, write a pcapng capture of all URB traffic to this path.")
	flag.Int("capture-queue-depth", 256, "Capacity of the capture sink's internal packet queue before packets are dropped.")
	flag.Duration("reconcile-interval", server.DefaultReconcileInterval, "How often to re-scan connected devices and cancel sessions for shared devices that vanished while attached.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usbipd/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// configuredShare is one entry of the optional `shares:` config section,
// letting an operator pre-bind devices declaratively instead of only
// through the CLI's `bind` subcommand.
type configuredShare struct {
	BusId       string `mapstructure:"busId"`
	Description string `mapstructure:"description"`
}

// getConfiguredShares decodes the `shares:` config section the same way
// the teacher decodes its `resources:` section: a raw viper value fed
// through mapstructure into a typed slice.
func getConfiguredShares() ([]configuredShare, error) {
	raw := viper.Get("shares")
	if raw == nil {
		return nil, nil
	}
	var shares []configuredShare
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &shares,
		TagName: "mapstructure",
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode shares config: %w", err)
	}
	return shares, nil
}
