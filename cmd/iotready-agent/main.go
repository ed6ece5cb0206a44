// Copyright 2026 IoTReady s.r.l.
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

// iotready-agent is a reference device agent: it connects a device identity
// to the cloud, registers a few demo resources and logs everything the
// session does. Useful for provisioning checks and protocol debugging.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	iotready "github.com/iotready/device-go"
)

var (
	flagConfig      string
	flagDeviceID    string
	flagKeyFile     string
	flagForceTCP    bool
	flagMetricsAddr string
	flagVerbose     bool
)

func main() {
	root := &cobra.Command{
		Use:   "iotready-agent",
		Short: "Connect a device to the IoTReady cloud and serve demo resources",
		RunE:  runAgent,
	}
	root.Flags().StringVarP(&flagConfig, "config", "c", "", "YAML config file")
	root.Flags().StringVar(&flagDeviceID, "device-id", "", "24-char hex device id")
	root.Flags().StringVar(&flagKeyFile, "key", "", "device private key (PEM or DER)")
	root.Flags().BoolVar(&flagForceTCP, "tcp", false, "use the TCP+RSA transport")
	root.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	root.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("agent failed")
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	if flagVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := &iotready.Config{}
	if flagConfig != "" {
		loaded, err := iotready.LoadConfig(flagConfig)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if flagForceTCP {
		cfg.ForceTCP = true
	}

	key, err := os.ReadFile(flagKeyFile)
	if err != nil {
		return err
	}

	cloud := iotready.New(*cfg)
	if err := cloud.Begin(flagDeviceID, key); err != nil {
		return err
	}

	cloud.OnEvent(func(ev iotready.Event) {
		entry := logrus.WithField("event", string(ev.Kind))
		if ev.Name != "" {
			entry = entry.WithField("name", ev.Name)
		}
		if ev.Err != nil {
			entry.WithError(ev.Err).Warn("session event")
			return
		}
		entry.Info("session event")
	})

	// demo resources so a fresh device has something to poke at
	start := time.Now()
	cloud.Get("uptime", iotready.VarInt, func(string) (interface{}, error) {
		return int32(time.Since(start).Seconds()), nil
	})
	cloud.Post("echo", func(cmdArgs string, caller string) (int32, error) {
		logrus.WithField("args", cmdArgs).WithField("caller", caller).Info("echo called")
		return int32(len(cmdArgs)), nil
	})
	cloud.File("agent.yaml", "text/yaml", func(string) ([]byte, error) {
		if flagConfig == "" {
			return []byte("{}"), nil
		}
		return os.ReadFile(flagConfig)
	})

	if flagMetricsAddr != "" {
		iotready.RegisterMetrics(prometheus.DefaultRegisterer)
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(flagMetricsAddr, nil); err != nil {
				logrus.WithError(err).Error("metrics listener failed")
			}
		}()
	}

	if err := cloud.Connect(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logrus.Info("shutting down")
	cloud.Disconnect()
	return nil
}
