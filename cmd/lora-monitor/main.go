// Command lora-monitor renders a live terminal dashboard of PDR, latency,
// and RSSI by subscribing to the telemetry channel both lora-tx and
// lora-rx publish to.
//
// Usage:
//
//	lora-monitor [flags]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chirpchirp/lora-link/pkg/dashboard"
	"github.com/chirpchirp/lora-link/pkg/telemetry"
)

var (
	redisAddr string
	channel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lora-monitor",
	Short: "Live PDR/latency/RSSI dashboard for the telemetry link",
	Example: `  lora-monitor --redis-addr localhost:6379 --channel lora:telemetry`,
	RunE: runMonitor,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address to subscribe to")
	f.StringVar(&channel, "channel", "lora:telemetry", "Telemetry pub/sub channel")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	samples, unsubscribe, err := telemetry.Subscribe(telemetry.Config{Addr: redisAddr, Channel: channel})
	if err != nil {
		return fmt.Errorf("lora-monitor: %w", err)
	}
	defer unsubscribe()

	return dashboard.Run(channel, samples)
}
