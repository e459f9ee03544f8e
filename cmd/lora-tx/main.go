// Command lora-tx drives the transmitter side of the telemetry link: it
// opens a serial port, performs the handshake, and then sends sensor
// readings in a stop-and-wait Query/Permit/Data/Ack cycle until told to
// stop or its message count is exhausted.
//
// Usage:
//
//	lora-tx [flags]
//
// See 'lora-tx --help' for available options.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chirpchirp/lora-link/pkg/checkpoint"
	"github.com/chirpchirp/lora-link/pkg/codec"
	"github.com/chirpchirp/lora-link/pkg/config"
	"github.com/chirpchirp/lora-link/pkg/eventlog"
	"github.com/chirpchirp/lora-link/pkg/frame"
	"github.com/chirpchirp/lora-link/pkg/link"
	"github.com/chirpchirp/lora-link/pkg/logging"
	"github.com/chirpchirp/lora-link/pkg/sample"
	"github.com/chirpchirp/lora-link/pkg/telemetry"
	"github.com/chirpchirp/lora-link/pkg/transport"
)

var (
	serialDevice     string
	baudRate         int
	modeStr          string
	retryHandshake   int
	retryPermit      int
	retryData        int
	responseTimeout  time.Duration
	interByteTimeout time.Duration
	rssiTrailer      bool
	redisAddr        string
	configPath       string
	logLevel         string
	sendCount        int
	sendRate         time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lora-tx",
	Short: "Transmitter side of the LoRa telemetry link",
	Example: `  # Send forever at one message per second, reliable mode
  lora-tx --serial /dev/ttyUSB0 --mode raw --rate 1s

  # PDR test run: 500 dummy 8-byte frames, no decode overhead
  lora-tx --serial /dev/ttyUSB0 --mode dummy:8 --count 500`,
	RunE: runTx,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&serialDevice, "serial", "", "Serial device path (overrides config)")
	f.IntVar(&baudRate, "baud", 0, "Serial baud rate (overrides config)")
	f.StringVar(&modeStr, "mode", "", "Payload mode: none, raw, zlib, bam, dummy:N (overrides config)")
	f.IntVar(&retryHandshake, "retry-handshake", 0, "Handshake retry budget (overrides config)")
	f.IntVar(&retryPermit, "retry-permit", 0, "Permit retry budget (overrides config)")
	f.IntVar(&retryData, "retry-data", 0, "Data/Ack retry budget (overrides config)")
	f.DurationVar(&responseTimeout, "response-timeout", 0, "Per-attempt response timeout (overrides config)")
	f.DurationVar(&interByteTimeout, "inter-byte-timeout", 0, "Inter-byte read timeout (overrides config)")
	f.BoolVar(&rssiTrailer, "rssi-trailer", false, "Expect a trailing RSSI byte after data frames")
	f.StringVar(&redisAddr, "redis-addr", "", "Redis address for telemetry publishing (empty disables telemetry)")
	f.StringVar(&configPath, "config", "", "Path to YAML config file")
	f.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (empty = CHIRPCHIRP_LOG_LEVEL, else silent)")
	f.IntVar(&sendCount, "count", 0, "Number of messages to send, 0 = unbounded")
	f.DurationVar(&sendRate, "rate", time.Second, "Interval between messages")
}

func runTx(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return err
	}
	applyTxFlagOverrides(cmd, cfg)

	if err := logging.Initialize(cfg.LogLevel); err != nil {
		return err
	}
	defer logging.Sync()

	mode, err := codec.ParseMode(cfg.Link.Mode)
	if err != nil {
		return fmt.Errorf("lora-tx: %w", err)
	}

	tr, err := transport.Open(transport.Config{
		Device:       cfg.Serial.Device,
		Baud:         cfg.Serial.Baud,
		InterByteGap: time.Duration(cfg.Link.InterByteTimeoutMs) * time.Millisecond,
		SurfacesRSSI: cfg.Serial.RSSITrailer,
	})
	if err != nil {
		return fmt.Errorf("lora-tx: open serial: %w", err)
	}
	defer tr.Close()
	logging.Info("serial port opened", zap.String("device", cfg.Serial.Device), zap.Int("baud", cfg.Serial.Baud))

	store := checkpoint.NewStore(cfg.Paths.CheckpointPath)
	startSeq := byte(0)
	if sess, err := store.Load(); err != nil {
		logging.Warn("checkpoint load failed, starting fresh", zap.Error(err))
	} else if sess != nil && sess.Role == "tx" {
		startSeq = sess.CurrentSeq
		logging.Info("resumed session from checkpoint", zap.Int("seq", int(startSeq)))
	}

	txLogger, err := eventlog.OpenTxLogger(eventLogPath(cfg, "tx"))
	if err != nil {
		return fmt.Errorf("lora-tx: %w", err)
	}
	defer txLogger.Close()

	var pub *telemetry.Publisher
	stopTelemetry := make(chan struct{})
	if cfg.Telemetry.RedisAddr != "" {
		pub, err = telemetry.NewPublisher(telemetry.Config{
			Addr: cfg.Telemetry.RedisAddr, Password: cfg.Telemetry.RedisPassword,
			DB: cfg.Telemetry.RedisDB, Channel: cfg.Telemetry.Channel, Role: "tx",
		})
		if err != nil {
			logging.Warn("telemetry disabled: could not connect to redis", zap.Error(err))
			pub = nil
		} else {
			defer pub.Close()
			pub.OnError(func(err error) { logging.Warn("telemetry publish failed", zap.Error(err)) })
			go pub.Run(stopTelemetry, 2*time.Second)
		}
	}

	frameCfg := frame.Config{RSSITrailer: cfg.Serial.RSSITrailer}
	budget := link.RetryBudget{Handshake: cfg.Link.RetryHandshake, Permit: cfg.Link.RetryPermit, Data: cfg.Link.RetryData}
	timeouts := link.Timeouts{
		Response:  time.Duration(cfg.Link.ResponseTimeoutMs) * time.Millisecond,
		InterByte: time.Duration(cfg.Link.InterByteTimeoutMs) * time.Millisecond,
	}

	var hook link.TelemetryHook
	if pub != nil {
		hook = pub
	}
	tx := link.NewTransmitter(tr, frameCfg, mode, budget, timeouts, txLogger, hook)
	_ = startSeq // the transmitter adopts the receiver-issued SEQ at Handshake time (spec.md §4.3)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		<-sigCh
		logging.Info("shutdown signal received")
		close(stop)
	}()

	logging.Info("handshaking")
	if err := tx.Handshake(); err != nil {
		return fmt.Errorf("lora-tx: handshake: %w", err)
	}
	logging.Info("handshake complete, link established")

	src := sample.NewMockSource(time.Now().UnixNano())
	ticker := time.NewTicker(sendRate)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-stop:
			close(stopTelemetry)
			saveCheckpoint(store, tx)
			return nil
		case <-ticker.C:
		}

		reading, err := src.Sample()
		if err != nil {
			logging.Error("sample source failed", zap.Error(err))
			continue
		}
		seqUsed := tx.CurrentSeq()
		outcome, err := tx.SendMessage(reading)
		if err != nil {
			logging.Error("send message failed", zap.Error(err))
			continue
		}
		logging.LogOutcome(seqUsed, outcome.String(), 1, nil)

		sent++
		if sendCount > 0 && sent >= sendCount {
			close(stopTelemetry)
			saveCheckpoint(store, tx)
			return nil
		}
	}
}

func applyTxFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("serial") {
		cfg.Serial.Device = serialDevice
	}
	if f.Changed("baud") {
		cfg.Serial.Baud = baudRate
	}
	if f.Changed("mode") {
		cfg.Link.Mode = modeStr
	}
	if f.Changed("retry-handshake") {
		cfg.Link.RetryHandshake = retryHandshake
	}
	if f.Changed("retry-permit") {
		cfg.Link.RetryPermit = retryPermit
	}
	if f.Changed("retry-data") {
		cfg.Link.RetryData = retryData
	}
	if f.Changed("response-timeout") {
		cfg.Link.ResponseTimeoutMs = int(responseTimeout / time.Millisecond)
	}
	if f.Changed("inter-byte-timeout") {
		cfg.Link.InterByteTimeoutMs = int(interByteTimeout / time.Millisecond)
	}
	if f.Changed("rssi-trailer") {
		cfg.Serial.RSSITrailer = rssiTrailer
	}
	if f.Changed("redis-addr") {
		cfg.Telemetry.RedisAddr = redisAddr
	}
	if f.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
}

func eventLogPath(cfg *config.Config, role string) string {
	return cfg.Paths.EventLogDir + "/" + role + "_events_" + time.Now().UTC().Format("2006-01-02") + ".csv"
}

// resolveConfigPath falls back to the OS config directory's config.yaml
// when --config was not given explicitly, matching muurk-smartap's own
// config.DefaultDir lookup precedence (explicit flag wins, otherwise check
// the standard location, otherwise built-in defaults).
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	dir, err := config.DefaultDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

func saveCheckpoint(store *checkpoint.Store, tx *link.Transmitter) {
	sess := checkpoint.Session{Role: "tx", CurrentSeq: tx.CurrentSeq()}
	if err := store.Save(sess, time.Now()); err != nil {
		logging.Warn("checkpoint save failed", zap.Error(err))
	}
}
