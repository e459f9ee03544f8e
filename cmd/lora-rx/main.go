// Command lora-rx drives the receiver side of the telemetry link: it
// answers handshakes, permits queries, acknowledges data frames, decodes
// payloads, and archives every accepted delivery to a JSONL file alongside
// a CSV event log.
//
// Usage:
//
//	lora-rx [flags]
//
// See 'lora-rx --help' for available options.
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

	"github.com/chirpchirp/lora-link/pkg/archive"
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
	serialDevice string
	baudRate     int
	modeStr      string
	rssiTrailer  bool
	archiveDir   string
	eventLogDir  string
	checkpointPath string
	redisAddr    string
	configPath   string
	logLevel     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lora-rx",
	Short: "Receiver side of the LoRa telemetry link",
	Example: `  # Listen for a reliable-mode session and archive decoded readings
  lora-rx --serial /dev/ttyUSB0 --mode raw --archive-dir ./data`,
	RunE: runRx,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&serialDevice, "serial", "", "Serial device path (overrides config)")
	f.IntVar(&baudRate, "baud", 0, "Serial baud rate (overrides config)")
	f.StringVar(&modeStr, "mode", "", "Payload mode: none, raw, zlib, bam, dummy:N (overrides config)")
	f.BoolVar(&rssiTrailer, "rssi-trailer", false, "Expect a trailing RSSI byte after data frames")
	f.StringVar(&archiveDir, "archive-dir", "", "Directory for decoded-payload JSONL archive (overrides config)")
	f.StringVar(&eventLogDir, "event-log-dir", "", "Directory for the receiver CSV event log (overrides config)")
	f.StringVar(&checkpointPath, "checkpoint-path", "", "Path to the session checkpoint file (overrides config)")
	f.StringVar(&redisAddr, "redis-addr", "", "Redis address for telemetry publishing (empty disables telemetry)")
	f.StringVar(&configPath, "config", "", "Path to YAML config file")
	f.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (empty = CHIRPCHIRP_LOG_LEVEL, else silent)")
}

func runRx(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return err
	}
	applyRxFlagOverrides(cmd, cfg)

	if err := logging.Initialize(cfg.LogLevel); err != nil {
		return err
	}
	defer logging.Sync()

	mode, err := codec.ParseMode(cfg.Link.Mode)
	if err != nil {
		return fmt.Errorf("lora-rx: %w", err)
	}

	tr, err := transport.Open(transport.Config{
		Device:       cfg.Serial.Device,
		Baud:         cfg.Serial.Baud,
		InterByteGap: time.Duration(cfg.Link.InterByteTimeoutMs) * time.Millisecond,
		SurfacesRSSI: cfg.Serial.RSSITrailer,
	})
	if err != nil {
		return fmt.Errorf("lora-rx: open serial: %w", err)
	}
	defer tr.Close()
	logging.Info("serial port opened", zap.String("device", cfg.Serial.Device), zap.Int("baud", cfg.Serial.Baud))

	store := checkpoint.NewStore(cfg.Paths.CheckpointPath)
	var startSeq byte
	var loadedSess *checkpoint.Session
	if sess, err := store.Load(); err != nil {
		logging.Warn("checkpoint load failed, starting fresh", zap.Error(err))
	} else if sess != nil && sess.Role == "rx" {
		startSeq = sess.CurrentSeq
		loadedSess = sess
		logging.Info("resumed session from checkpoint",
			zap.Int("seq", int(startSeq)),
			zap.Int64("attempted", sess.AttemptedCount),
			zap.Int64("received", sess.ReceivedCount),
			zap.Int64("delivered", sess.DeliveredCount))
	}

	rxLogger, err := eventlog.OpenRxLogger(eventLogPath(cfg))
	if err != nil {
		return fmt.Errorf("lora-rx: %w", err)
	}
	defer rxLogger.Close()

	arc, err := archive.NewWriter(cfg.Paths.ArchiveDir)
	if err != nil {
		return fmt.Errorf("lora-rx: %w", err)
	}
	defer arc.Close()

	var pub *telemetry.Publisher
	stopTelemetry := make(chan struct{})
	if cfg.Telemetry.RedisAddr != "" {
		pub, err = telemetry.NewPublisher(telemetry.Config{
			Addr: cfg.Telemetry.RedisAddr, Password: cfg.Telemetry.RedisPassword,
			DB: cfg.Telemetry.RedisDB, Channel: cfg.Telemetry.Channel, Role: "rx",
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
	onData := func(seq byte, payload []byte, rssiDbm *int) {
		if pub != nil {
			pub.ObserveOutcome(link.Delivered, 1, rssiDbm)
		}
		decoded, err := codec.Decode(payload, mode)
		if err != nil {
			decoded = map[string]string{"undecodable": err.Error()}
		}
		// Latency is (now - sample.ts)*1000 per spec.md §6: only a decoded
		// sample.Sample carries its own capture timestamp. Other decode
		// results (Bam stub, dummy bytes, a failed decode) have none, so
		// the archive records a zero latency for them rather than guessing.
		var sampleTS time.Time
		if s, ok := decoded.(sample.Sample); ok {
			sampleTS = s.Time()
		}
		if err := arc.Append(decoded, seq, len(payload), rssiDbm, sampleTS); err != nil {
			logging.Warn("archive append failed", zap.Error(err))
		}
	}

	var hook link.TelemetryHook
	if pub != nil {
		hook = pub
	}
	rx := link.NewReceiver(tr, frameCfg, mode, onData, rxLogger, hook)
	rx.SetInitialSeq(startSeq)
	if loadedSess != nil {
		rx.RestoreCounters(loadedSess.AttemptedCount, loadedSess.ReceivedCount, loadedSess.DeliveredCount, loadedSess.ConsecutiveUnexpectedSyn)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		<-sigCh
		logging.Info("shutdown signal received")
		close(stop)
	}()

	// Periodically persist the checkpoint so a crash doesn't lose more than
	// one interval's worth of SEQ continuity and PDR accounting.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := store.Save(rxCheckpoint(rx), time.Now()); err != nil {
					logging.Warn("checkpoint save failed", zap.Error(err))
				}
			}
		}
	}()

	logging.Info("listening for handshake")
	err = rx.Run(stop)
	close(stopTelemetry)
	if err := store.Save(rxCheckpoint(rx), time.Now()); err != nil {
		logging.Warn("final checkpoint save failed", zap.Error(err))
	}
	return err
}

func rxCheckpoint(rx *link.Receiver) checkpoint.Session {
	return checkpoint.Session{
		Role:                     "rx",
		CurrentSeq:               rx.AckSeq(),
		AttemptedCount:           rx.AttemptedCount(),
		ReceivedCount:            rx.ReceivedCount(),
		DeliveredCount:           rx.DeliveredCount(),
		ConsecutiveUnexpectedSyn: rx.ConsecutiveUnexpectedSyn(),
	}
}

func applyRxFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
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
	if f.Changed("rssi-trailer") {
		cfg.Serial.RSSITrailer = rssiTrailer
	}
	if f.Changed("archive-dir") {
		cfg.Paths.ArchiveDir = archiveDir
	}
	if f.Changed("event-log-dir") {
		cfg.Paths.EventLogDir = eventLogDir
	}
	if f.Changed("checkpoint-path") {
		cfg.Paths.CheckpointPath = checkpointPath
	}
	if f.Changed("redis-addr") {
		cfg.Telemetry.RedisAddr = redisAddr
	}
	if f.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
}

func eventLogPath(cfg *config.Config) string {
	return cfg.Paths.EventLogDir + "/rx_events_" + time.Now().UTC().Format("2006-01-02") + ".csv"
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
