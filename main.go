package main

import (
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/portfan/portfan/conf"
	"github.com/portfan/portfan/fwd"
)

var Version = "dev"

var (
	flagBufferKiB   int
	flagWorkers     int
	flagConfig      string
	flagIdleTimeout time.Duration
	flagVerbose     bool
)

var rootCmd = &cobra.Command{
	Use:          "portfan [flags] [SPORT:HOST:PORT[,HOST:PORT...] ...]",
	Short:        "Multi-target TCP port forwarder with live throughput metering",
	Version:      Version,
	Args:         cobra.ArbitraryArgs,
	RunE:         run,
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().IntVarP(&flagBufferKiB, "buffer", "b", conf.DefaultBufferKiB, "relay buffer size in KiB")
	rootCmd.Flags().IntVarP(&flagWorkers, "workers", "t", conf.DefaultWorkers, "relay worker pool size")
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "YAML config file with forwards")
	rootCmd.Flags().DurationVar(&flagIdleTimeout, "idle-timeout", 0, "close conns idle longer than this (0 disables)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

// buildConfig layers defaults, the optional config file, and explicit CLI
// flags/args, in that order. CLI rules shadow file rules on the same port.
func buildConfig(cmd *cobra.Command, args []string) (*conf.Config, error) {
	cfg := conf.Default()

	var fileFwds []conf.Forward
	if flagConfig != "" {
		f, err := conf.LoadFile(flagConfig)
		if err != nil {
			return nil, err
		}
		if f.BufferKiB > 0 {
			cfg.BufferSize = f.BufferKiB * 1024
		}
		if f.Workers > 0 {
			cfg.Workers = f.Workers
		}
		idle, err := f.ParseIdleTimeout()
		if err != nil {
			return nil, err
		}
		cfg.IdleTimeout = idle

		fileFwds, err = f.ParseForwards()
		if err != nil {
			return nil, err
		}
	}

	if cmd.Flags().Changed("buffer") {
		cfg.BufferSize = flagBufferKiB * 1024
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = flagWorkers
	}
	if cmd.Flags().Changed("idle-timeout") {
		cfg.IdleTimeout = flagIdleTimeout
	}

	cliFwds, err := conf.ParseForwards(args)
	if err != nil {
		return nil, err
	}
	cfg.Forwards = conf.Merge(cliFwds, fileFwds)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	if flagVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "01-02 15:04:05",
	})

	cfg, err := buildConfig(cmd, args)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"buffer":  cfg.BufferSize,
		"workers": cfg.Workers,
	}).Info("starting")
	for _, rule := range cfg.Forwards {
		logrus.WithField("rule", rule.String()).Info("forward")
	}

	engine, bindErr := fwd.Run(cfg)
	if engine == nil {
		return bindErr
	}
	if bindErr != nil {
		logrus.WithError(bindErr).Error("some rules failed to start")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGINT, unix.SIGTERM)
	sig := <-sigChan
	logrus.WithField("signal", sig).Info("shutting down")

	engine.Shutdown()

	// a partially started engine still drains cleanly, but the run as a
	// whole was not healthy
	if bindErr != nil {
		os.Exit(1)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
