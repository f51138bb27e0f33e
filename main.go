package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jpillora/sizestr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	config, verbose, configErr := parseConfig(os.Args[1:])
	if errors.Is(configErr, flag.ErrHelp) {
		return
	}

	stdout := zapcore.Lock(os.Stdout)
	log := newLogger(verbose, stdout)
	defer func() { _ = log.Sync() }()

	if configErr != nil {
		log.Fatalw("configuration error", "error", configErr)
	}

	log.Infow("hexproxy starting",
		"listen", config.ListenAddress,
		"target", config.TargetAddress,
		"dump_c2s", config.DumpClientToServer,
		"dump_s2c", config.DumpServerToClient,
		"dump_file", config.DumpFile,
	)

	eventChannel := make(chan ListenerEvent, 100)
	osSignalChannel := make(chan os.Signal, 1)
	signal.Notify(osSignalChannel, os.Interrupt, syscall.SIGTERM)

	proxy, proxyErr := NewProxy(config, stdout, eventChannel)
	if proxyErr != nil {
		log.Fatalw("failed to start proxy", "error", proxyErr)
	}
	log.Infow("listening", "addr", proxy.Addr().String())

	// Events must keep flowing while the proxy shuts down, so Close runs on its own.
	closed := make(chan struct{})
	var closeOnce sync.Once
	shutdown := func() {
		closeOnce.Do(func() {
			go func() {
				if err := proxy.Close(); err != nil {
					log.Warnw("error while closing proxy", "error", err)
				}
				close(closed)
			}()
		})
	}

	exitCode := 0
	for {
		select {
		case sig := <-osSignalChannel:
			log.Infow("received signal, shutting down", "signal", sig.String())
			signal.Stop(osSignalChannel)
			shutdown()
		case <-closed:
			_ = log.Sync()
			os.Exit(exitCode)
		case event := <-eventChannel:
			if _, stopped := event.(ListenerStoppedEvent); stopped {
				exitCode = 1
				shutdown()
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *zap.SugaredLogger, event ListenerEvent) {
	switch e := event.(type) {
	case ConnectionAcceptedEvent:
		log.Infow("accepted connection", "conn", e.Name, "peer", e.Peer.String())
	case TargetConnectedEvent:
		log.Infow("connected to target", "conn", e.Name, "peer", e.Peer.String(), "target", e.Target)
	case TargetConnectFailedEvent:
		log.Errorw("failed to connect to target",
			"conn", e.Name, "peer", e.Peer.String(), "target", e.Target, "error", e.Error)
	case ConnectionClosedEvent:
		if e.Error != nil {
			log.Warnw("connection error during forwarding", "conn", e.Name, "peer", e.Peer.String(), "error", e.Error)
		}
		log.Infow("connection closed",
			"conn", e.Name,
			"peer", e.Peer.String(),
			"client_to_server", e.ClientToServer,
			"server_to_client", e.ServerToClient,
			"total", sizestr.ToString(e.ClientToServer+e.ServerToClient),
		)
	case AcceptErrorEvent:
		log.Errorw("failed to accept connection", "error", e.Error)
	case ListenerStoppedEvent:
		log.Errorw("listener stopped", "error", e.Error)
	}
}

// Log lines and console dumps go to the same stdout sink, so a log line is never written
// in the middle of a dump.
func newLogger(verbose bool, out zapcore.WriteSyncer) *zap.SugaredLogger {
	encoderConfig := zap.NewProductionEncoderConfig()
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	options := []zap.Option{zap.ErrorOutput(zapcore.Lock(os.Stderr))}
	if verbose {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		level.SetLevel(zapcore.DebugLevel)
		options = append(options, zap.Development(), zap.AddCaller())
	}
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), out, level)
	return zap.New(core, options...).Sugar()
}

// Build the configuration from, in increasing order of precedence: the config file (or
// HEXPROXY_CONFIG), HEXPROXY_* environment variables and explicitly set flags.
func parseConfig(args []string) (Config, bool, error) {
	flags := flag.NewFlagSet("hexproxy", flag.ContinueOnError)

	var fromFlags Config
	flags.StringVar(&fromFlags.ListenAddress, "listen", "", "Listen address (host:port)")
	flags.StringVar(&fromFlags.TargetAddress, "target", "", "Target address to forward to (host:port)")
	flags.BoolVar(&fromFlags.DumpClientToServer, "dump-c2s", false, "Dump client to server traffic")
	flags.BoolVar(&fromFlags.DumpServerToClient, "dump-s2c", false, "Dump server to client traffic")
	flags.StringVar(&fromFlags.DumpFile, "dump-file", "", "Also append dumps to this file")
	configFile := flags.String("config", "", "Config file (.toml, .yaml, .yml or .json)")
	verbose := flags.Bool("v", false, "Verbose logging")

	if err := flags.Parse(args); err != nil {
		return Config{}, false, err
	}

	var config Config
	if *configFile != "" {
		fileConfig, err := LoadConfigFromFile(*configFile)
		if err != nil {
			return Config{}, *verbose, err
		}
		config = fileConfig
	} else {
		envConfig, found, err := LoadConfigFromEnv()
		if err != nil {
			return Config{}, *verbose, err
		}
		if found {
			config = envConfig
		}
	}

	config, envErr := ApplyEnvOverrides(config)
	if envErr != nil {
		return Config{}, *verbose, envErr
	}

	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			config.ListenAddress = fromFlags.ListenAddress
		case "target":
			config.TargetAddress = fromFlags.TargetAddress
		case "dump-c2s":
			config.DumpClientToServer = fromFlags.DumpClientToServer
		case "dump-s2c":
			config.DumpServerToClient = fromFlags.DumpServerToClient
		case "dump-file":
			config.DumpFile = fromFlags.DumpFile
		}
	})

	return config, *verbose, config.Validate()
}
