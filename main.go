package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"touchmouse/app"
	"touchmouse/bridge"
	"touchmouse/config"
	"touchmouse/input"
	"touchmouse/rendezvous"
	"touchmouse/storage"
	"touchmouse/transport"
)

type options struct {
	mode         string
	redisURL     string
	signalingURL string
	listen       string
	name         string
	code         string
	noMDNS       bool
	verbose      bool
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("startup failed while parsing flags: %v", err)
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.mode == "rendezvous" {
		runRendezvous(ctx, opts, logger)
		return
	}

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	if opts.redisURL != "" {
		cfg.RedisURL = opts.redisURL
	}
	if opts.signalingURL != "" {
		cfg.SignalingURL = opts.signalingURL
	}
	if opts.name != "" {
		cfg.DeviceName = opts.name
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	switch opts.mode {
	case "bridge":
		runBridge(ctx, opts, cfg, logger)
	case "receiver":
		runReceiver(ctx, opts, cfg, logger)
	case "controller":
		runController(ctx, opts, cfg, dataDir, logger)
	default:
		log.Fatalf("unknown mode %q", opts.mode)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("touchmouse", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.mode, "mode", "m", "controller", "controller, receiver, bridge or rendezvous")
	flagSet.StringVar(&opts.redisURL, "redis-url", os.Getenv("TOUCHMOUSE_REDIS_URL"), "Redis URL for a cross-process local channel")
	flagSet.StringVar(&opts.signalingURL, "signaling-url", os.Getenv("TOUCHMOUSE_SIGNALING_URL"), "rendezvous relay URL for peer links, e.g. ws://host:9000/signal")
	flagSet.StringVar(&opts.listen, "listen", "", "listen address for bridge and rendezvous modes")
	flagSet.StringVar(&opts.name, "name", "", "override the device name")
	flagSet.StringVar(&opts.code, "code", "", "receiver room code (generated when empty)")
	flagSet.BoolVar(&opts.noMDNS, "no-mdns", false, "disable mDNS announce and browse")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	if err := flagSet.Parse(args); err != nil {
		return opts, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return opts, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return opts, nil
}

func openBus(ctx context.Context, cfg *config.DeviceConfig, logger *slog.Logger) transport.Bus {
	if cfg.RedisURL == "" {
		fmt.Println("Local Channel:   in-process (set --redis-url to reach other processes)")
		return transport.NewMemoryBus()
	}
	bus, err := transport.DialRedisBus(ctx, cfg.RedisURL, cfg.ChannelNamespace, logger)
	if err != nil {
		log.Fatalf("startup failed while connecting to redis: %v", err)
	}
	fmt.Printf("Local Channel:   redis (%s)\n", cfg.ChannelNamespace)
	return bus
}

func openSignaler(cfg *config.DeviceConfig, logger *slog.Logger) transport.Signaler {
	if cfg.SignalingURL == "" {
		return nil
	}
	fmt.Printf("Rendezvous:      %s\n", cfg.SignalingURL)
	return &transport.WSSignaler{URL: cfg.SignalingURL, Logger: logger}
}

func runController(ctx context.Context, opts options, cfg *config.DeviceConfig, dataDir string, logger *slog.Logger) {
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	bus := openBus(ctx, cfg, logger)
	defer bus.Close()

	sensitivity, err := input.ParseSensitivity(cfg.Sensitivity)
	if err != nil {
		sensitivity = input.SensitivityPrecision
	}
	ctrl, err := app.NewController(app.ControllerConfig{
		DeviceID:      cfg.DeviceID,
		Bus:           bus,
		History:       store,
		Signaler:      openSignaler(cfg, logger),
		ConnectDelay:  cfg.ConnectDelay(),
		Sensitivity:   sensitivity,
		BrowseBridges: !opts.noMDNS,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("startup failed while creating controller: %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("startup failed while starting discovery: %v", err)
	}
	defer ctrl.Stop()

	go printSessionEvents(ctx, ctrl)

	fmt.Println("Status:          controller running (type 'help')")
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("Status:          shutting down")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			cmd, err := parseCommand(line)
			if err != nil {
				fmt.Println(err)
				continue
			}
			if cmd.kind == commandQuit {
				return
			}
			if out := runCommand(ctx, ctrl, cmd); out != "" {
				fmt.Println(out)
			}
		}
	}
}

func printSessionEvents(ctx context.Context, ctrl *app.Controller) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-ctrl.Events():
			switch {
			case event.Name != "":
				fmt.Printf("bridge %s says hello from %q\n", event.Peer, event.Name)
			case event.Err != nil:
				fmt.Printf("%s: %v\n", event.Reason, event.Err)
			case event.To != "":
				fmt.Printf("session %s (%s, %s)\n", event.To, event.Peer, event.Reason)
			}
		}
	}
}

func runReceiver(ctx context.Context, opts options, cfg *config.DeviceConfig, logger *slog.Logger) {
	bus := openBus(ctx, cfg, logger)
	defer bus.Close()

	recv, err := app.NewReceiver(app.ReceiverConfig{
		DeviceID:    cfg.DeviceID,
		DeviceName:  cfg.DeviceName,
		Bus:         bus,
		Signaler:    openSignaler(cfg, logger),
		PeerCode:    opts.code,
		IdleTimeout: cfg.ReceiverIdleTimeout(),
		OnDisplay: func(s input.Snapshot) {
			logger.Debug("pointer", "x", s.X, "y", s.Y, "clicking", s.Clicking, "dragging", s.Dragging)
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("startup failed while creating receiver: %v", err)
	}
	if err := recv.Start(ctx); err != nil {
		log.Fatalf("startup failed while starting receiver: %v", err)
	}
	defer recv.Stop()

	if code := recv.Code(); code != "" {
		fmt.Printf("Room Code:       %s\n", code)
	}
	fmt.Println("Status:          receiver running (press Ctrl+C to stop)")

	for {
		select {
		case <-ctx.Done():
			fmt.Println("Status:          shutting down")
			return
		case event := <-recv.Session().Events():
			fmt.Printf("session %s (%s, %s)\n", event.To, event.Peer, event.Reason)
		}
	}
}

func runBridge(ctx context.Context, opts options, cfg *config.DeviceConfig, logger *slog.Logger) {
	listen := opts.listen
	if listen == "" {
		listen = fmt.Sprintf(":%d", cfg.BridgePort)
	}
	server := bridge.NewServer(bridge.Config{
		ListenAddr: listen,
		Name:       cfg.DeviceName,
		DeviceID:   cfg.DeviceID,
		Announce:   !opts.noMDNS,
		Logger:     logger,
	})
	if err := server.Start(); err != nil {
		log.Fatalf("startup failed while starting bridge: %v", err)
	}
	fmt.Printf("Bridge Address:  %s\n", server.Addr())
	fmt.Println("Status:          bridge running (press Ctrl+C to stop)")

	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("bridge shutdown error: %v", err)
	}
}

func runRendezvous(ctx context.Context, opts options, logger *slog.Logger) {
	listen := opts.listen
	if listen == "" {
		listen = ":9000"
	}
	relay := rendezvous.NewRelay(rendezvous.Options{Logger: logger})
	server := &http.Server{Addr: listen, Handler: relay.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("rendezvous server failed: %v", err)
		}
	}()
	fmt.Printf("Rendezvous:      %s%s\n", listen, rendezvous.SignalPath)
	fmt.Println("Status:          rendezvous running (press Ctrl+C to stop)")

	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	relay.Close()
}
