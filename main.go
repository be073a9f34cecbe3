package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ultrasonic/cmd"
	"ultrasonic/internal/api"
	"ultrasonic/internal/capture"
	"ultrasonic/internal/config"
	"ultrasonic/internal/log"
	"ultrasonic/internal/manager"
	"ultrasonic/internal/registry"
	"ultrasonic/pkg/build"
)

// main is the entry point for the ultrasonic spectrum streaming service.
// The program flow is divided into three distinct phases:
//
// 1. Startup Phase (Cold Path):
//   - Initialize build information
//   - Initialize PortAudio
//   - Parse command line arguments and load configuration
//   - Execute one-off commands if requested
//
// 2. Concurrent Phase (Hot Path):
//   - Open the device registry and start the DeviceManager
//   - Serve the HTTP control and SSE surface
//
// 3. Shutdown Phase (Cold Path):
//   - Handle termination signals
//   - Stop every running pipeline and close the HTTP server
func main() {
	// ==================== STARTUP PHASE (Cold Path) ====================

	if err := build.Initialize(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.Infof("starting %s", build.GetBuildFlags())

	if err := capture.Initialize(); err != nil {
		log.Fatalf("initialize audio subsystem: %v", err)
	}
	defer capture.Terminate()

	options, err := cmd.ParseArgs()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(options.ConfigPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if options.ListenAddr != "" {
		cfg.ListenAddr = options.ListenAddr
	}
	if options.LogLevel != "" {
		cfg.LogLevel = options.LogLevel
	}
	if level, ok := log.ParseLevel(cfg.LogLevel); ok {
		log.SetLevel(level)
	}

	switch options.Command {
	case "list-devices":
		runListDevices(cfg)
		return
	default:
		runServe(cfg)
	}
}

func runListDevices(cfg *config.Config) {
	reg, err := registry.New(cfg.RegistryPath)
	if err != nil {
		log.Fatalf("open registry: %v", err)
	}

	osDevices, err := capture.ListDevices()
	if err != nil {
		log.Fatalf("enumerate devices: %v", err)
	}
	descs := reg.Enumerate(osDevices)
	if err := reg.Persist(); err != nil {
		log.Warnf("persist registry: %v", err)
	}

	for _, d := range descs {
		if !d.IsInput {
			continue
		}
		fmt.Printf("%-24s %-40s channels=%d rate=%.0f\n", d.StableID, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
	}
}

// ==================== CONCURRENT PHASE (Hot Path) ====================

func runServe(cfg *config.Config) {
	reg, err := registry.New(cfg.RegistryPath)
	if err != nil {
		log.Fatalf("open registry: %v", err)
	}

	mgr := manager.New(cfg, reg, prometheus.NewRegistry())
	defer mgr.Close()

	if _, err := mgr.RefreshDevices(); err != nil {
		log.Warnf("initial device refresh: %v", err)
	}

	server := api.New(mgr)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}

	go func() {
		log.Infof("listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	// ==================== SHUTDOWN PHASE (Cold Path) ====================

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done

	log.Infof("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warnf("http server shutdown: %v", err)
	}

	if err := mgr.StopAll(); err != nil {
		log.Warnf("stop all pipelines: %v", err)
	}
}
