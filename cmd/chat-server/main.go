package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZentaChain/zentalk-chat/pkg/api"
	"github.com/ZentaChain/zentalk-chat/pkg/config"
	"github.com/ZentaChain/zentalk-chat/pkg/crypto"
	"github.com/ZentaChain/zentalk-chat/pkg/metrics"
	"github.com/ZentaChain/zentalk-chat/pkg/network"
	"github.com/ZentaChain/zentalk-chat/pkg/registry"
	"github.com/ZentaChain/zentalk-chat/pkg/router"
	"github.com/ZentaChain/zentalk-chat/pkg/storage"
)

const heartbeatInterval = 5 * time.Minute

var (
	configPath   = flag.String("config", "", "Path to TOML config file")
	streamAddr   = flag.String("stream", "", "TCP listen address (overrides config)")
	datagramAddr = flag.String("datagram", "", "UDP listen address (overrides config)")
	apiAddr      = flag.String("api", "", "Status API listen address (overrides config)")
	relayLogPath = flag.String("relaylog", "", "Relay log database path (overrides config)")
	workers      = flag.Int("workers", 0, "Datagram worker count (overrides config)")
)

func main() {
	flag.Parse()

	printBanner()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	m := metrics.New()
	reg := registry.New()
	reg.OnChange = m.SetSessions
	r := router.New(reg, crypto.NewRSAProvider(), m)

	var relayLog *storage.RelayLog
	if cfg.RelayLogPath != "" {
		relayLog, err = storage.NewRelayLog(cfg.RelayLogPath, cfg.RelayLogTTL)
		if err != nil {
			log.Fatalf("Failed to open relay log: %v", err)
		}
		r.AttachRelayLog(relayLog)
		log.Printf("📬 Relay log at %s (TTL: %v)", cfg.RelayLogPath, cfg.RelayLogTTL)
	}

	opts := cfg.NetworkOptions()

	var stream *network.StreamServer
	if !cfg.DisableStream {
		stream = network.NewStreamServer(r, m, opts)
		if err := stream.Start(cfg.StreamAddress); err != nil {
			log.Fatalf("Failed to start stream server: %v", err)
		}
	}

	var datagram *network.DatagramServer
	if !cfg.DisableDatagram {
		datagram = network.NewDatagramServer(r, m, opts)
		if err := datagram.Start(cfg.DatagramAddress); err != nil {
			log.Fatalf("Failed to start datagram server: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiDone := make(chan struct{})
	if cfg.APIAddress != "" {
		apiCfg := api.DefaultConfig()
		apiCfg.Address = cfg.APIAddress
		server := api.NewServer(reg, m, relayLog, apiCfg)
		go func() {
			defer close(apiDone)
			if err := server.Start(ctx); err != nil {
				log.Printf("❌ Status API error: %v", err)
			}
		}()
	} else {
		close(apiDone)
	}

	go startHeartbeatLoop(ctx, m)

	printStatus(cfg)

	waitForShutdown()

	cancel()
	<-apiDone

	if stream != nil {
		if err := stream.Stop(); err != nil {
			log.Printf("Error stopping stream server: %v", err)
		}
	}
	if datagram != nil {
		if err := datagram.Stop(); err != nil {
			log.Printf("Error stopping datagram server: %v", err)
		}
	}
	if relayLog != nil {
		if err := relayLog.Close(); err != nil {
			log.Printf("Error closing relay log: %v", err)
		} else {
			log.Println("✓ Relay log closed")
		}
	}

	log.Println("✓ Chat server stopped")
	log.Println("Goodbye! 👋")
}

// loadConfig reads the config file, if any, then applies flags that were set
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		log.Printf("✓ Config loaded from %s", *configPath)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "stream":
			cfg.StreamAddress = *streamAddr
		case "datagram":
			cfg.DatagramAddress = *datagramAddr
		case "api":
			cfg.APIAddress = *apiAddr
		case "relaylog":
			cfg.RelayLogPath = *relayLogPath
		case "workers":
			cfg.DatagramWorkers = *workers
		}
	})

	return cfg, cfg.Validate()
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║            Zentalk Chat Server v1.0              ║")
	fmt.Println("║     Multi-user chat over TCP and UDP             ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func printStatus(cfg *config.Config) {
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("🚀 Chat Server Status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("   Status: ✅ RUNNING\n")
	if cfg.DisableStream {
		fmt.Printf("   TCP: ⚠️  DISABLED\n")
	} else {
		fmt.Printf("   TCP: %s\n", cfg.StreamAddress)
	}
	if cfg.DisableDatagram {
		fmt.Printf("   UDP: ⚠️  DISABLED\n")
	} else {
		fmt.Printf("   UDP: %s (%d worker(s))\n", cfg.DatagramAddress, cfg.DatagramWorkers)
	}
	if cfg.APIAddress != "" {
		fmt.Printf("   Status API: %s\n", cfg.APIAddress)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}

func startHeartbeatLoop(ctx context.Context, m *metrics.Metrics) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats := m.Snapshot()
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		log.Println("💓 Heartbeat")
		log.Printf("   Sessions: %d", stats.Sessions)
		log.Printf("   Envelopes received: %d, delivered: %d", stats.Received, stats.Delivered)
		log.Printf("   Send failures: %d, protocol errors: %d", stats.SendFailures, stats.ProtocolErrors)
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

func waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan

	fmt.Println()
	log.Println("Shutting down gracefully...")
}
