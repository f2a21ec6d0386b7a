package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	onet "github.com/Jigsaw-Code/outline-ss-server/net"

	"ss-relay/internal/application"
	"ss-relay/internal/config"
	"ss-relay/internal/domain"
	"ss-relay/internal/infrastructure/epoll"
	"ss-relay/internal/infrastructure/network"
	"ss-relay/internal/infrastructure/resolver"
	"ss-relay/internal/infrastructure/sscrypto"
	"ss-relay/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to the JSON config file")
	port := flag.Int("port", 0, "Port to listen on, overrides server_port")
	logLevel := flag.String("log-level", "", "Log level, overrides log_level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Setup("info", "text").Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.ServerPort = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info("Initializing Shadowsocks relay...", "method", cfg.Method)

	ciphers, err := sscrypto.NewFactory(cfg.Method, cfg.Password, cfg.ReplayHistory)
	if err != nil {
		log.Error("Failed to create cipher factory", "error", err, "supported", sscrypto.Methods())
		os.Exit(1)
	}

	eventLoop, err := epoll.New(log)
	if err != nil {
		log.Error("Failed to create event loop", "error", err)
		os.Exit(1)
	}

	dnsServer, err := network.ParseEndpoint(cfg.DNSServer)
	if err != nil {
		log.Error("Invalid dns_server", "value", cfg.DNSServer, "error", err)
		os.Exit(1)
	}
	dnsResolver, err := resolver.New(eventLoop, log, dnsServer, cfg.DNSTimeoutDuration())
	if err != nil {
		log.Error("Failed to create resolver", "error", err)
		os.Exit(1)
	}

	opts := application.Options{
		ProbeDelay:       cfg.ProbeDelayDuration(),
		HandshakeTimeout: cfg.HandshakeTimeout(),
		ConnectTimeout:   cfg.ConnectTimeoutDuration(),
		UDPIdleTimeout:   cfg.UDPIdleTimeout(),
		BufferLimit:      cfg.BufferLimit,
	}
	if cfg.ForbidPrivateTargets {
		opts.TargetValidator = onet.RequirePublicIP
	}

	relay := application.NewRelayService(eventLoop, log, ciphers, dnsResolver, application.NewLogObserver(log), opts)
	relay.Attach(dnsResolver.FD(), dnsResolver)

	local := domain.Endpoint{IP: net.ParseIP(cfg.Server), Port: cfg.ServerPort}
	if local.IP == nil {
		log.Error("Invalid server address", "value", cfg.Server)
		os.Exit(1)
	}
	if err := relay.ListenTCP(local); err != nil {
		log.Error("Failed to listen", "error", err)
		os.Exit(1)
	}
	if cfg.UDPEnabled() {
		if err := relay.ListenUDP(local); err != nil {
			log.Error("Failed to bind udp", "error", err)
			os.Exit(1)
		}
	}

	log.Info("Relay listening", "addr", local, "udp", cfg.UDPEnabled())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info("Shutting down", "signal", sig.String())
		eventLoop.Stop()
	}()

	if err := relay.Start(); err != nil {
		log.Error("Relay stopped unexpectedly", "error", err)
	}
	relay.Close()
	dnsResolver.Close()
}
