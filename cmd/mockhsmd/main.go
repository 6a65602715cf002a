// Command mockhsmd is a standalone reference HSM server: it accepts TCP
// connections speaking the wire protocol implemented by hsmserver.Server,
// one Server instance per connection sharing a common nvmstore.Store
// backend and crypto custom-callback handlers.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/shadowmesh/hsmproto/cryptobridge"
	"github.com/shadowmesh/hsmproto/hsmconfig"
	"github.com/shadowmesh/hsmproto/hsmserver"
	"github.com/shadowmesh/hsmproto/logging"
	"github.com/shadowmesh/hsmproto/nvmstore"
	"github.com/shadowmesh/hsmproto/status"
	"github.com/shadowmesh/hsmproto/transport"
)

func main() {
	configPath := flag.String("config", "/etc/hsmproto/mockhsmd.yaml", "path to configuration file")
	generateConfig := flag.Bool("generate-config", false, "write a default config to -config and exit")
	flag.Parse()

	if *generateConfig {
		if err := hsmconfig.DefaultServerConfig().Save(*configPath); err != nil {
			panic(err)
		}
		return
	}

	cfg, err := hsmconfig.LoadServerConfig(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logging.New("mockhsmd", logging.ParseLevel(cfg.Logging.Level), cfg.Logging.File)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	nvm, err := buildNVMStore(cfg.NVM)
	if err != nil {
		log.Fatalf("failed to initialize NVM store: %v", err)
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.Listen, err)
	}
	log.Info("mockhsmd listening", logging.Fields{"address": cfg.Listen, "nvm_backend": cfg.NVM.Backend})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		listener.Close()
		os.Exit(0)
	}()

	var nextServerID uint32 = cfg.ServerID
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Warnf("accept failed: %v", err)
			return
		}
		nextServerID++
		go serveConnection(log, conn, nvm, nextServerID, cfg.Crypto.Enabled)
	}
}

func serveConnection(log *logging.Logger, conn net.Conn, nvm nvmstore.Store, serverID uint32, cryptoEnabled bool) {
	defer conn.Close()
	connLog := log.WithField("remote_addr", conn.RemoteAddr().String())
	connLog.Info("client connected")

	srv := hsmserver.New(hsmserver.Config{
		ServerID:  serverID,
		Transport: transport.NewTCP(transport.TCPConfig{Conn: conn}),
		NVM:       nvm,
	})
	if cryptoEnabled {
		registerCryptoHandlers(srv)
	}

	if err := srv.Init(); err != nil {
		connLog.Errorf("server init: %v", err)
		return
	}
	defer srv.Cleanup()

	for {
		err := srv.Step(context.Background())
		switch {
		case err == nil:
		case status.Is(err, status.NotReady):
			// No frame available yet; retry.
		case status.Is(err, status.Transport):
			connLog.Info("client disconnected")
			return
		default:
			connLog.Warnf("step: %v", err)
		}
	}
}

func registerCryptoHandlers(srv *hsmserver.Server) {
	srv.RegisterCustomHandler(uint32(cryptobridge.CbIDRandom), cryptobridge.RandomHandler())
	srv.RegisterCustomHandler(uint32(cryptobridge.CbIDAES), cryptobridge.AESHandler(srv))
	srv.RegisterCustomHandler(uint32(cryptobridge.CbIDRSA), cryptobridge.RSAHandler(srv))
	srv.RegisterCustomHandler(uint32(cryptobridge.CbIDECC), cryptobridge.ECCHandler(srv))
	srv.RegisterCustomHandler(uint32(cryptobridge.CbIDCurve25519), cryptobridge.Curve25519Handler(srv))
}

func buildNVMStore(cfg hsmconfig.NVMConfig) (nvmstore.Store, error) {
	switch cfg.Backend {
	case "redis":
		return nvmstore.NewRedis(context.Background(), nvmstore.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case "postgres":
		return nvmstore.NewPostgres(nvmstore.PostgresConfig{
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			DBName:   cfg.PostgresDBName,
			SSLMode:  cfg.PostgresSSLMode,
		})
	default:
		return nvmstore.NewMemory(), nil
	}
}
