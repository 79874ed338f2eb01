package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg := defaultConfig()
	if err := env.Parse(cfg); err != nil {
		log.Fatalf("Failed to parse environment: %v", err)
	}

	// Flags override the environment
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTPS server port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.StringVar(&cfg.MasterKey, "master-key", cfg.MasterKey, "Master key for sealing stored envelopes (required)")
	flag.StringVar(&cfg.AdminToken, "admin-token", cfg.AdminToken, "Bootstrap admin bearer token (required)")
	flag.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate file")
	flag.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS private key file")
	flag.BoolVar(&cfg.HTTPMode, "http", cfg.HTTPMode, "Use HTTP instead of HTTPS (dev only)")
	flag.Parse()

	if cfg.MasterKey == "" {
		log.Fatal("Master key is required. Use --master-key or FILEVAULT_MASTER_KEY env var")
	}
	if cfg.AdminToken == "" {
		log.Fatal("Admin token is required. Use --admin-token or FILEVAULT_ADMIN_TOKEN env var")
	}

	// Initialize storage
	storage, err := NewStorage(cfg.DBPath, cfg.MasterKey)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer storage.Close()
	log.Printf("[storage] initialized at %s", cfg.DBPath)

	// Create server
	srv := NewServer(storage, cfg)
	handler := srv.Handler()

	// HTTP server configuration
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.HTTPMode {
		// Development mode: plain HTTP
		log.Printf("[server] starting HTTP server on :%d (DEV MODE)", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil {
			log.Fatalf("HTTP server error: %v", err)
		}
	} else {
		// Production mode: HTTPS with TLS
		if _, err := os.Stat(cfg.CertFile); os.IsNotExist(err) {
			log.Printf("[tls] Certificate file not found: %s", cfg.CertFile)
			log.Printf("[tls] To generate a self-signed cert for testing:")
			log.Printf("      openssl req -x509 -newkey rsa:4096 -keyout server.key -out server.crt -days 365 -nodes -subj '/CN=localhost'")
			log.Fatal("[tls] Cannot start HTTPS server without certificates")
		}

		// Include AES_128_GCM ciphers required for HTTP/2
		tlsConfig := &tls.Config{
			MinVersion:               tls.VersionTLS12,
			PreferServerCipherSuites: true,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			},
		}
		httpSrv.TLSConfig = tlsConfig

		log.Printf("[server] starting HTTPS server on :%d", cfg.Port)
		if err := httpSrv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile); err != nil {
			log.Fatalf("HTTPS server error: %v", err)
		}
	}
}
