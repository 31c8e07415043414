package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"veridoc.org/internal/audit"
	"veridoc.org/internal/httpapi"
	"veridoc.org/internal/license"
	"veridoc.org/internal/obs"
	"veridoc.org/internal/store/pg"
	"veridoc.org/internal/tier"
	"veridoc.org/internal/token"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	signingSpec := os.Getenv("VERIDOC_SIGNING_KEY")
	if signingSpec == "" {
		log.Fatal("missing VERIDOC_SIGNING_KEY (format kid:secret)")
	}
	active, err := token.ParseKeySpec(signingSpec)
	if err != nil {
		log.Fatalf("parse signing key: %v", err)
	}
	retired, err := token.ParseKeySpecs(os.Getenv("VERIDOC_RETIRED_KEYS"))
	if err != nil {
		log.Fatalf("parse retired keys: %v", err)
	}
	keys, err := token.NewKeyring(active, retired...)
	if err != nil {
		log.Fatalf("build keyring: %v", err)
	}

	var tokenOpts []token.Option
	if iss := os.Getenv("VERIDOC_ISSUER"); iss != "" {
		tokenOpts = append(tokenOpts, token.WithIssuer(iss))
	}
	issuer := token.NewIssuer(keys, tokenOpts...)
	verifier := token.NewVerifier(keys, tokenOpts...)

	tiers := tier.NewRegistry()
	if path := os.Getenv("VERIDOC_TIERS_FILE"); path != "" {
		tiers, err = tier.LoadFile(path)
		if err != nil {
			log.Fatalf("load tiers: %v", err)
		}
	}

	// Durable store when a DSN is configured, in-memory otherwise.
	var (
		svc     license.Service
		auditor audit.Recorder
		probe   httpapi.ReadyProbe
	)
	if dsn := os.Getenv("VERIDOC_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn, tiers)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		svc = store
		auditor = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		svc = license.NewInMemory(tiers)
		auditor = audit.NewMemory()
	}

	api := httpapi.New(probe, version, svc, tiers, issuer, verifier, auditor,
		os.Getenv("VERIDOC_ADMIN_KEY_HASH"))

	addr := os.Getenv("VERIDOC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting veridoc-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
