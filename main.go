package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pkg/profile"
	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"

	"github.com/orly-timing/regburst/internal/config"
	"github.com/orly-timing/regburst/internal/httpapi"
	"github.com/orly-timing/regburst/internal/session"
)

func main() {
	if config.HelpRequested() {
		cfg := &config.C{}
		config.PrintHelp(cfg, os.Stdout)
		return
	}

	cfg, err := config.New()
	if chk.E(err) {
		os.Exit(1)
	}
	if len(os.Args) > 1 && strings.ToLower(os.Args[1]) == "env" {
		config.PrintEnv(cfg, os.Stdout)
		return
	}
	log.I.F("starting %s %s", cfg.AppName, config.V)

	switch cfg.Pprof {
	case "cpu":
		prof := profile.Start(profile.CPUProfile)
		defer prof.Stop()
	case "memory":
		prof := profile.Start(profile.MemProfile)
		defer prof.Stop()
	case "allocation":
		prof := profile.Start(profile.MemProfileAllocs)
		defer prof.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := session.NewRegistry(cfg.SessionCapacity, cfg.SessionIdleTimeout)
	srv := httpapi.New(ctx, cfg, reg)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Listen, cfg.Port),
		Handler: srv,
	}

	go func() {
		log.I.F("listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.E.F("server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	<-sigs
	fmt.Printf("\r")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	chk.E(httpSrv.Shutdown(shutdownCtx))
}
