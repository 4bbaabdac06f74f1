// Package main runs coordinatord, a MuSig2 beacon signing coordinator: it
// advertises cohorts, finalizes their aggregated keys, and drives signing
// sessions to completion (§4.5).
package main

import (
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/btc1-tools/musig2-beacon/internal/btcnet"
	"github.com/btc1-tools/musig2-beacon/internal/coordinator"
	"github.com/btc1-tools/musig2-beacon/internal/ledger"
	"github.com/btc1-tools/musig2-beacon/internal/roleconfig"
	"github.com/btc1-tools/musig2-beacon/internal/router"
	"github.com/btc1-tools/musig2-beacon/internal/transport"
	"github.com/btc1-tools/musig2-beacon/pkg/logging"
)

var (
	version = "0.1.0-dev"
)

func main() {
	var (
		configPath      = flag.String("config", "coordinatord.yaml", "Config file path")
		ledgerPath      = flag.String("ledger", "", "SQLite idempotency ledger path (empty = in-memory)")
		announceMin     = flag.Int("announce-min-participants", 0, "If >0, announce a cohort with this min_participants on startup")
		announceNetwork = flag.String("announce-network", "regtest", "btc_network for --announce-min-participants")
		showVersion     = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		logging.Infof("coordinatord %s", version)
		os.Exit(0)
	}

	cfg, err := roleconfig.Load(*configPath, "coordinator")
	if err != nil {
		logging.Fatal("loading config", "error", err)
	}
	log := logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	l, err := openLedger(*ledgerPath)
	if err != nil {
		log.Fatal("opening ledger", "error", err)
	}
	defer l.Close()

	wt := transport.NewWebSocketTransport(cfg.Name, cfg.Peers)
	defer wt.Close()

	r := router.New()
	c := coordinator.New(cfg.Name, wt, r, l)
	wt.Receive(func(from string, raw []byte) {
		if err := r.Dispatch(raw); err != nil {
			log.Warn("dispatch failed", "from", from, "error", err)
		}
	})

	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	go func() {
		log.Info("listening", "addr", addr, "endpoint", cfg.Endpoint())
		if err := wt.ListenAndServe(addr); err != nil {
			log.Error("listener stopped", "error", err)
		}
	}()

	if *announceMin > 0 {
		time.Sleep(500 * time.Millisecond) // let peer dial-backs settle
		ch, err := c.AnnounceNewCohort(*announceMin, btcnet.Network(*announceNetwork))
		if err != nil {
			log.Error("announcing cohort failed", "error", err)
		} else {
			log.Info("cohort announced", "cohort", ch.ID, "min_participants", *announceMin)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
}

func openLedger(path string) (ledger.Ledger, error) {
	if path == "" {
		return ledger.NewInMemoryLedger(), nil
	}
	return ledger.NewSQLiteLedger(path)
}

