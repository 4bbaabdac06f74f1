// Package main runs participantd, a MuSig2 beacon signing participant: it
// subscribes to one or more coordinators, opts into advertised cohorts, and
// authorizes signing sessions with its per-cohort HD-derived key (§4.6).
package main

import (
	"encoding/hex"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/btc1-tools/musig2-beacon/internal/ledger"
	"github.com/btc1-tools/musig2-beacon/internal/participant"
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
		configPath  = flag.String("config", "participantd.yaml", "Config file path")
		ledgerPath  = flag.String("ledger", "", "SQLite idempotency ledger path (empty = in-memory)")
		autoSub     = flag.Bool("subscribe", true, "Subscribe to every configured coordinator peer on startup")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		logging.Infof("participantd %s", version)
		os.Exit(0)
	}

	cfg, err := roleconfig.Load(*configPath, "participant")
	if err != nil {
		logging.Fatal("loading config", "error", err)
	}
	log := logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	seed, err := cfg.RootHDSeedBytes()
	if err != nil {
		log.Fatal("reading root_hd_seed", "error", err)
	}
	if seed == nil {
		mnemonic, generated, err := participant.GenerateRootSeed()
		if err != nil {
			log.Fatal("generating root seed", "error", err)
		}
		log.Warn("no root_hd_seed configured; generated a fresh one — record this mnemonic, it will not be shown again", "mnemonic", mnemonic)
		seed = generated
		cfg.RootHDSeed = hex.EncodeToString(seed)
		if err := cfg.Save(*configPath); err != nil {
			log.Fatal("persisting generated root_hd_seed", "error", err)
		}
	}

	l, err := openLedger(*ledgerPath)
	if err != nil {
		log.Fatal("opening ledger", "error", err)
	}
	defer l.Close()

	coordinators := make([]string, 0, len(cfg.Peers))
	for name := range cfg.Peers {
		coordinators = append(coordinators, name)
	}

	wt := transport.NewWebSocketTransport(cfg.Name, cfg.Peers)
	defer wt.Close()

	r := router.New()
	p, err := participant.New(cfg.Name, seed, coordinators, wt, r, l)
	if err != nil {
		log.Fatal("constructing participant", "error", err)
	}
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

	if *autoSub {
		time.Sleep(500 * time.Millisecond) // let the listener bind before dialing out
		for _, coordinatorID := range coordinators {
			if err := p.SubscribeToCoordinator(coordinatorID); err != nil {
				log.Error("subscribing failed", "coordinator", coordinatorID, "error", err)
				continue
			}
			log.Info("subscribed", "coordinator", coordinatorID)
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
