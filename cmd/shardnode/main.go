// Command shardnode runs one shard-aware proof-of-stake chain node:
// chain store, fork-aware epoch manager, transaction pool, runtime,
// and the client loop that ties them together into block/chunk
// production. Grounded on the teacher's root main.go (flag parsing,
// phased startup logging, signal-driven shutdown, a /health endpoint)
// generalized from a single-process BFT validator wired to Ethereum,
// Accumulate and Firestore into a shard node wired to its own
// in-process collaborators.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shardnet/node/internal/archive"
	"github.com/shardnet/node/internal/chainkv"
	"github.com/shardnet/node/internal/client"
	"github.com/shardnet/node/internal/config"
	"github.com/shardnet/node/internal/cryptoutil"
	"github.com/shardnet/node/internal/epoch"
	"github.com/shardnet/node/internal/metrics"
	"github.com/shardnet/node/internal/obslog"
	"github.com/shardnet/node/internal/runtime"
	"github.com/shardnet/node/internal/store"
	"github.com/shardnet/node/internal/txpool"
)

func main() {
	log := obslog.New("shardnode")

	var (
		configPath  = flag.String("config", "", "path to a YAML config overlay")
		accountFlag = flag.String("validator-account-id", "", "overrides SHARDNODE_VALIDATOR_ACCOUNT_ID")
		showHelp    = flag.Bool("help", false, "show this help message")
	)
	flag.Parse()
	if *showHelp {
		flag.Usage()
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		if err := config.LoadFromFile(cfg, *configPath); err != nil {
			log.Errorf("load config file: %v", err)
			os.Exit(1)
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		log.Errorf("load config from environment: %v", err)
		os.Exit(1)
	}
	if *accountFlag != "" {
		cfg.ValidatorAccountID = *accountFlag
	}
	log.Infof("starting shardnode: account=%s data_dir=%s num_shards=%d", cfg.ValidatorAccountID, cfg.DataDir, cfg.NumShards)

	kv, err := chainkv.Open("shardnode", cfg.DataDir)
	if err != nil {
		log.Errorf("open chain kv store: %v", err)
		os.Exit(1)
	}
	defer kv.Close()

	signer, err := loadOrCreateSigner(cfg.ValidatorKeyPath, log)
	if err != nil {
		log.Errorf("load validator key: %v", err)
		os.Exit(1)
	}
	log.Infof("validator public key: %s", signer.Public())

	chainStore := store.New(kv)
	epochMgr := epoch.New(kv, epoch.Config{
		EpochLength:           cfg.EpochLength,
		NumBlockProducerSeats: cfg.NumBlockProducerSeats,
		NumShards:             cfg.NumShards,
		KickoutThresholdPct:   cfg.KickoutThresholdPct,
		MinimumStake:          big.NewInt(0),
	})
	pool := txpool.New()

	rt := runtime.New(newMemTrie(), noopVM{}, newMemExternal(), runtime.Config{})

	var archiveStore *archive.Store
	if cfg.ArchiveEnabled {
		archiveStore, err = archive.Open(cfg.ArchiveDatabaseURL)
		if err != nil {
			log.Warnf("archive store unavailable, continuing without it: %v", err)
			archiveStore = nil
		} else {
			defer archiveStore.Close()
			log.Infof("archive store connected")
		}
	}

	loop := client.New(client.Config{
		AccountID:                    cfg.ValidatorAccountID,
		NumShards:                    cfg.NumShards,
		TransactionValidityPeriod:    int(cfg.MaxTxValidityPeriod),
		MaxBlockProductionDelay:      cfg.MaxBlockProductionWait,
		BlockProductionTrackingDelay: cfg.BlockProductionRetry,
		GasLimit:                     cfg.GasLimit,
		ProtocolVersion:              1,
	}, chainStore, kv, epochMgr, pool, rt, noopNetwork{}, signer).WithArchive(archiveStore)

	metrics.MustRegisterAll(prometheus.DefaultRegisterer)
	go serveMetrics(cfg.MetricsAddr, log)

	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	log.Infof("client loop started, listening on %s", cfg.ListenAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infof("shutting down")
	cancel()
	loop.Stop()
}

// loadOrCreateSigner reads an existing hex-encoded private key, or
// generates and persists a fresh one on first run.
func loadOrCreateSigner(path string, log *obslog.Logger) (*cryptoutil.PrivateKey, error) {
	if path == "" {
		log.Warnf("no validator key path configured, generating an ephemeral key")
		return cryptoutil.GenerateKey()
	}
	b, err := os.ReadFile(path)
	if err == nil {
		raw, decErr := hex.DecodeString(string(b))
		if decErr != nil {
			return nil, fmt.Errorf("decode validator key at %s: %w", path, decErr)
		}
		return cryptoutil.PrivateKeyFromBytes(raw)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read validator key at %s: %w", path, err)
	}

	key, err := cryptoutil.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate validator key: %w", err)
	}
	if writeErr := os.WriteFile(path, []byte(hex.EncodeToString(key.Bytes())), 0600); writeErr != nil {
		log.Warnf("generated validator key but failed to persist it at %s: %v", path, writeErr)
	}
	return key, nil
}

func serveMetrics(addr string, log *obslog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server stopped: %v", err)
	}
}
