package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/thakursanju/smartToll/app"
	"github.com/thakursanju/smartToll/attestation"
	"github.com/thakursanju/smartToll/config"
	"github.com/thakursanju/smartToll/feed"
	"github.com/thakursanju/smartToll/ledger"
	"github.com/thakursanju/smartToll/repository"
	"github.com/thakursanju/smartToll/server"
	"github.com/thakursanju/smartToll/session"
	"github.com/thakursanju/smartToll/settlement"
	"github.com/thakursanju/smartToll/tagreader"

	cfg "github.com/cometbft/cometbft/config"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/viper"
)

var (
	homeDir    string
	configFile string
	httpPort   string
	dbDSN      string
)

func init() {
	flag.StringVar(&homeDir, "cmt-home", "./node-config/toll-node", "Path to the CometBFT config directory")
	flag.StringVar(&configFile, "config", "", "Path to the smarttoll config file (toml, yaml or json)")
	flag.StringVar(&httpPort, "http-port", "", "HTTP web server port, overrides http.port")
	flag.StringVar(&dbDSN, "db-dsn", "", "Ledger database DSN, overrides database.dsn")
}

func main() {
	flag.Parse()

	if homeDir == "" {
		homeDir = os.ExpandEnv("$HOME/.cometbft")
	}

	conf, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Loading config: %v", err)
	}
	if httpPort != "" {
		conf.HTTP.Port = httpPort
	}
	if dbDSN != "" {
		conf.Database.DSN = dbDSN
	}

	booths, err := conf.BoothTable()
	if err != nil {
		log.Fatalf("Building fee table: %v", err)
	}

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))
	logger, err = cmtflags.ParseLogLevel(conf.LogLevel, logger, cfg.DefaultLogLevel)
	if err != nil {
		log.Fatalf("failed to parse log level: %v", err)
	}

	// Connect ledger DB
	repo := repository.NewRepository(logger.With("module", "repository"))
	logger.Info("Connecting to ledger database", "driver", conf.Database.Driver)
	if err := repo.ConnectDB(conf.Database.Driver, conf.Database.DSN, conf.Database.ConnectAttempts); err != nil {
		log.Fatalf("Connecting ledger database: %v", err)
	}
	defer repo.Close()
	if err := repo.Migrate(); err != nil {
		log.Fatalf("Migrating ledger database: %v", err)
	}

	// Retry spool for records the ledger could not take
	spoolPath := conf.Ledger.SpoolPath
	if spoolPath == "" {
		spoolPath = filepath.Join(homeDir, "spool")
	}
	spool, err := ledger.OpenSpool(spoolPath)
	if err != nil {
		log.Fatalf("Opening ledger spool: %v", err)
	}
	defer spool.Close()

	// Live feed: in-process broker, plus RabbitMQ when configured
	broker := feed.NewBroker(logger.With("module", "feed"))
	defer broker.Close()
	var publisher feed.Publisher = broker
	if conf.AMQP.URL != "" {
		amqpPub, err := feed.NewAMQPPublisher(conf.AMQP.URL, conf.AMQP.Exchange)
		if err != nil {
			log.Fatalf("Connecting to AMQP: %v", err)
		}
		defer amqpPub.Close()
		publisher = feed.Fanout{broker, amqpPub}
		logger.Info("Publishing ledger records to AMQP", "exchange", conf.AMQP.Exchange)
	}

	ledgerService := ledger.NewService(repo, publisher, spool, logger.With("module", "ledger"))
	worker := ledger.NewRetryWorker(ledgerService, conf.Ledger.RetrySchedule, logger.With("module", "ledger-retry"))
	if err := worker.Start(); err != nil {
		log.Fatalf("Starting ledger retry worker: %v", err)
	}
	defer worker.Stop()

	// Settlement backend
	var (
		settler  settlement.Service
		receipts server.ReceiptSource
		nodeID   = filepath.Base(homeDir)
	)
	switch conf.Settlement.Backend {
	case config.BackendCometBFT:
		node, db := startNode(logger)
		defer func() {
			node.Stop()
			node.Wait()
			if err := db.Close(); err != nil {
				logger.Error("Closing chain state", "err", err)
			}
		}()
		nodeID = string(node.NodeInfo().ID())

		rpcClient := cmtrpc.New(node)
		settler = settlement.NewCometBFTService(rpcClient, logger.With("module", "settlement"), conf.Settlement.FinalityTimeout, conf.Settlement.PollInterval)
		receipts = app.NewReceiptReader(rpcClient)
	default:
		logger.Info("Using simulated settlement")
		settler = &settlement.SimulatedService{
			SubmitDelay:   conf.Settlement.SubmitDelay,
			FinalityDelay: conf.Settlement.FinalityDelay,
		}
	}

	// Attestation backend
	var attester attestation.Attester
	switch conf.Attestation.Backend {
	case config.BackendGroth16:
		logger.Info("Compiling attestation circuit")
		attester, err = attestation.NewGroth16Attester(conf.Attestation.Scope, conf.Attestation.MinAge)
		if err != nil {
			log.Fatalf("Setting up attestation prover: %v", err)
		}
	default:
		logger.Info("Using simulated attestation")
		attester = &attestation.SimulatedAttester{
			Scope:  conf.Attestation.Scope,
			MinAge: conf.Attestation.MinAge,
			Delay:  conf.Attestation.SimulatedDelay,
		}
	}

	reader := tagreader.Detect(conf.TagReader.Device, logger.With("module", "tagreader"))
	if sim, ok := reader.(*tagreader.SimulatedReader); ok {
		sim.Delay = conf.TagReader.SimulatedDelay
	}
	if dev, ok := reader.(*tagreader.DeviceReader); ok {
		defer dev.Close()
	}

	registry := session.NewRegistry(session.Deps{
		Booths:            booths,
		Settler:           settler,
		Ledger:            ledgerService,
		Attester:          attester,
		Reader:            reader,
		Broker:            broker,
		Scope:             conf.Attestation.Scope,
		SettlementTimeout: conf.Settlement.FinalityTimeout,
		AttestTimeout:     conf.Attestation.Timeout,
		ScanTimeout:       conf.TagReader.ScanTimeout,
		Logger:            logger,
	})
	defer registry.Close()

	// Start Web Server
	webserver := server.NewWebServer(server.Options{
		Port:              conf.HTTP.Port,
		NodeID:            nodeID,
		SettlementBackend: conf.Settlement.Backend,
		RateLimit:         conf.HTTP.RateLimit,
		RateBurst:         conf.HTTP.RateBurst,
		HistoryLimit:      conf.Ledger.HistoryLimit,
	}, registry, booths, repo, broker, receipts, logger.With("module", "server"))

	if err := webserver.Start(); err != nil {
		log.Fatalf("Starting HTTP server: %v", err)
	}

	// Wait for interrupt signal to gracefully shut down the server
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), conf.HTTP.ShutdownTimeout)
	defer cancel()

	if err := webserver.Shutdown(ctx); err != nil {
		logger.Error("Shutting down HTTP web server", "err", err)
	}
	logger.Info("HTTP web server gracefully stopped")

	if _, err := ledgerService.Retry(ctx); err != nil {
		logger.Error("Final ledger retry failed", "err", err)
	}
}

// startNode boots the settlement chain: a CometBFT node running the toll
// ABCI application on badger.
func startNode(logger cmtlog.Logger) (*nm.Node, *badger.DB) {
	config := cfg.DefaultConfig()
	config.SetRoot(homeDir)
	viper.SetConfigFile(fmt.Sprintf("%s/%s", homeDir, "config/config.toml"))
	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Reading config: %v", err)
	}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("Decoding config: %v", err)
	}
	if err := config.ValidateBasic(); err != nil {
		log.Fatalf("Invalid configuration data: %v", err)
	}

	// Initialize Badger DB
	badgerPath := filepath.Join(homeDir, "badger")
	db, err := badger.Open(badger.DefaultOptions(badgerPath).WithLogger(nil))
	if err != nil {
		log.Fatalf("Opening database: %v", err)
	}

	tollApp := app.NewABCIApplication(db, logger.With("module", "abci"))

	// Private Validator
	pv := privval.LoadFilePV(
		config.PrivValidatorKeyFile(),
		config.PrivValidatorStateFile(),
	)

	// P2P network identity
	nodeKey, err := p2p.LoadNodeKey(config.NodeKeyFile())
	if err != nil {
		log.Fatalf("failed to load node's key: %v", err)
	}

	node, err := nm.NewNode(
		context.Background(),
		config,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(tollApp),
		nm.DefaultGenesisDocProviderFunc(config),
		cfg.DefaultDBProvider,
		nm.DefaultMetricsProvider(config.Instrumentation),
		logger,
	)
	if err != nil {
		log.Fatalf("Creating node: %v", err)
	}

	if err := node.Start(); err != nil {
		log.Fatalf("Starting node: %v", err)
	}
	logger.Info("Settlement node started", "node_id", node.NodeInfo().ID())
	return node, db
}
