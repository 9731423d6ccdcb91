// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
package main

// @title AttendPay API
// @version 1.0
// @description Fiat checkout settlement into on-chain event registrations.
// @host localhost:3000
// @BasePath /

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	"github.com/oxzoid/attendpay/pkg/api"
	"github.com/oxzoid/attendpay/pkg/blockchain"
	"github.com/oxzoid/attendpay/pkg/config"
	"github.com/oxzoid/attendpay/pkg/db"
	"github.com/oxzoid/attendpay/pkg/fees"
	"github.com/oxzoid/attendpay/pkg/logging"
	"github.com/oxzoid/attendpay/pkg/models"
	"github.com/oxzoid/attendpay/pkg/payu"
	"github.com/oxzoid/attendpay/pkg/settlement"

	_ "github.com/oxzoid/attendpay/docs"
)

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func main() {
	config.LoadEnvFile()
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.RequireSigner(); err != nil {
		logger.Fatal("signer not configured", zap.Error(err))
	}

	database, err := db.Open(cfg.DSN)
	if err != nil {
		logger.Fatal("DB open failed", zap.Error(err))
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := database.PingContext(ctx); err != nil {
		logger.Fatal("DB ping failed", zap.Error(err))
	}
	if err := db.EnsureSchema(database); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	store := db.NewStore(database)

	chain, err := ethclient.DialContext(ctx, cfg.Web3Provider)
	if err != nil {
		logger.Fatal("node dial failed", zap.String("provider", cfg.Web3Provider), zap.Error(err))
	}
	defer chain.Close()

	etherscan := blockchain.NewEtherscan(cfg.EtherscanURL, cfg.EtherscanKey, logger.Named("etherscan"))
	signer, err := blockchain.NewSigner(blockchain.SignerConfig{
		RPCURL:     cfg.Web3Provider,
		ChainID:    big.NewInt(cfg.ChainID),
		PrivateKey: cfg.PrivateKey,
		GasLimit:   cfg.GasLimit,
	}, chain, etherscan, logger.Named("signer"))
	if err != nil {
		logger.Fatal("signer init failed", zap.Error(err))
	}
	defer signer.Close()
	if signer.Account().Hex() != cfg.Account {
		logger.Warn("private key does not match configured account",
			zap.String("configured", cfg.Account), zap.String("derived", signer.Account().Hex()))
	}

	gateway := payu.NewClient(payu.ClientConfig{
		URL:      cfg.PayUReportsURL,
		APILogin: cfg.PayULogin,
		APIKey:   cfg.PayUKey,
		Test:     cfg.PayUTest,
	}, logger.Named("payu"))
	fetcher := payu.NewFetcher(gateway, cfg.FetchAttempts, cfg.FetchInterval, logger.Named("fetcher"))

	orchestrator := settlement.NewOrchestrator(store, fetcher, fees.NewConverter(etherscan), signer, cfg.FeeThreshold, logger.Named("settlement"))
	aggregator := settlement.NewAggregator(store, gateway, cfg.EnvironmentID, cfg.FirstCounter, logger.Named("aggregator"))
	confirmer := blockchain.NewConfirmer(store, chain, logger.Named("confirmer"))

	queue := settlement.NewQueue(orchestrator, cfg.QueueSize, cfg.SettleTimeout, logger.Named("queue"))
	queue.Start(cfg.Workers)
	defer queue.Close()

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	settlement.StartConfirmationScheduler(runCtx, store, confirmer, cfg.ConfirmInterval, logger.Named("scheduler"))

	api.Init(api.Deps{
		Store:        store,
		Receiver:     settlement.NewReceiver(payu.NewAuthenticator(cfg.PayUKey, cfg.MerchantID), store, logger.Named("receiver")),
		Queue:        loggedQueue{queue, logger.Named("queue")},
		Transactions: settlement.NewService(store, aggregator, confirmer, logger.Named("service")),
		Hasher:       payu.NewAuthenticator(cfg.PayUKey, cfg.MerchantID),
		Prices:       etherscan,
		Gas:          etherscan,
		AdminKey:     cfg.AdminAPIKey,
		Log:          logger.Named("api"),
	})

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})

	mux.HandleFunc("/dbhealth", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := database.PingContext(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"ok":false}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})

	mux.Handle("/swagger/", httpSwagger.WrapHandler)
	api.Register(mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("server running",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Environment),
			zap.String("account", signer.Account().Hex()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-runCtx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}

// loggedQueue attaches an outcome log line to every settlement job.
type loggedQueue struct {
	*settlement.Queue
	log *zap.Logger
}

func (q loggedQueue) Enqueue(job settlement.Job) {
	job.Done = func(e models.RegisterEntry, err error) {
		if err != nil {
			q.log.Error("settlement failed", zap.String("reference_code", job.Payment.Push.ReferenceCode), zap.Error(err))
			return
		}
		q.log.Info("settlement finished",
			zap.String("reference_code", e.ReferenceCode),
			zap.String("state", e.State),
			zap.String("tx_hash", e.TxHash),
			zap.String("error", e.Error))
	}
	q.Queue.Enqueue(job)
}
