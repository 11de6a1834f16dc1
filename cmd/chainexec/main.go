// Package main is the entry point for the chainexec payment execution
// daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/stablepay/chainexec/business/executor"
	executorDI "github.com/stablepay/chainexec/business/executor/di"
	executorDomain "github.com/stablepay/chainexec/business/executor/domain"
	"github.com/stablepay/chainexec/business/gas"
	"github.com/stablepay/chainexec/business/nonce"
	"github.com/stablepay/chainexec/business/rpc"
	"github.com/stablepay/chainexec/business/tracker"
	"github.com/stablepay/chainexec/internal/apm"
	"github.com/stablepay/chainexec/internal/config"
	"github.com/stablepay/chainexec/internal/health"
	"github.com/stablepay/chainexec/internal/logger"
	"github.com/stablepay/chainexec/internal/metrics"
	"github.com/stablepay/chainexec/internal/monolith"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	sendChain := flag.String("send-chain", "", "Dispatch one payment on this chain and exit")
	sendTo := flag.String("send-to", "", "Recipient address for -send-chain")
	sendAmount := flag.String("send-amount", "", "Amount in wei (or token base units) for -send-chain")
	sendToken := flag.String("send-token", "", "ERC-20 contract address; empty sends the native token")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chainexec %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received shutdown signal: %v\n", sig)
		cancel()
	}()

	if err := run(ctx, *configPath, *sendChain, *sendTo, *sendAmount, *sendToken); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, sendChain, sendTo, sendAmount, sendToken string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logLevel := logger.LevelInfo
	switch cfg.App.LogLevel {
	case "debug":
		logLevel = logger.LevelDebug
	case "warn":
		logLevel = logger.LevelWarn
	case "error":
		logLevel = logger.LevelError
	}
	log := logger.New(os.Stderr, logLevel, cfg.App.Name, nil)
	log.Info(ctx, "starting chainexec",
		"version", version,
		"environment", cfg.App.Environment,
		"chains", len(cfg.Chains),
	)

	var traceProvider apm.TraceProvider
	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.ServiceName != "" {
			os.Setenv("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
		}
		if cfg.Telemetry.OTLPEndpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
		}

		traceProvider = apm.NewTraceProvider(apm.Provider(cfg.Telemetry.TraceProvider), cfg.Telemetry.ServiceName, log)
		log.Info(ctx, "tracing initialized", "provider", cfg.Telemetry.TraceProvider)

		if _, err := metrics.NewMeterProvider(
			metrics.WithServiceName(cfg.Telemetry.ServiceName),
			metrics.WithProvider(metrics.PrometheusProvider),
		); err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		go func() {
			if err := metrics.ServePrometheus(cfg.Telemetry.PrometheusPort); err != nil {
				log.Warn(ctx, "prometheus server stopped", "error", err.Error())
			}
		}()
		log.Info(ctx, "prometheus metrics server started", "port", cfg.Telemetry.PrometheusPort)
	}
	defer func() {
		if traceProvider != nil {
			traceProvider.Stop()
		}
	}()

	healthServer := health.NewServer(cfg.App.HealthPort, version)
	if err := healthServer.Start(); err != nil {
		log.Warn(ctx, "failed to start health server", "error", err.Error())
	} else {
		log.Info(ctx, "health server started", "port", cfg.App.HealthPort)
	}
	defer healthServer.Stop(ctx)

	mono, err := monolith.New(cfg, log, healthServer)
	if err != nil {
		return fmt.Errorf("failed to create monolith: %w", err)
	}
	defer mono.Close()

	// Modules in dependency order.
	modules := []monolith.Module{
		&rpc.Module{},      // Chain clients; everything depends on these
		&nonce.Module{},    // Depends on rpc for nonce floors
		&tracker.Module{},  // Depends on rpc for head and receipt polling
		&gas.Module{},      // Depends on rpc for the fee market
		&executor.Module{}, // Composes all of the above
	}

	if err := mono.RegisterModules(modules...); err != nil {
		return fmt.Errorf("failed to register modules: %w", err)
	}
	if err := mono.StartModules(ctx, modules...); err != nil {
		return fmt.Errorf("failed to start modules: %w", err)
	}

	if sendChain != "" {
		return dispatchOnce(ctx, mono, log, sendChain, sendTo, sendAmount, sendToken)
	}

	log.Info(ctx, "all modules started")
	<-ctx.Done()
	log.Info(ctx, "shutting down")
	return nil
}

// dispatchOnce sends a single payment from the command line and prints the
// receipt. Intended for smoke testing a deployment.
func dispatchOnce(ctx context.Context, mono monolith.Monolith, log logger.LoggerInterface, chain, to, amount, tok string) error {
	if !common.IsHexAddress(to) {
		return fmt.Errorf("invalid recipient address: %q", to)
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount: %q", amount)
	}

	instr := &executorDomain.PaymentInstruction{
		ID:     "cli",
		Chain:  chain,
		To:     common.HexToAddress(to),
		Amount: value,
	}
	if tok != "" {
		// Accept a contract address or a known ticker symbol.
		if common.IsHexAddress(tok) {
			addr := common.HexToAddress(tok)
			instr.TokenAddress = &addr
		} else {
			cc := mono.Config().ChainByName(chain)
			if cc == nil {
				return fmt.Errorf("unknown chain: %q", chain)
			}
			entry, ok := mono.TokenRegistry().BySymbol(cc.ChainID, tok)
			if !ok {
				return fmt.Errorf("unknown token %q on chain %s", tok, chain)
			}
			addr := entry.Address
			instr.TokenAddress = &addr
		}
	}

	exec := executorDI.GetExecutor(mono.Services())
	receipt, err := exec.Dispatch(ctx, instr)
	if err != nil {
		return fmt.Errorf("dispatch failed: %w", err)
	}

	log.Info(ctx, "payment confirmed",
		"tx", receipt.TxHash.Hex(),
		"block", receipt.BlockNumber,
		"gas_used", receipt.GasUsed,
		"fee_native", receipt.FeeNative.String(),
		"fee_usd", receipt.FeeUSD.String(),
		"fee_capped", receipt.FeeCapped,
	)
	fmt.Printf("confirmed %s in block %d (fee %s %s)\n",
		receipt.TxHash.Hex(), receipt.BlockNumber,
		receipt.FeeNative.String(), "native")
	return nil
}
