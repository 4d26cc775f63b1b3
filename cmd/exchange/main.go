package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"exchange/internal/api"
	"exchange/internal/engine"
	"exchange/internal/ledger"
	"exchange/internal/market"
	"exchange/internal/store"
)

func main() {
	port := flag.String("port", "8080", "server port")
	dbPath := flag.String("db", "exchange.db", "SQLite database path")
	corsOrigins := flag.String("cors", "", "comma-separated allowed CORS origins (empty = allow all for dev)")
	symbols := flag.String("pairs", "BTC/USDT,ETH/USDT", "comma-separated trading pairs to seed")
	feeAccount := flag.String("fee-account", "exchange:fees", "ledger account credited with trading fees")
	breakerBps := flag.Int64("breaker-bps", 1000, "circuit breaker threshold in basis points (0 disables)")
	breakerHalt := flag.Duration("breaker-halt", 5*time.Minute, "how long a tripped circuit breaker halts trading")
	flag.Parse()

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Seed trading pairs from the flag.
	pairs := market.NewRegistry()
	for _, symbol := range strings.Split(*symbols, ",") {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		pair, err := market.DefaultPair(symbol)
		if err != nil {
			log.Fatalf("Invalid pair %q: %v", symbol, err)
		}
		if err := pairs.Upsert(pair); err != nil {
			log.Fatalf("Failed to register pair %q: %v", symbol, err)
		}
		log.Printf("Registered pair %s", symbol)
	}

	// Restore balances persisted on the previous shutdown.
	l := ledger.New()
	if err := st.LoadBalances(l); err != nil {
		log.Fatalf("Failed to load balances: %v", err)
	}

	cfg := engine.Config{
		FeeAccount:          *feeAccount,
		BreakerThresholdBps: *breakerBps,
		BreakerHaltFor:      *breakerHalt,
	}
	eng := engine.New(pairs, l, st, st, cfg)

	server := api.NewServer(eng, l, pairs, st)
	if *corsOrigins != "" {
		origins := strings.Split(*corsOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		server.SetCORSOrigins(origins)
		log.Printf("CORS restricted to: %v", origins)
	}

	addr := ":" + *port
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("Starting exchange server on http://localhost%s", addr)
		log.Printf("Database: %s", *dbPath)

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("HTTP server stopped")

	server.Shutdown()

	// Persist the ledger so balances survive the restart.
	if err := st.SaveBalances(l.Snapshot()); err != nil {
		log.Printf("Balance snapshot error: %v", err)
	} else {
		log.Println("Balances persisted")
	}

	if err := st.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}
	log.Println("Server shutdown complete")
}
