package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/NeelM47/smlp/internal/conn"
	"github.com/NeelM47/smlp/internal/coordinator"
	"github.com/NeelM47/smlp/internal/health"
	httpserver "github.com/NeelM47/smlp/internal/http"
	"github.com/NeelM47/smlp/internal/pool"
	"github.com/NeelM47/smlp/internal/smtlib"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	port, err := strconv.Atoi(envOr("SMLP_PORT", strconv.Itoa(coordinator.DefaultPort)))
	if err != nil {
		log.Fatalf("invalid SMLP_PORT: %v", err)
	}
	var (
		host          = flag.String("H", envOr("SMLP_HOST", ""), "address to listen on (default all interfaces)")
		portFlag      = flag.Int("P", port, "port to listen on")
		storeDir      = flag.String("store", envOr("SMLP_STORE_DIR", ""), "directory for solved results (empty keeps them in memory)")
		httpAddr      = flag.String("http", envOr("SMLP_HTTP_ADDR", ""), "status API address (empty disables)")
		healthAddr    = flag.String("health", envOr("SMLP_HEALTH_ADDR", ""), "gRPC health address (empty disables)")
		maxInFlight   = flag.Int("max-inflight", conn.DefaultMaxInFlight, "max unanswered requests per worker")
		keepOrphans   = flag.Bool("keep-orphans", false, "leave problems of lost workers unresolved instead of failing them")
		scriptTimeout = flag.Duration("script-timeout", 0, "per-script timeout (0 disables)")
		retries       = flag.Int("retries", 0, "requeue a failed problem this many times")
		lingerFlag    = flag.Duration("linger", 5*time.Second, "keep the status API and health service up this long after the pool drains")
		verbose       = flag.Bool("v", false, "log every message")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] PROBLEM...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mem := pool.NewMemPool(pool.WithRetries(*retries))
	for _, path := range flag.Args() {
		instance, err := loadProblem(path)
		if err != nil {
			log.Fatalf("load %s: %v", path, err)
		}
		if err := mem.AddWithID(path, instance); err != nil {
			log.Fatalf("add %s: %v", path, err)
		}
	}
	mem.Close()
	log.Printf("loaded %d problems", len(flag.Args()))

	var store pool.Store = pool.NewMemStore()
	if *storeDir != "" {
		fs, err := pool.NewFileStore(*storeDir)
		if err != nil {
			log.Fatalf("store: %v", err)
		}
		store = fs
	}
	p := pool.NewStoredPool(mem, store, log.Default())

	if *httpAddr != "" {
		go func() {
			if err := httpserver.Run(ctx, *httpAddr, mem); err != nil {
				log.Printf("status API error: %v", err)
			}
		}()
	}
	if *healthAddr != "" {
		go func() {
			if err := health.Run(ctx, *healthAddr, p); err != nil {
				log.Printf("gRPC health error: %v", err)
			}
		}()
	}

	srv := coordinator.New(p,
		coordinator.WithKeepOrphans(*keepOrphans),
		coordinator.WithScriptTimeout(*scriptTimeout),
		coordinator.WithConnOptions(conn.WithMaxInFlight(*maxInFlight), conn.WithVerbose(*verbose)),
	)
	addr := net.JoinHostPort(*host, strconv.Itoa(*portFlag))
	start := time.Now()
	err = srv.ListenAndServe(ctx, addr)
	elapsed := time.Since(start)
	switch {
	case errors.Is(err, context.Canceled):
		log.Println("got signal, terminating")
	case err != nil:
		log.Fatalf("coordinator error: %v", err)
	case *httpAddr != "" || *healthAddr != "":
		log.Printf("pool drained, status stays up for %s", *lingerFlag)
		linger(ctx, *lingerFlag)
	}

	st := mem.Stats()
	log.Printf("done in %s: %d succeeded (%d cached), %d failed, %d unresolved",
		elapsed.Round(time.Millisecond), st.Succeeded, p.Hits(), st.Failed, st.Queued+st.Running)
}

// loadProblem reads a problem file. JSON files hold an smtlib.Instance and are
// rendered to a script; anything else is sent as is.
func loadProblem(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(path) != ".json" {
		return b, nil
	}
	var inst smtlib.Instance
	if err := json.Unmarshal(b, &inst); err != nil {
		return nil, fmt.Errorf("parse instance: %w", err)
	}
	return smtlib.Render(inst), nil
}

// linger waits d, or less if ctx ends first, so status clients can observe
// the drained state.
func linger(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
