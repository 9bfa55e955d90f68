package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/shlex"

	"github.com/NeelM47/smlp/internal/conn"
	"github.com/NeelM47/smlp/internal/coordinator"
	"github.com/NeelM47/smlp/internal/worker"
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
		host     = flag.String("H", envOr("SMLP_HOST", "localhost"), "coordinator host")
		portFlag = flag.Int("P", port, "coordinator port")
		command  = flag.String("c", envOr("SMLP_SOLVER", ""), "solver command line, split like a shell would")
		verbose  = flag.Bool("v", false, "log every message")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [-- SOLVER ARGS...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	argv := flag.Args()
	if *command != "" {
		if len(argv) > 0 {
			log.Fatalf("give the solver either with -c or after --, not both")
		}
		argv, err = shlex.Split(*command)
		if err != nil {
			log.Fatalf("parse -c: %v", err)
		}
	}

	w, err := worker.New(argv, worker.WithConnOptions(conn.WithVerbose(*verbose)))
	if err != nil {
		flag.Usage()
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(*host, strconv.Itoa(*portFlag))
	err = w.DialAndRun(ctx, addr)
	switch {
	case ctx.Err() != nil:
		log.Println("got signal, terminating")
	case err != nil:
		log.Fatalf("worker error: %v", err)
	}
}
