// Command ringd hosts a consistent-hash router and serves it over gRPC.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hashring/internal/config"
	"hashring/internal/hashfn"
	"hashring/internal/membership"
	"hashring/internal/router"
	"hashring/internal/server"
)

func main() {
	cfg := config.Default()

	var (
		nodes    = flag.String("nodes", "", "initial nodes: id=addr;zone=z;weight=w,... (attributes optional)")
		hashName = flag.String("hash", cfg.HashFunction.String(), "hash function: sha256, fnv1a, murmur3 or xxhash")
	)
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "gRPC listen address")
	flag.IntVar(&cfg.BaseVirtualNodes, "vnodes", cfg.BaseVirtualNodes, "virtual nodes per unit weight")
	flag.Float64Var(&cfg.RebalanceTargetCV, "target-cv", cfg.RebalanceTargetCV, "load coefficient of variation the rebalancer aims for")
	flag.DurationVar(&cfg.RebalancePollInterval, "rebalance-interval", cfg.RebalancePollInterval, "time between rebalance cycles")
	flag.BoolVar(&cfg.RebalanceWeightAware, "rebalance-weighted", cfg.RebalanceWeightAware, "compare load per unit of weight when rebalancing")
	flag.IntVar(&cfg.SampleSize, "sample-size", cfg.SampleSize, "recent lookups kept for load measurement")
	flag.IntVar(&cfg.MinVirtualNodes, "min-vnodes", cfg.MinVirtualNodes, "lower bound for a node's virtual nodes during rebalancing")
	flag.IntVar(&cfg.MaxVirtualNodes, "max-vnodes", cfg.MaxVirtualNodes, "upper bound for a node's virtual nodes during rebalancing (0 = 10 x vnodes)")
	flag.DurationVar(&cfg.LockTimeout, "lock-timeout", cfg.LockTimeout, "how long a membership change waits for another")
	suspectTimeout := flag.Duration("suspect-timeout", 3*time.Second, "time before a suspect member is declared dead")
	flag.Parse()

	kind, err := hashfn.Parse(*hashName)
	if err != nil {
		log.Fatalf("[ringd] %v", err)
	}
	cfg.HashFunction = kind

	cfg.Nodes, err = config.ParseNodes(*nodes)
	if err != nil {
		log.Fatalf("[ringd] Failed to parse nodes: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := router.New(ctx, cfg)
	if err != nil {
		log.Fatalf("[ringd] Failed to create router: %v", err)
	}
	r.Start(ctx)

	tracker := membership.NewTracker(r, *suspectTimeout, 0)
	seeds := make([]membership.Member, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		seeds = append(seeds, membership.Member{
			ID: n.ID, Addr: n.Addr, Zone: n.Zone, Weight: n.Weight, Metadata: n.Metadata,
			Status: membership.Alive,
		})
	}
	tracker.Seed(seeds)
	tracker.Start(ctx, 0)

	srv := server.New(r, tracker)
	log.Printf("[ringd] Ring ready\n%s", r.Status())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cfg.ListenAddr)
	}()

	select {
	case <-ctx.Done():
		log.Printf("[ringd] Shutting down")
	case err := <-errCh:
		log.Printf("[ringd] Server exited: %v", err)
	}

	srv.Stop()
	tracker.Stop()
	r.Close()
}
