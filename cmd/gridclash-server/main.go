package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridclash/metrics"
	"gridclash/server"
)

func main() {
	cfg := server.DefaultConfig()
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "UDP listen address")
	flag.IntVar(&cfg.GridSize, "grid", cfg.GridSize, "grid dimension N")
	flag.IntVar(&cfg.BroadcastHz, "hz", cfg.BroadcastHz, "snapshot broadcasts per second")
	flag.IntVar(&cfg.Redundancy, "redundancy", cfg.Redundancy, "snapshot copies per client per tick")
	flag.DurationVar(&cfg.ClientTimeout, "timeout", cfg.ClientTimeout, "client silence timeout")
	flag.DurationVar(&cfg.CleanupInterval, "cleanup", cfg.CleanupInterval, "eviction sweep interval")
	metricsPath := flag.String("metrics", "gridclash.db", "metrics database path (empty to disable)")
	observerAddr := flag.String("observer", "", "HTTP observer listen address (empty to disable)")
	flag.Parse()

	var sink metrics.Sink = metrics.Nop{}
	var recorder *metrics.Recorder
	if *metricsPath != "" {
		rec, err := metrics.Open(*metricsPath)
		if err != nil {
			log.Fatalf("open metrics db: %v", err)
		}
		recorder = rec
		sink = rec
	}

	srv := server.New(cfg, sink)
	if err := srv.Start(); err != nil {
		log.Fatalf("start server: %v", err)
	}

	var obs *http.Server
	if *observerAddr != "" {
		mux := server.SetupRoutes(srv.Store(), time.Second/time.Duration(cfg.BroadcastHz))
		obs = &http.Server{Addr: *observerAddr, Handler: mux}
		go func() {
			log.Printf("observer: listening on %s", *observerAddr)
			if err := obs.ListenAndServe(); err != http.ErrServerClosed {
				log.Fatalf("observer: %v", err)
			}
		}()
	}

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("Shutting down...")

	if obs != nil {
		obs.Close()
	}
	srv.Stop()
	if recorder != nil {
		recorder.Stop()
	}
}
