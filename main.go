package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"markercluster/dataset"
	"markercluster/quadtree"
	"markercluster/server"
)

const (
	// Server settings
	defaultAddr = ":8080"

	// Generated data, used when no point file is given
	defaultPoints = 100000

	// Clustering parameters
	defaultMinClusterSize = 1
	defaultBucketCapacity = quadtree.DefaultCapacity

	statsInterval   = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Generated points are spread over western Europe.
var generateBounds = quadtree.Bounds{North: 60, West: -10, South: 36, East: 30}

func main() {
	addr := flag.String("addr", defaultAddr, "HTTP listen address")
	dataPath := flag.String("data", "", "GeoJSON point file to cluster (.zst for zstd compressed)")
	numPoints := flag.Int("points", defaultPoints, "Number of random points to generate when -data is empty")
	savePath := flag.String("save", "", "Write the generated points to this file")
	minClusterSize := flag.Int("min-cluster-size", defaultMinClusterSize, "Minimum number of points a tile needs to form a cluster")
	bucketCapacity := flag.Int("bucket-capacity", defaultBucketCapacity, "Quadtree leaf capacity")
	interval := flag.Duration("stats-interval", statsInterval, "How often to print statistics (0 disables)")
	seed := flag.Int64("seed", 0, "Random seed for generated points (0 uses the current time)")
	flag.Parse()

	if *minClusterSize <= 0 {
		log.Fatalf("-min-cluster-size must be positive, got %d", *minClusterSize)
	}

	places, err := loadPlaces(*dataPath, *numPoints, *seed)
	if err != nil {
		log.Fatalf("Failed to load points: %v", err)
	}
	if *savePath != "" {
		if err := dataset.Save(*savePath, places); err != nil {
			log.Fatalf("Failed to save points: %v", err)
		}
		log.Printf("Saved %d points to %s", len(places), *savePath)
	}

	srv, err := server.New(server.Config{
		BucketCapacity: *bucketCapacity,
		MinClusterSize: *minClusterSize,
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	start := time.Now()
	if err := srv.SetItems(places); err != nil {
		log.Fatalf("Failed to index points: %v", err)
	}
	if err := srv.Wait(context.Background()); err != nil {
		log.Fatalf("Failed to index points: %v", err)
	}
	log.Printf("Indexed %d points in %v", len(places), time.Since(start).Round(time.Millisecond))

	httpServer := &http.Server{Addr: *addr, Handler: srv.Handler()}
	log.Printf("Starting HTTP server on %s", *addr)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	run(srv, *interval)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	srv.Close()
}

func loadPlaces(path string, n int, seed int64) ([]*dataset.Place, error) {
	if path != "" {
		return dataset.Load(path)
	}
	if n < 0 {
		return nil, fmt.Errorf("-points must not be negative, got %d", n)
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(seed))
	return dataset.Generate(n, generateBounds, r), nil
}

// run prints statistics until interrupted.
func run(srv *server.Server, interval time.Duration) {
	// Set up channels for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var tick <-chan time.Time
	if interval > 0 {
		statsTicker := time.NewTicker(interval)
		defer statsTicker.Stop()
		tick = statsTicker.C
	}

	fmt.Println("Press Ctrl+C to stop the server")
	for {
		select {
		case <-stop:
			fmt.Println("\nStopping server...")
			return
		case <-tick:
			srv.PrintStats()
		}
	}
}
