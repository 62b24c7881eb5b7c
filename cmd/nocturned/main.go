// cmd/nocturned/main.go runs one peer: it starts the DHT node, the secure
// blob server, the download reactor, and the admin HTTP/JSON API, then
// blocks until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ssd-technologies/nocturne-dist/internal/admin"
	"github.com/ssd-technologies/nocturne-dist/internal/engine"
)

func main() {
	dataDir := flag.String("data-dir", "", "data directory (required)")
	listenAddr := flag.String("listen-addr", "0.0.0.0:0", "blob server listen address")
	dhtPort := flag.Int("dht-port", 0, "DHT listen port (0 = random)")
	adminAddr := flag.String("admin-addr", "127.0.0.1:9191", "admin HTTP/JSON API listen address")
	bootstrap := flag.String("bootstrap", "", "comma-separated DHT bootstrap peer addresses")
	maxStorage := flag.String("max-storage", "10GB", "maximum blob store size (e.g. 500MB, 10GB)")
	maxConcurrent := flag.Int("max-concurrent-downloads", 0, "max blobs downloading at once (0 = default)")
	flag.Parse()

	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "Error: --data-dir is required")
		os.Exit(1)
	}

	var bootstrapPeers []string
	if *bootstrap != "" {
		bootstrapPeers = strings.Split(*bootstrap, ",")
	}

	eng, err := engine.New(engine.Config{
		DataDir:                *dataDir,
		ListenAddr:             *listenAddr,
		DHTPort:                *dhtPort,
		DHTBootstrapPeers:      bootstrapPeers,
		MaxBlobStoreBytes:      parseStorageSize(*maxStorage),
		MaxConcurrentDownloads: *maxConcurrent,
	})
	if err != nil {
		log.Fatalf("Failed to construct engine: %v", err)
	}

	if err := eng.Start(); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer eng.Close()

	st, err := eng.Status()
	if err != nil {
		log.Fatalf("Failed to read status: %v", err)
	}

	adminServer := admin.New(eng)
	httpSrv := &http.Server{Addr: *adminAddr, Handler: adminServer}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Admin API server error: %v", err)
		}
	}()

	fmt.Printf("nocturned started\n")
	fmt.Printf("  Node ID:     %s\n", st.NodeID)
	fmt.Printf("  DHT:         %s\n", st.DHTAddr)
	fmt.Printf("  Blob server: %s\n", st.BlobServerAddr)
	fmt.Printf("  Admin API:   http://%s\n", *adminAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	httpSrv.Shutdown(context.Background())
}

// parseStorageSize parses a human-sized storage limit like "10GB" or
// "500MB" into bytes.
func parseStorageSize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "KB")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --max-storage value: %s\n", s)
		os.Exit(1)
	}
	return n * multiplier
}
