// Command countd runs the vehicle counting service: an HTTP API that
// accepts counting jobs over JSONL detection files, tracks vehicles,
// detects counting-line crossings, and persists counts to sqlite.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/roadwatch/trafficcount/internal/api"
	"github.com/roadwatch/trafficcount/internal/job"
	"github.com/roadwatch/trafficcount/internal/store"
	"github.com/roadwatch/trafficcount/internal/version"
)

var (
	listen = flag.String("listen", ":8080", "Listen address")
	dbFile = flag.String("db", "trafficcount.db", "Path to the sqlite database")
	units  = flag.String("units", "mps", "Display units for speeds (mps, mph, kmph)")
)

// envDefault applies COUNTD_* environment values to flags that were not
// set on the command line.
func envDefault(name, envKey string) {
	v := os.Getenv(envKey)
	if v == "" {
		return
	}
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	if !set {
		flag.Set(name, v)
	}
}

func main() {
	// A missing .env is fine; explicit flags always win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}

	flag.Parse()
	envDefault("listen", "COUNTD_LISTEN")
	envDefault("db", "COUNTD_DB")
	envDefault("units", "COUNTD_UNITS")

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	log.Printf("countd %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	db, err := store.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	manager := job.NewManager(db)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		handler := api.LoggingMiddleware(api.NewServer(manager, db, *units).ServeMux())
		server := &http.Server{
			Addr:    *listen,
			Handler: handler,
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	// Cancel running jobs on shutdown so they park their final state in
	// the store instead of dying mid-frame.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()

		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, status := range manager.List() {
			j, ok := manager.Get(status.ID)
			if !ok || status.State.Terminal() {
				continue
			}
			j.Cancel()
			select {
			case <-j.Done():
			case <-drainCtx.Done():
			}
		}
		log.Printf("job drain complete")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
