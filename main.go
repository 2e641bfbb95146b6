package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

func main() {
	cfg, err := LoadConfig(".env", os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.ClientDir == "" {
		exe, _ := os.Executable()
		cfg.ClientDir = filepath.Join(filepath.Dir(exe), "..", "client")
		// Fallback for development
		if _, err := os.Stat(cfg.ClientDir); os.IsNotExist(err) {
			cfg.ClientDir = "../client"
		}
	}

	var db *DB
	if cfg.DBPath != "" {
		db, err = OpenDB(cfg.DBPath)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		defer db.Close()
	}

	var store DocStore
	switch cfg.Store {
	case StoreSQLite:
		store, err = NewSQLStore(db)
		if err != nil {
			log.Fatalf("sqlite store: %v", err)
		}
	default:
		store = NewMemoryStore()
	}

	analytics := NewAnalytics(db)
	lobbies := NewLobbyManager(store, cfg.LobbyConfig(), NewResults(db, analytics), analytics)
	hub := NewHub(lobbies, db, NewAuth(db, cfg.JWTSecret), analytics)
	go hub.Run()

	mux := SetupRoutes(hub, cfg.ClientDir)

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	server := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		log.Printf("Server starting on %s (store=%s, tick=%s)", cfg.Addr, cfg.Store, cfg.Tick)
		log.Printf("Serving client files from %s", cfg.ClientDir)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe: %v", err)
		}
	}()

	<-stop
	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lobbies.CloseAll(ctx)
	server.Shutdown(ctx)
	analytics.Stop()
}
