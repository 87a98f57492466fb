package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/Morditux/sessionkit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Settings come from an optional file plus SESSIONKIT_* variables,
	// e.g. SESSIONKIT_FILESTORE_STOREDIR=/tmp/sessions.
	cfg, err := sessionkit.LoadConfig(os.Getenv("SESSIONKIT_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.FileStore.StoreDir == "" {
		cfg.FileStore.StoreDir = "sessions"
	}
	if err := os.MkdirAll(cfg.FileStore.StoreDir, 0o700); err != nil {
		log.Fatalf("failed to create store dir: %v", err)
	}

	// Alternative: keep sessions in SQLite
	// store, err := sessionkit.NewSQLiteStore("sessions.db")
	// if err != nil {
	// 	log.Fatalf("failed to create store: %v", err)
	// }
	// cfg.Store = store

	mgr := sessionkit.NewManager(cfg)
	if err := mgr.Initialize(); err != nil {
		log.Fatalf("failed to start session manager: %v", err)
	}
	defer mgr.Destroy(context.Background())

	prometheus.MustRegister(sessionkit.NewStatisticsCollector("example", mgr.Statistics(), nil))

	cookies := sessionkit.NewCookieAdapter(mgr, sessionkit.CookieConfig{Name: "my_app_session"})
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		agent, _ := sessionkit.AgentFromContext(r.Context())

		var count int64
		val, err := agent.Attribute(r.Context(), "count")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if c, ok := val.(int64); ok {
			count = c
		}
		count++
		if err := agent.SetAttribute(r.Context(), "count", count); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		fmt.Fprintf(w, "Hello! You have visited this page %d times.", count)
	})

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		agent, _ := sessionkit.AgentFromContext(r.Context())
		if err := agent.SetAttribute(r.Context(), "authenticated", true); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		// New privileges, new id.
		if _, err := agent.RenewID(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "Logged in!")
	})

	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		agent, _ := sessionkit.AgentFromContext(r.Context())
		if err := agent.Invalidate(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "Logged out!")
	})

	http.Handle("/", cookies.Middleware(mux))
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mgr.Statistics().Snapshot())
	})

	fmt.Println("Server starting on :8080...")
	log.Fatal(http.ListenAndServe(":8080", nil))
}
