/*
Package sessionkit manages server-side session state for Go services.

A Manager hands out Session objects by id, keeps the ones in use in memory,
persists them to a pluggable SessionStore and expires idle sessions in the
background. Several processes can share one store; ids carry the worker name
("<hex>.<worker>") so each node only serves sessions it issued.

Key Features:

  - Pluggable Storage: file system (default), SQLite (CGO-free), PostgreSQL,
    Redis, Memcached and bbolt.
  - Security:
  - 128-bit random session ids from a crypto-seeded generator.
  - Session id renewal to prevent session fixation attacks.
  - Secure default cookie settings (HttpOnly, SameSite) in CookieAdapter.
  - Concurrency:
  - A session's state transitions and attribute changes are serialized per session.
  - Concurrent loads of one id hit the store once.
  - MaxActiveSessions is a soft cap checked when a session is created;
    sessions loaded from the store are never refused.
  - Lifecycle: listeners observe creation, attribute changes, id renewal,
    eviction and destruction of sessions.
  - Observability: Statistics counters, exported to Prometheus by StatisticsCollector.

Usage:

	mgr := sessionkit.NewManager(sessionkit.Config{
		WorkerName:     "node-1",
		MaxIdleSeconds: 1800,
		FileStore:      sessionkit.FileStoreConfig{StoreDir: "/var/lib/sessions"},
	})
	if err := mgr.Initialize(); err != nil {
		log.Fatal(err)
	}
	defer mgr.Destroy(context.Background())

	cookies := sessionkit.NewCookieAdapter(mgr, sessionkit.CookieConfig{})
	http.Handle("/", cookies.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent, _ := sessionkit.AgentFromContext(r.Context())
		if err := agent.SetAttribute(r.Context(), "user_id", int64(42)); err != nil {
			http.Error(w, "session unavailable", http.StatusInternalServerError)
		}
	})))

Code that is not request scoped uses the Manager directly: every successful
GetSession must be paired with exactly one Release.

Attribute Values:

Attributes hold strings, booleans, integers, floats, and lists or string-keyed
maps of those. Integers come back as int64 and floats as float64 after a
round trip through the store.

Thread Safety:

Manager, Session, the stores and Statistics are safe for concurrent use. An
Agent belongs to a single logical operation and must be completed exactly once.
*/
package sessionkit
