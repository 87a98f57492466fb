package sessionkit

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

type agentContextKey struct{}

// ContextWithAgent returns a copy of ctx carrying a.
func ContextWithAgent(ctx context.Context, a *Agent) context.Context {
	return context.WithValue(ctx, agentContextKey{}, a)
}

// AgentFromContext returns the agent bound by CookieAdapter.Middleware, if any.
func AgentFromContext(ctx context.Context) (*Agent, bool) {
	a, ok := ctx.Value(agentContextKey{}).(*Agent)
	return a, ok
}

// CookieConfig configures the session cookie written by CookieAdapter.
type CookieConfig struct {
	Name     string
	Path     string
	Domain   string
	HttpOnly *bool
	Secure   *bool
	SameSite http.SameSite
}

// CookieAdapter carries the session id in a cookie and binds one Agent to
// each request.
type CookieAdapter struct {
	manager  *Manager
	name     string
	path     string
	domain   string
	httpOnly bool
	secure   *bool
	sameSite http.SameSite
	logger   *slog.Logger
}

func NewCookieAdapter(m *Manager, cfg CookieConfig) *CookieAdapter {
	if cfg.Name == "" {
		cfg.Name = "session_id"
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}

	a := &CookieAdapter{
		manager:  m,
		name:     cfg.Name,
		path:     cfg.Path,
		domain:   cfg.Domain,
		httpOnly: true, // Default
		secure:   cfg.Secure,
		sameSite: http.SameSiteLaxMode, // Default
		logger:   m.logger,
	}
	if cfg.HttpOnly != nil {
		a.httpOnly = *cfg.HttpOnly
	}
	if cfg.SameSite != 0 {
		a.sameSite = cfg.SameSite
	}

	// Browsers reject SameSite=None cookies without the Secure attribute.
	if a.sameSite == http.SameSiteNoneMode {
		secure := true
		a.secure = &secure
	}
	return a
}

// Middleware binds an Agent for the request's session to the request context
// and completes it when the handler returns, panics included. The cookie is
// written before the first byte of the response when the session was
// created, renewed or invalidated.
func (a *CookieAdapter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if c, err := r.Cookie(a.name); err == nil {
			id = c.Value
		}

		agent := NewAgent(a.manager, id)
		cw := &cookieWriter{ResponseWriter: w, adapter: a, agent: agent, request: r, requestID: id}
		defer func() {
			if err := agent.Complete(r.Context()); err != nil {
				a.logger.Warn("failed to complete session", "session_id", agent.ID(), "error", err)
			}
		}()

		next.ServeHTTP(cw, r.WithContext(ContextWithAgent(r.Context(), agent)))
		cw.writeCookie()
	})
}

func (a *CookieAdapter) cookie(r *http.Request, value string, maxAge int) *http.Cookie {
	secure := r.TLS != nil
	if a.secure != nil {
		secure = *a.secure
	}
	c := &http.Cookie{
		Name:     a.name,
		Value:    value,
		Path:     a.path,
		Domain:   a.domain,
		MaxAge:   maxAge,
		HttpOnly: a.httpOnly,
		Secure:   secure,
		SameSite: a.sameSite,
	}
	if maxAge > 0 {
		c.Expires = time.Now().Add(time.Duration(maxAge) * time.Second)
	}
	return c
}

// cookieWriter sets the session cookie just before the response header goes out.
type cookieWriter struct {
	http.ResponseWriter
	adapter   *CookieAdapter
	agent     *Agent
	request   *http.Request
	requestID string
	written   bool
}

func (cw *cookieWriter) writeCookie() {
	if cw.written {
		return
	}
	cw.written = true

	id := cw.agent.ID()
	switch {
	case id != "" && id != cw.requestID:
		http.SetCookie(cw.ResponseWriter, cw.adapter.cookie(cw.request, id, max(cw.adapter.manager.DefaultMaxIdleSecs(), 0)))
	case id == "" && cw.agent.Invalidated():
		// Always clear the cookie once the session is gone.
		http.SetCookie(cw.ResponseWriter, cw.adapter.cookie(cw.request, "", -1))
	}
}

func (cw *cookieWriter) WriteHeader(code int) {
	cw.writeCookie()
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *cookieWriter) Write(b []byte) (int, error) {
	cw.writeCookie()
	return cw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (cw *cookieWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}
