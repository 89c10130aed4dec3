// Package callbackserver runs a small local HTTP listener that receives
// the OAuth redirect for hosts that do not embed a web server of their
// own (CLIs, workers). Browser callbacks get a static HTML page and are
// completed asynchronously so a slow downstream exchange never blocks the
// accept loop; clients that negotiate application/json get the completion
// result synchronously.
package callbackserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/agent-obo-auth/auth"
	"github.com/ggoodman/agent-obo-auth/sessions"
)

// Handler completes delegation flows. *auth.Orchestrator satisfies it.
type Handler interface {
	HandleCallback(ctx context.Context, code, state string) (*auth.Authenticated, error)
}

var (
	htmlMediaType = contenttype.NewMediaType("text/html")
	jsonMediaType = contenttype.NewMediaType("application/json")
	offeredTypes  = []contenttype.MediaType{htmlMediaType, jsonMediaType}
)

const successPage = `<html><body><h1>Login Successful</h1><p>You can close this window.</p><script>window.close();</script></body></html>`

// completionTimeout bounds the detached processing of one browser
// callback.
const completionTimeout = 30 * time.Second

// Server is the local callback listener.
type Server struct {
	handler Handler
	store   sessions.Store
	log     *slog.Logger

	addr string
	srv  *http.Server
	ln   net.Listener

	wg sync.WaitGroup
}

type Option func(*Server)

// WithLogger sets the logger; defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New builds a listener for the given completion handler. store is
// consulted by WaitForCompletion; pass the orchestrator's Sessions().
func New(handler Handler, store sessions.Store, port int, opts ...Option) *Server {
	s := &Server{
		handler: handler,
		store:   store,
		addr:    fmt.Sprintf("localhost:%d", port),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the port and begins serving in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("callback listener bind: %w", err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: http.HandlerFunc(s.serveHTTP), ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("callback listener stopped", slog.String("error", err.Error()))
		}
	}()
	s.log.Info("callback listener started", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, useful when started with port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Close shuts the listener down and waits for in-flight handlers.
func (s *Server) Close(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	code, state, cbErr := q.Get("code"), q.Get("state"), q.Get("error")

	switch {
	case code != "" && state != "":
		s.completeFlow(w, r, code, state)
	case cbErr != "":
		s.log.Warn("callback reported provider error", slog.String("error", cbErr))
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "<html><body><h1>Login Failed</h1><p>%s</p></body></html>", cbErr)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) completeFlow(w http.ResponseWriter, r *http.Request, code, state string) {
	accepted, _, err := contenttype.GetAcceptableMediaType(r, offeredTypes)
	if err == nil && accepted.Matches(jsonMediaType) {
		// Programmatic caller: complete synchronously and report the result.
		result, err := s.handler.HandleCallback(r.Context(), code, state)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"detail": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"jti":     result.SessionJTI,
			"user_id": result.UserID,
		})
		return
	}

	// Browser: acknowledge immediately, exchange off the accept goroutine.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), completionTimeout)
		defer cancel()
		if _, err := s.handler.HandleCallback(ctx, code, state); err != nil {
			s.log.Error("callback processing failed", slog.String("error", err.Error()))
			return
		}
		s.log.Info("callback processed")
	}()

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(successPage))
}

// WaitForCompletion polls the session store until the session identified
// by jti holds a delegated token or the timeout elapses. It is intended
// for out-of-band callers that must block until the user finishes the
// browser flow.
func (s *Server) WaitForCompletion(ctx context.Context, jti string, timeout time.Duration) (bool, error) {
	if s.store == nil {
		return false, errors.New("callbackserver: no session store configured")
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		sess, err := s.store.Get(ctx, jti)
		if err != nil {
			return false, err
		}
		if sess.Delegated() {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
