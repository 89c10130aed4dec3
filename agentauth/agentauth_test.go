package agentauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/agent-obo-auth/internal/oauthflow"
)

// agentProvider is a fake IdP implementing the three-step direct flow. It
// records what the client sent so tests can assert on the wire contract.
type agentProvider struct {
	srv *httptest.Server

	mu            sync.Mutex
	challenge     string
	authnBody     map[string]any
	exchangeForm  map[string]string
	expiresIn     int64
	tokenRequests int64

	failStep   string // "authorize", "authn" or "token"
	failStatus int
}

func newAgentProvider(t *testing.T) *agentProvider {
	t.Helper()
	p := &agentProvider{expiresIn: 3600, failStatus: http.StatusForbidden}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/authorize", func(w http.ResponseWriter, r *http.Request) {
		if p.failStep == "authorize" {
			http.Error(w, `{"error":"invalid_request"}`, p.failStatus)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got := r.PostForm.Get("response_mode"); got != "direct" {
			t.Errorf("authorize response_mode = %q, want direct", got)
		}
		if got := r.PostForm.Get("code_challenge_method"); got != "S256" {
			t.Errorf("authorize code_challenge_method = %q, want S256", got)
		}
		p.mu.Lock()
		p.challenge = r.PostForm.Get("code_challenge")
		p.mu.Unlock()
		writeJSON(w, map[string]any{"flowId": "flow-1"})
	})
	mux.HandleFunc("/oauth2/authn", func(w http.ResponseWriter, r *http.Request) {
		if p.failStep == "authn" {
			http.Error(w, `{"error":"authentication_failed"}`, p.failStatus)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.authnBody = body
		p.mu.Unlock()
		writeJSON(w, map[string]any{"authData": map[string]any{"code": "code-1"}})
	})
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&p.tokenRequests, 1)
		if p.failStep == "token" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(p.failStatus)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.exchangeForm = map[string]string{
			"grant_type":    r.PostForm.Get("grant_type"),
			"code":          r.PostForm.Get("code"),
			"code_verifier": r.PostForm.Get("code_verifier"),
		}
		p.mu.Unlock()
		writeJSON(w, map[string]any{
			"access_token": "agent-token-1",
			"token_type":   "Bearer",
			"expires_in":   p.expiresIn,
			"scope":        "openid",
		})
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (p *agentProvider) config() Config {
	return Config{
		ClientID:      "client-1",
		AgentID:       "agent-1",
		AgentPassword: "hunter2",
		TokenEndpoint: p.srv.URL + "/oauth2/token",
	}
}

func TestAcquireTokens_HappyPath(t *testing.T) {
	srv := newAgentProvider(t)
	prov, err := New(srv.config(), nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	tok, err := prov.AcquireTokens(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if tok.AccessToken != "agent-token-1" {
		t.Fatalf("access token = %q", tok.AccessToken)
	}
	if !tok.Valid(time.Now()) {
		t.Fatalf("fresh token reported invalid: %+v", tok)
	}

	// The authn step must identify the agent through the basic
	// authenticator with the AGENT/ username prefix.
	srv.mu.Lock()
	defer srv.mu.Unlock()
	sel, _ := srv.authnBody["selectedAuthenticator"].(map[string]any)
	if sel == nil {
		t.Fatalf("authn body missing selectedAuthenticator: %v", srv.authnBody)
	}
	if got := sel["authenticatorId"]; got != basicAuthenticatorID {
		t.Errorf("authenticatorId = %v", got)
	}
	params, _ := sel["params"].(map[string]any)
	if got := params["username"]; got != "AGENT/agent-1" {
		t.Errorf("username = %v", got)
	}

	// The verifier sent at exchange must hash to the challenge sent at
	// initiation.
	verifier := srv.exchangeForm["code_verifier"]
	sum := sha256.Sum256([]byte(verifier))
	if got := base64.RawURLEncoding.EncodeToString(sum[:]); got != srv.challenge {
		t.Errorf("verifier does not match initiation challenge")
	}
	if srv.exchangeForm["code"] != "code-1" {
		t.Errorf("exchange code = %q", srv.exchangeForm["code"])
	}
}

func TestAcquireTokens_StepFailuresAreAnnotated(t *testing.T) {
	for _, tc := range []struct {
		step string
		want string
	}{
		{"authorize", "agent authorization initiation"},
		{"authn", "agent authentication"},
		{"token", "agent token exchange"},
	} {
		t.Run(tc.step, func(t *testing.T) {
			srv := newAgentProvider(t)
			srv.failStep = tc.step
			prov, err := New(srv.config(), nil)
			if err != nil {
				t.Fatalf("new provider: %v", err)
			}

			_, err = prov.AcquireTokens(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not name step %q", err, tc.want)
			}
			var ferr *oauthflow.FlowError
			if !errors.As(err, &ferr) {
				t.Fatalf("error %v is not a FlowError", err)
			}
			if ferr.Status != http.StatusForbidden {
				t.Fatalf("flow error status = %d", ferr.Status)
			}
		})
	}
}

func TestGetToken_CachesWhileFresh(t *testing.T) {
	srv := newAgentProvider(t)
	prov, err := New(srv.config(), nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx := context.Background()

	first, err := prov.GetToken(ctx)
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	second, err := prov.GetToken(ctx)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if first.AccessToken != second.AccessToken {
		t.Fatalf("cached token diverged")
	}
	if n := atomic.LoadInt64(&srv.tokenRequests); n != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", n)
	}
}

func TestGetToken_ReacquiresInsideExpiryBuffer(t *testing.T) {
	srv := newAgentProvider(t)
	// A 60 second lifetime is already inside the 5 minute buffer, so the
	// token is stale the moment it is issued.
	srv.expiresIn = 60
	prov, err := New(srv.config(), nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx := context.Background()

	if _, err := prov.GetToken(ctx); err != nil {
		t.Fatalf("first get: %v", err)
	}
	if _, err := prov.GetToken(ctx); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if n := atomic.LoadInt64(&srv.tokenRequests); n != 2 {
		t.Fatalf("token endpoint hit %d times, want 2", n)
	}
}

func TestGetToken_CoalescesConcurrentAcquisitions(t *testing.T) {
	srv := newAgentProvider(t)
	prov, err := New(srv.config(), nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := prov.GetToken(context.Background()); err != nil {
				t.Errorf("get token: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&srv.tokenRequests); got != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", got)
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(Config{TokenEndpoint: "https://idp.example/oauth2/token"}, nil)
	if err == nil {
		t.Fatal("expected error for missing credentials")
	}
	_, err = New(Config{ClientID: "c", AgentID: "a", AgentPassword: "p"}, nil)
	if err == nil {
		t.Fatal("expected error for missing token endpoint")
	}
}
