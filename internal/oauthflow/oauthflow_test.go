package oauthflow

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/ggoodman/agent-obo-auth/sessions"
)

func testConfig(tokenEndpoint string) Config {
	return Config{
		ClientID:              "client-1",
		AuthorizationEndpoint: "https://idp.example/oauth2/authorize",
		TokenEndpoint:         tokenEndpoint,
		RedirectURI:           "http://localhost:8010/auth/callback",
		Scopes:                []string{"openid", "profile"},
	}
}

func TestAuthorizationURL_Params(t *testing.T) {
	c := New(testConfig("https://idp.example/oauth2/token"), nil)
	sess := &sessions.Session{JTI: "j1", UserID: "u1"}

	raw, err := c.AuthorizationURL(sess, "")
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()

	if got := q.Get("response_type"); got != "code" {
		t.Errorf("response_type = %q", got)
	}
	if got := q.Get("client_id"); got != "client-1" {
		t.Errorf("client_id = %q", got)
	}
	if got := q.Get("code_challenge_method"); got != "S256" {
		t.Errorf("code_challenge_method = %q", got)
	}
	if got := q.Get("scope"); got != "openid profile" {
		t.Errorf("scope = %q", got)
	}
	if q.Get("requested_actor") != "" {
		t.Errorf("unexpected requested_actor without an agent actor")
	}

	if sess.PKCEVerifier == "" || sess.CSRFState == "" {
		t.Fatalf("session missing verifier/state: %+v", sess)
	}
	if got := q.Get("state"); got != sess.CSRFState {
		t.Errorf("state param %q != session state %q", got, sess.CSRFState)
	}

	// code_challenge must be base64url-nopad(SHA256(verifier)).
	sum := sha256.Sum256([]byte(sess.PKCEVerifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	if got := q.Get("code_challenge"); got != want {
		t.Errorf("code_challenge = %q, want %q", got, want)
	}
}

func TestAuthorizationURL_RequestedActor(t *testing.T) {
	c := New(testConfig("https://idp.example/oauth2/token"), nil)
	sess := &sessions.Session{JTI: "j1"}

	raw, err := c.AuthorizationURL(sess, "agent-42")
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	u, _ := url.Parse(raw)
	if got := u.Query().Get("requested_actor"); got != "agent-42" {
		t.Errorf("requested_actor = %q", got)
	}
}

func TestAuthorizationURL_FreshPairEveryCall(t *testing.T) {
	c := New(testConfig("https://idp.example/oauth2/token"), nil)
	sess := &sessions.Session{JTI: "j1"}

	if _, err := c.AuthorizationURL(sess, ""); err != nil {
		t.Fatalf("first call: %v", err)
	}
	v1, s1 := sess.PKCEVerifier, sess.CSRFState
	if _, err := c.AuthorizationURL(sess, ""); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if sess.PKCEVerifier == v1 {
		t.Errorf("verifier reused across calls")
	}
	if sess.CSRFState == s1 {
		t.Errorf("state reused across calls")
	}
}

func TestExchange_PostsVerifierAndActorToken(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "OBO1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "R1",
			"id_token":      "ID1",
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil)
	sess := &sessions.Session{JTI: "j1", PKCEVerifier: "verifier-abc"}

	resp, err := c.Exchange(context.Background(), "code-1", sess, "agent-tok")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	if got := gotForm.Get("grant_type"); got != "authorization_code" {
		t.Errorf("grant_type = %q", got)
	}
	if got := gotForm.Get("code"); got != "code-1" {
		t.Errorf("code = %q", got)
	}
	if got := gotForm.Get("code_verifier"); got != "verifier-abc" {
		t.Errorf("code_verifier = %q", got)
	}
	if got := gotForm.Get("actor_token"); got != "agent-tok" {
		t.Errorf("actor_token = %q", got)
	}

	if resp.AccessToken != "OBO1" || resp.RefreshToken != "R1" || resp.IDToken != "ID1" {
		t.Errorf("unexpected token response: %+v", resp)
	}
}

func TestExchange_NoPendingVerifier(t *testing.T) {
	c := New(testConfig("https://idp.example/oauth2/token"), nil)
	sess := &sessions.Session{JTI: "j1"}

	_, err := c.Exchange(context.Background(), "code-1", sess, "")
	if !errors.Is(err, ErrNoPendingFlow) {
		t.Fatalf("want ErrNoPendingFlow, got %v", err)
	}
}

func TestExchange_UpstreamErrorCarriesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil)
	sess := &sessions.Session{JTI: "j1", PKCEVerifier: "verifier-abc"}

	_, err := c.Exchange(context.Background(), "stale-code", sess, "")
	var flowErr *FlowError
	if !errors.As(err, &flowErr) {
		t.Fatalf("want *FlowError, got %v", err)
	}
	if flowErr.Status != http.StatusBadRequest {
		t.Errorf("status = %d", flowErr.Status)
	}
	if flowErr.Body == "" {
		t.Errorf("body not captured")
	}
}
