package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/udactl/internal/client"
	"github.com/danmuck/udactl/internal/config"
	"github.com/danmuck/udactl/internal/fault"
	"github.com/danmuck/udactl/internal/plugins"
	"github.com/danmuck/udactl/internal/protocol"
	"github.com/danmuck/udactl/internal/protocol/session"
	"github.com/danmuck/udactl/internal/protocol/stream"
	"github.com/danmuck/udactl/internal/protocol/typereg"
	"github.com/danmuck/udactl/internal/testutil/testlog"
	"github.com/danmuck/udactl/internal/testutil/tlstest"
)

type running struct {
	svc  *Service
	reg  *plugins.Registry
	addr string
	stop func()
}

func serverConfig(t *testing.T) config.ServerConfig {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.AdminAddr = ""
	cfg.Plugins.Dir = t.TempDir()
	cfg.Plugins.FSRoot = t.TempDir()
	return cfg
}

func startServer(t *testing.T, cfg config.ServerConfig) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	svc, reg, err := NewFromConfig(ctx, cfg)
	if err != nil {
		cancel()
		t.Fatalf("new server: %v", err)
	}
	var ln net.Listener
	if cfg.Session.TLS.Enabled {
		tlsCfg, err := cfg.Session.ServerTLSConfig()
		if err != nil {
			cancel()
			t.Fatalf("server tls: %v", err)
		}
		ln, err = tls.Listen("tcp", cfg.Listen, tlsCfg)
		if err != nil {
			cancel()
			t.Fatalf("listen: %v", err)
		}
	} else if ln, err = net.Listen("tcp", cfg.Listen); err != nil {
		cancel()
		t.Fatalf("listen: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	r := &running{svc: svc, reg: reg, addr: ln.Addr().String()}
	var stopped bool
	r.stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("serve did not return after cancel")
		}
		_ = reg.Close(context.Background())
	}
	t.Cleanup(r.stop)
	return r
}

func dial(t *testing.T, addr string, mutate func(*config.ClientConfig)) *client.Client {
	t.Helper()
	cfg := config.DefaultClientConfig()
	cfg.Addr = addr
	cfg.Retries = 0
	if mutate != nil {
		mutate(&cfg)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRequestLoopOverLoopback(t *testing.T) {
	testlog.Start(t)

	srv := startServer(t, serverConfig(t))
	c := dial(t, srv.addr, nil)
	ctx := context.Background()

	if c.Version() != protocol.CurrentVersion {
		t.Fatalf("unexpected version %d", c.Version())
	}
	res, err := c.Get(ctx, "kv", "put", map[string]string{"key": "shot", "value": "42"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if res.Block.Message != "ok put key=shot" || res.Block.Handle != 1 {
		t.Fatalf("unexpected put block %+v", res.Block)
	}
	if err := res.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	res, err = c.Get(ctx, "KV", "GET", map[string]string{"key": "shot"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := res.Payload().MustGet("value").String(); got != "42" {
		t.Fatalf("unexpected value %q", got)
	}
	if res.Block.TypeName != "KVEntry" || res.Block.Handle != 2 {
		t.Fatalf("unexpected get block %+v", res.Block)
	}
	if _, ok := c.Types().Lookup("KVEntry"); !ok {
		t.Fatalf("expected the type table to be installed")
	}

	res, err = c.Get(ctx, "kv", "help", nil)
	if err != nil {
		t.Fatalf("help: %v", err)
	}
	if !strings.Contains(res.Payload().MustGet("value").String(), "put") {
		t.Fatalf("unexpected help %q", res.Payload().MustGet("value").String())
	}
}

func TestDispatchFailuresBecomeErrorBlocks(t *testing.T) {
	testlog.Start(t)

	srv := startServer(t, serverConfig(t))
	c := dial(t, srv.addr, nil)
	ctx := context.Background()

	cases := []struct {
		plugin, method string
		args           map[string]string
		kind           fault.Kind
		status         int32
	}{
		{"kv", "get", map[string]string{"key": "absent"}, fault.KindDispatch, plugins.CodeNotFound},
		{"kv", "get", nil, fault.KindDispatch, plugins.CodeBadArgument},
		{"kv", "explode", nil, fault.KindDispatch, plugins.CodeNotFound},
		{"nosuch", "get", nil, fault.KindDispatch, session.StatusError},
	}
	for _, tc := range cases {
		res, err := c.Get(ctx, tc.plugin, tc.method, tc.args)
		var fe *fault.Error
		if !errors.As(err, &fe) || fe.Kind != tc.kind || fe.Code != tc.status {
			t.Fatalf("%s::%s: expected status %d, got %v", tc.plugin, tc.method, tc.status, err)
		}
		if res == nil || res.Block.Status != tc.status || len(res.Errors) != 1 {
			t.Fatalf("%s::%s: unexpected result %+v", tc.plugin, tc.method, res)
		}
		if res.Errors[0].Severity != fault.SeverityError {
			t.Fatalf("%s::%s: unexpected tail %+v", tc.plugin, tc.method, res.Errors)
		}
	}

	// The connection survives every failure above.
	if _, err := c.Get(ctx, "kv", "list", nil); err != nil {
		t.Fatalf("list after failures: %v", err)
	}
}

func TestMalformedRequestIsAnsweredAndSkipped(t *testing.T) {
	testlog.Start(t)

	srv := startServer(t, serverConfig(t))
	conn, err := net.Dial("tcp", srv.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	pair, err := stream.NewPair(conn, stream.DefaultConfig())
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	defer pair.Close()
	types := typereg.NewRegistry()
	if err := session.RegisterBuiltins(types); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	eng := protocol.NewEngine(types)
	sc := session.NewConn(pair, eng)
	if _, _, err := sc.Handshake(session.ClientBlock{Client: "raw"}); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	// A Structure message where a request belongs.
	err = sc.Engine().WriteMessage(pair.Out, protocol.MessageStructure, nil, func(w *protocol.Writer) error {
		w.PutUint32(7)
		return nil
	})
	if err != nil {
		t.Fatalf("write stray message: %v", err)
	}
	data, err := sc.ReadData()
	if err != nil {
		t.Fatalf("read error block: %v", err)
	}
	if data.Block.Status != session.StatusError || len(data.Tail) != 1 {
		t.Fatalf("expected an error block, got %+v tail=%+v", data.Block, data.Tail)
	}
	if !strings.Contains(data.Tail[0].Message, "found structure") {
		t.Fatalf("unexpected tail message %q", data.Tail[0].Message)
	}

	if err := sc.SendRequest(session.RequestBlock{Plugin: "kv", Method: "list"}); err != nil {
		t.Fatalf("request: %v", err)
	}
	data, err = sc.ReadData()
	if err != nil || data.Block.Status != session.StatusOK {
		t.Fatalf("expected the next request to succeed, block=%+v err=%v", data.Block, err)
	}
	if err := sc.SendClosedown(); err != nil {
		t.Fatalf("closedown: %v", err)
	}
}

func TestVersionNegotiation(t *testing.T) {
	testlog.Start(t)

	cfg := serverConfig(t)
	cfg.ProtocolVersion = 2
	srv := startServer(t, cfg)

	c := dial(t, srv.addr, nil)
	if c.Version() != 2 || c.Server().Version != 2 {
		t.Fatalf("expected version 2, got %d", c.Version())
	}
	old := dial(t, srv.addr, func(cc *config.ClientConfig) { cc.ProtocolVersion = 1 })
	if old.Version() != 1 {
		t.Fatalf("expected version 1, got %d", old.Version())
	}
	if _, err := old.Get(context.Background(), "kv", "list", nil); err != nil {
		t.Fatalf("list at version 1: %v", err)
	}
}

func TestMutualTLS(t *testing.T) {
	testlog.Start(t)

	ca := tlstest.NewAuthority(t, "uda-test-ca")
	cfg := serverConfig(t)
	cfg.Session.TLS = ca.ServerTLS(t, true)
	srv := startServer(t, cfg)

	c := dial(t, srv.addr, func(cc *config.ClientConfig) {
		cc.Session.TLS = ca.ClientTLS(t, "udaclient")
	})
	if _, err := c.Get(context.Background(), "kv", "list", nil); err != nil {
		t.Fatalf("list over mtls: %v", err)
	}

	cc := config.DefaultClientConfig()
	cc.Addr = srv.addr
	cc.Retries = 0
	cc.Session.TLS = session.TLSConfig{Enabled: true, CAFile: ca.CAFile()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if anon, err := client.Dial(ctx, cc); err == nil {
		_, err = anon.Get(ctx, "kv", "list", nil)
		_ = anon.Close()
		if err == nil {
			t.Fatalf("expected a client without a certificate to be refused")
		}
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	testlog.Start(t)

	srv := startServer(t, serverConfig(t))
	c := dial(t, srv.addr, nil)
	deadline := time.Now().Add(2 * time.Second)
	for srv.svc.Active() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.svc.Active() != 1 {
		t.Fatalf("expected one active connection, got %d", srv.svc.Active())
	}

	srv.stop()
	if _, err := c.Get(context.Background(), "kv", "list", nil); err == nil {
		t.Fatalf("expected request after shutdown to fail")
	}
	if srv.svc.Active() != 0 {
		t.Fatalf("expected no active connections, got %d", srv.svc.Active())
	}
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)

	cfg := serverConfig(t)
	cfg.Plugins.FailOnLoad = false
	cfg.Plugins.Modules = []plugins.ModuleSpec{{Name: "missing", Source: plugins.SourceWasm, File: "missing.wasm"}}
	svc, reg, err := NewFromConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	get := func(path string, into any) {
		t.Helper()
		rr := httptest.NewRecorder()
		svc.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("GET %s: status %d body=%s", path, rr.Code, rr.Body.String())
		}
		if into != nil {
			if err := json.Unmarshal(rr.Body.Bytes(), into); err != nil {
				t.Fatalf("GET %s: decode: %v", path, err)
			}
		}
	}

	var health map[string]any
	get("/health", &health)
	if health["status"] != "ok" || health["service"] != "udaserver" {
		t.Fatalf("unexpected health %+v", health)
	}

	var listing struct {
		Plugins []PluginInfo `json:"plugins"`
	}
	get("/plugins", &listing)
	byName := make(map[string]PluginInfo)
	for _, p := range listing.Plugins {
		byName[p.Name] = p
	}
	if !byName["kv"].Loaded || !byName["fs"].Loaded {
		t.Fatalf("expected preloaded builtins, got %+v", listing.Plugins)
	}
	if m := byName["missing"]; m.Loaded || m.Error == "" {
		t.Fatalf("expected the missing module to report its load error, got %+v", m)
	}

	var types struct {
		Types []TypeInfo `json:"types"`
	}
	get("/types", &types)
	found := false
	for _, ti := range types.Types {
		if ti.Name == "KVEntry" && len(ti.Fields) == 3 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected KVEntry in %+v", types.Types)
	}

	get("/metrics", nil)
}

func TestAdminTokenGuardsListings(t *testing.T) {
	testlog.Start(t)

	cfg := serverConfig(t)
	cfg.AdminToken = "s3cret"
	svc, reg, err := NewFromConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	status := func(path, token string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		svc.Router().ServeHTTP(rr, req)
		return rr.Code
	}

	if code := status("/health", ""); code != http.StatusOK {
		t.Fatalf("health should stay open, got %d", code)
	}
	for _, path := range []string{"/plugins", "/types"} {
		if code := status(path, ""); code != http.StatusUnauthorized {
			t.Fatalf("GET %s without token: %d", path, code)
		}
		if code := status(path, "nope"); code != http.StatusUnauthorized {
			t.Fatalf("GET %s with wrong token: %d", path, code)
		}
		if code := status(path, "s3cret"); code != http.StatusOK {
			t.Fatalf("GET %s with token: %d", path, code)
		}
	}
}
