package session

import (
	"bytes"
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/danmuck/udactl/internal/fault"
	"github.com/danmuck/udactl/internal/protocol"
	"github.com/danmuck/udactl/internal/protocol/nodetree"
	"github.com/danmuck/udactl/internal/protocol/stream"
	"github.com/danmuck/udactl/internal/protocol/typereg"
	"github.com/danmuck/udactl/internal/testutil/testlog"
)

func TestBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := cfg.Delay(1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := cfg.Delay(2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := cfg.Delay(3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := cfg.Delay(6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := cfg.Delay(2, rng)
	if got < 250*time.Millisecond || got > 750*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
	if got := cfg.Delay(2, nil); got != 500*time.Millisecond {
		t.Fatalf("jitter without rng got=%v", got)
	}
}

func TestValidateClientTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}

	cfg.SecurityMode = "staging"
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}

func TestWireTypeRoundTrip(t *testing.T) {
	testlog.Start(t)
	desc := typereg.New("Frame",
		typereg.String("label"),
		typereg.FixedArray("window", typereg.ElemInt16, 2, 3),
		typereg.VarArray("grid", typereg.ElemFloat64).WithRank(2),
		typereg.StructPointer("next", "Frame"),
		typereg.Scalar("gain", typereg.ElemFloat32).Added(2).WithDefault("1.5"),
	)
	got, err := FromWire(ToWire(desc))
	if err != nil {
		t.Fatalf("from wire: %v", err)
	}
	if !got.Equal(desc) {
		t.Fatalf("descriptor changed across the wire: %+v", got)
	}

	bad := ToWire(desc)
	bad.Fields[4].Width = 8
	if _, err := FromWire(bad); !errors.Is(err, fault.ErrMalformedMessage) {
		t.Fatalf("expected width mismatch rejection, got %v", err)
	}
}

func newEngine(t *testing.T, descs ...*typereg.TypeDescriptor) *protocol.Engine {
	t.Helper()
	reg := typereg.NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	if err := reg.RegisterAll(descs...); err != nil {
		t.Fatalf("register: %v", err)
	}
	return protocol.NewEngine(reg)
}

func pipeConns(t *testing.T, client, server *protocol.Engine) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	cp, err := stream.NewPair(a, stream.Config{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("client pair: %v", err)
	}
	sp, err := stream.NewPair(b, stream.Config{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("server pair: %v", err)
	}
	cc, sc := NewConn(cp, client), NewConn(sp, server)
	t.Cleanup(func() {
		_ = cc.Close()
		_ = sc.Close()
	})
	return cc, sc
}

func TestHandshakeNegotiatesLowerVersion(t *testing.T) {
	testlog.Start(t)
	clientEng, err := newEngine(t).WithVersion(2)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	client, server := pipeConns(t, clientEng, newEngine(t))

	accepted := make(chan ClientBlock, 1)
	errc := make(chan error, 1)
	go func() {
		cb, err := server.Accept("10.1000/shot")
		accepted <- cb
		errc <- err
	}()

	sb, _, err := client.Handshake(ClientBlock{Client: "tester", DOI: "10.1000/client"})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("accept: %v", err)
	}
	cb := <-accepted
	if sb.Version != 2 || client.Version() != 2 || server.Version() != 2 {
		t.Fatalf("versions server_block=%d client=%d server=%d", sb.Version, client.Version(), server.Version())
	}
	if cb.Client != "tester" || cb.DOI != "10.1000/client" || sb.DOI != "10.1000/shot" {
		t.Fatalf("blocks lost fields: %+v %+v", cb, sb)
	}
}

func TestAcceptRejectsUnsupportedVersion(t *testing.T) {
	testlog.Start(t)
	client, server := pipeConns(t, newEngine(t), newEngine(t))

	errc := make(chan error, 1)
	go func() {
		_, err := server.Accept("")
		errc <- err
	}()

	cb := ClientBlock{Client: "old", Version: 0}
	if err := client.eng.EncodeValue(client.pair.Out, protocol.MessageClientBlock, TypeClientBlock, &cb, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	var sb ServerBlock
	log, tail, err := client.eng.DecodeValue(client.pair.In, TypeServerBlock, &sb)
	if err != nil {
		t.Fatalf("read server block: %v", err)
	}
	defer log.ReleaseAll()
	if sb.Status != StatusError || len(tail) != 1 || tail[0].Code != int32(fault.KindVersionUnsupported) {
		t.Fatalf("expected rejection with tail, got %+v %v", sb, tail)
	}
	if err := <-errc; !errors.Is(err, fault.ErrVersionUnsupported) {
		t.Fatalf("accept: %v", err)
	}
}

type tableCounter struct{ tables, data int }

func (c *tableCounter) MessageEncoded(protocol.MessageType, int, error) {}
func (c *tableCounter) MessageDecoded(t protocol.MessageType, _ int, _ int, _ error) {
	switch t {
	case protocol.MessageTypeTable:
		c.tables++
	case protocol.MessageDataBlock:
		c.data++
	}
}

func TestRequestDataExchangeShipsTypesOnce(t *testing.T) {
	testlog.Start(t)
	sample := typereg.New("Sample", typereg.Scalar("t", typereg.ElemFloat64), typereg.Scalar("v", typereg.ElemFloat32))
	trace := typereg.New("Trace",
		typereg.String("name"),
		typereg.VarStructArray("samples", "Sample"),
	)
	clientEng := newEngine(t)
	counter := &tableCounter{}
	clientEng.Observer = counter
	serverEng := newEngine(t, sample, trace)
	client, server := pipeConns(t, clientEng, serverEng)

	samples := make([]nodetree.Node, 2)
	for i := range samples {
		samples[i].Init(serverEng.Registry.MustLookup("Sample"))
		samples[i].MustSet("t", nodetree.Float64(float64(i))).MustSet("v", nodetree.Float32(float32(i)*2))
	}
	payload := nodetree.NewNode(serverEng.Registry.MustLookup("Trace")).
		MustSet("name", nodetree.Str("ip")).
		MustSet("samples", nodetree.Children(samples))

	errc := make(chan error, 1)
	go func() {
		if _, err := server.Accept(""); err != nil {
			errc <- err
			return
		}
		for handle := uint32(1); ; handle++ {
			req, closed, err := server.ReadRequest()
			if err != nil || closed {
				errc <- err
				return
			}
			if req.Plugin != "kv" || req.Method != "get" {
				errc <- errors.New("unexpected request")
				return
			}
			warn := []fault.Record{{Severity: fault.SeverityWarning, Code: 3, Location: "kv", Message: "stale"}}
			if err := server.SendData(DataBlock{Handle: handle, CachePermission: 1}, payload, warn); err != nil {
				errc <- err
				return
			}
		}
	}()

	if _, _, err := client.Handshake(ClientBlock{Client: "tester"}); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	for i := 1; i <= 2; i++ {
		req := RequestBlock{Plugin: "kv", Method: "get", Args: []Argument{{Name: "key", Value: "ip"}}}
		if err := client.SendRequest(req); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		data, err := client.ReadData()
		if err != nil {
			t.Fatalf("data %d: %v", i, err)
		}
		if data.Block.Handle != uint32(i) || data.Block.TypeName != "Trace" || data.Block.CachePermission != 1 {
			t.Fatalf("block %d: %+v", i, data.Block)
		}
		if len(data.Tail) != 1 || data.Tail[0].Message != "stale" {
			t.Fatalf("tail %d: %v", i, data.Tail)
		}
		if !nodetree.Equal(data.Tree.Root, payload) {
			t.Fatalf("payload %d mismatch", i)
		}
		if err := data.Release(); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
	if err := client.SendClosedown(); err != nil {
		t.Fatalf("closedown: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("server: %v", err)
	}
	if counter.tables != 1 || counter.data != 2 {
		t.Fatalf("expected one type table and two data blocks, got %+v", counter)
	}
	if _, ok := clientEng.Registry.Lookup("Sample"); !ok {
		t.Fatalf("client did not install nested type")
	}
}

func TestRequestArgs(t *testing.T) {
	testlog.Start(t)
	req := RequestBlock{Args: []Argument{{Name: "key", Value: "a"}, {Name: "key", Value: "b"}}}
	if v, ok := req.Arg("key"); !ok || v != "a" {
		t.Fatalf("Arg = %q %v", v, ok)
	}
	if m := req.ArgMap(); m["key"] != "b" {
		t.Fatalf("ArgMap = %v", m)
	}
}

func TestTypeTableFaultConsumesItsDataBlock(t *testing.T) {
	testlog.Start(t)
	serverEng := newEngine(t, typereg.New("Foo", typereg.Scalar("x", typereg.ElemInt32)))
	clientEng := newEngine(t, typereg.New("Foo", typereg.Scalar("x", typereg.ElemFloat64)))

	var wire bytes.Buffer
	table, err := TableFor(serverEng.Registry, "Foo", map[string]struct{}{})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if err := serverEng.EncodeValue(&wire, protocol.MessageTypeTable, TypeTypeTable, &table, nil); err != nil {
		t.Fatalf("encode table: %v", err)
	}
	foo := nodetree.NewNode(serverEng.Registry.MustLookup("Foo")).MustSet("x", nodetree.Int32(7))
	first := DataBlock{Handle: 1, TypeName: "Foo"}
	err = serverEng.WriteMessage(&wire, protocol.MessageDataBlock, nil, func(w *protocol.Writer) error {
		if err := w.EncodeValue(TypeDataBlock, &first); err != nil {
			return err
		}
		return w.EncodeNode(foo)
	})
	if err != nil {
		t.Fatalf("encode first block: %v", err)
	}
	if err := serverEng.EncodeValue(&wire, protocol.MessageDataBlock, TypeDataBlock, &DataBlock{Handle: 2}, nil); err != nil {
		t.Fatalf("encode second block: %v", err)
	}

	data, err := DecodeData(clientEng, &wire)
	if !errors.Is(err, fault.ErrDuplicateType) {
		t.Fatalf("expected duplicate type, got %v", err)
	}
	if data == nil || data.Block.Handle != 1 || data.Tree != nil {
		t.Fatalf("first exchange: %+v", data)
	}

	data, err = DecodeData(clientEng, &wire)
	if err != nil {
		t.Fatalf("second exchange: %v", err)
	}
	defer data.Release()
	if data.Block.Handle != 2 {
		t.Fatalf("second exchange read handle %d", data.Block.Handle)
	}
	if wire.Len() != 0 {
		t.Fatalf("%d bytes left unread", wire.Len())
	}
}

func TestUnexpectedMessageLeavesExchangeOutOfStep(t *testing.T) {
	testlog.Start(t)
	eng := newEngine(t)
	var wire bytes.Buffer
	sb := ServerBlock{Version: eng.Version}
	if err := eng.EncodeValue(&wire, protocol.MessageServerBlock, TypeServerBlock, &sb, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeData(eng, &wire); !errors.Is(err, ErrOutOfStep) {
		t.Fatalf("expected ErrOutOfStep, got %v", err)
	}
}
