package wasm

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/udactl/internal/fault"
	"github.com/danmuck/udactl/internal/plugins"
	"github.com/danmuck/udactl/internal/protocol"
	"github.com/danmuck/udactl/internal/protocol/nodetree"
	"github.com/danmuck/udactl/internal/protocol/session"
	"github.com/danmuck/udactl/internal/protocol/typereg"
	"github.com/danmuck/udactl/internal/testutil/testlog"
)

// abi describes a synthetic module whose exports return constants.
type abi struct {
	iface   int32
	version int32
	status  int32
	reply   []byte
	skip    string
}

const replyAt = 2048

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func wname(s string) []byte { return append(uleb(uint64(len(s))), s...) }

func vec(items ...[]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(id byte, payload []byte) []byte {
	return append(append([]byte{id}, uleb(uint64(len(payload)))...), payload...)
}

func (a abi) module() []byte {
	const i32, i64 = 0x7f, 0x7e
	var packed int64
	if len(a.reply) > 0 {
		packed = int64(replyAt)<<32 | int64(len(a.reply))
	}
	fns := []struct {
		name string
		typ  byte
		body []byte
	}{
		{ExportAlloc, 0, append([]byte{0x41}, sleb(1024)...)},
		{ExportInterfaceVersion, 1, append([]byte{0x41}, sleb(int64(a.iface))...)},
		{ExportVersion, 1, append([]byte{0x41}, sleb(int64(a.version))...)},
		{DefaultEntrySymbol, 2, append([]byte{0x41}, sleb(int64(a.status))...)},
		{ExportOutput, 3, append([]byte{0x42}, sleb(packed)...)},
	}

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = append(out, section(1, vec(
		[]byte{0x60, 1, i32, 1, i32},
		[]byte{0x60, 0, 1, i32},
		[]byte{0x60, 2, i32, i32, 1, i32},
		[]byte{0x60, 0, 1, i64},
	))...)
	var decls, exports, bodies [][]byte
	if a.skip != ExportMemory {
		exports = append(exports, append(wname(ExportMemory), 0x02, 0))
	}
	for i, f := range fns {
		decls = append(decls, uleb(uint64(f.typ)))
		if a.skip != f.name {
			exports = append(exports, append(append(wname(f.name), 0x00), uleb(uint64(i))...))
		}
		body := append(append([]byte{0}, f.body...), 0x0b)
		bodies = append(bodies, append(uleb(uint64(len(body))), body...))
	}
	out = append(out, section(3, vec(decls...))...)
	out = append(out, section(5, vec([]byte{0x00, 1}))...)
	out = append(out, section(7, vec(exports...))...)
	out = append(out, section(10, vec(bodies...))...)
	if len(a.reply) > 0 {
		seg := append([]byte{0x00, 0x41}, sleb(replyAt)...)
		seg = append(seg, 0x0b)
		seg = append(seg, uleb(uint64(len(a.reply)))...)
		seg = append(seg, a.reply...)
		out = append(out, section(11, vec(seg))...)
	}
	return out
}

func writeModule(t *testing.T, dir, file string, raw []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), raw, 0o600); err != nil {
		t.Fatalf("write module: %v", err)
	}
}

type fixture struct {
	reg    *plugins.Registry
	disp   *plugins.Dispatcher
	loader *Loader
}

func newFixture(t *testing.T, dir string, specs ...plugins.ModuleSpec) fixture {
	t.Helper()
	types := typereg.NewRegistry()
	cfg := plugins.DefaultConfig()
	cfg.Modules = specs
	reg, err := plugins.NewRegistry(cfg, types)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	loader, err := NewLoader(context.Background(), Config{Dir: dir}, types)
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	reg.Use(plugins.SourceWasm, loader)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return fixture{reg: reg, disp: plugins.NewDispatcher(reg, ""), loader: loader}
}

func wasmSpec(name string) plugins.ModuleSpec {
	return plugins.ModuleSpec{Name: name, Source: plugins.SourceWasm, File: name}
}

var sampleType = typereg.New("Sample",
	typereg.Scalar("v", typereg.ElemFloat64),
	typereg.String("tag"),
)

// reply encodes what a module would leave in memory: the payload's type
// table, then a DataBlock with a warning in its tail.
func reply(t *testing.T) []byte {
	t.Helper()
	types := typereg.NewRegistry()
	if err := session.RegisterBuiltins(types); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	if err := types.Register(sampleType); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := protocol.NewEngine(types)
	var buf bytes.Buffer
	table, err := session.TableFor(types, "Sample", map[string]struct{}{})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if err := eng.EncodeValue(&buf, protocol.MessageTypeTable, session.TypeTypeTable, &table, nil); err != nil {
		t.Fatalf("encode table: %v", err)
	}
	payload := nodetree.NewNode(sampleType).
		MustSet("v", nodetree.Float64(2.5)).
		MustSet("tag", nodetree.Str("ip"))
	db := session.DataBlock{Message: "from wasm", TypeName: "Sample"}
	tail := []fault.Record{{Severity: fault.SeverityWarning, Code: 9, Location: "demo", Message: "calibration pending"}}
	err = eng.WriteMessage(&buf, protocol.MessageDataBlock, tail, func(w *protocol.Writer) error {
		if err := w.EncodeValue(session.TypeDataBlock, &db); err != nil {
			return err
		}
		return w.EncodeNode(payload)
	})
	if err != nil {
		t.Fatalf("encode data: %v", err)
	}
	return buf.Bytes()
}

func TestEntryRoundTripThroughMemory(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	writeModule(t, dir, "demo.wasm", abi{iface: 1, version: 4, reply: reply(t)}.module())
	f := newFixture(t, dir, wasmSpec("demo"))
	ctx := context.Background()

	out, err := f.disp.Call(ctx, &plugins.Request{Plugin: "demo", Method: "read", Args: map[string]string{"shot": "1"}})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.Message != "from wasm" {
		t.Fatalf("unexpected message %q", out.Message)
	}
	if out.Payload == nil || out.Payload.MustGet("v").Float() != 2.5 || out.Payload.MustGet("tag").String() != "ip" {
		t.Fatalf("unexpected payload %+v", out.Payload)
	}
	if recs := out.Tail.Records(); len(recs) != 1 || recs[0].Code != 9 {
		t.Fatalf("unexpected tail %+v", recs)
	}
	if _, ok := f.reg.Types().Lookup("Sample"); !ok {
		t.Fatalf("expected reply types installed")
	}

	out, err = f.disp.Call(ctx, &plugins.Request{Plugin: "demo", Method: "version"})
	if err != nil || out.Payload.MustGet("value").Int() != 4 {
		t.Fatalf("version: out=%v err=%v", out, err)
	}
}

func TestEntryStatusBecomesDispatchError(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	writeModule(t, dir, "sad.wasm", abi{iface: 1, status: 5}.module())
	f := newFixture(t, dir, wasmSpec("sad"))

	_, err := f.disp.Call(context.Background(), &plugins.Request{Plugin: "sad", Method: "read"})
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Kind != fault.KindDispatch || fe.Code != 5 || fe.Module != "sad" {
		t.Fatalf("expected dispatch error with code 5, got %v", err)
	}
}

func TestMissingEntryIsCachedFailure(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	writeModule(t, dir, "noentry.wasm", abi{iface: 1, skip: DefaultEntrySymbol}.module())
	f := newFixture(t, dir, wasmSpec("noentry"))

	for i := 0; i < 2; i++ {
		_, err := f.reg.Resolve(context.Background(), "noentry")
		var fe *fault.Error
		if !errors.As(err, &fe) || fe.Kind != fault.KindSymbolNotFound || fe.Symbol != DefaultEntrySymbol {
			t.Fatalf("resolve %d: expected missing %s, got %v", i, DefaultEntrySymbol, err)
		}
	}
	if f.reg.Loads() != 1 {
		t.Fatalf("expected one load attempt, got %d", f.reg.Loads())
	}
}

func TestLoadFailures(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	writeModule(t, dir, "empty.wasm", []byte("\x00asm\x01\x00\x00\x00"))
	writeModule(t, dir, "junk.wasm", []byte("not a module"))
	writeModule(t, dir, "future.wasm", abi{iface: 99}.module())
	f := newFixture(t, dir,
		wasmSpec("empty"),
		wasmSpec("junk"),
		wasmSpec("future"),
		wasmSpec("absent"),
	)

	cases := []struct {
		name string
		want error
	}{
		{"empty", fault.ErrSymbolNotFound},
		{"junk", fault.ErrModuleLoad},
		{"future", fault.ErrInterfaceTooNew},
		{"absent", fault.ErrModuleLoad},
	}
	for _, tc := range cases {
		_, err := f.reg.Resolve(context.Background(), tc.name)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestPathDefaultsExtension(t *testing.T) {
	testlog.Start(t)

	l := &Loader{cfg: Config{Dir: "/opt/uda/plugins"}.withDefaults()}
	if got := l.Path("demo"); got != "/opt/uda/plugins/demo.wasm" {
		t.Fatalf("unexpected path %q", got)
	}
	if got := l.Path("/abs/x.wasm"); got != "/abs/x.wasm" {
		t.Fatalf("unexpected absolute path %q", got)
	}
}
