package wasm

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/danmuck/udactl/internal/fault"
	"github.com/danmuck/udactl/internal/plugins"
	"github.com/danmuck/udactl/internal/protocol"
	"github.com/danmuck/udactl/internal/protocol/session"
)

// module is an instantiated plugin. Instances are single-threaded, so calls
// into the module are serialized.
type module struct {
	name     string
	path     string
	symbol   string
	meta     plugins.Metadata
	engine   *protocol.Engine
	mu       sync.Mutex
	mod      api.Module
	compiled wazero.CompiledModule
	alloc    api.Function
	entry    api.Function
	output   api.Function
}

func (m *module) Metadata() plugins.Metadata { return m.meta }

// Methods is empty: every non-standard method goes through Entry.
func (m *module) Methods() []plugins.Method { return nil }

// Entry hands the request to the module and decodes its reply into out.
func (m *module) Entry(ctx context.Context, req *plugins.Request, out *plugins.Output) error {
	const op = "wasm.Entry"
	rb := session.RequestBlock{Plugin: req.Plugin, Method: req.Method, Request: req.Raw}
	keys := make([]string, 0, len(req.Args))
	for k := range req.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rb.Args = append(rb.Args, session.Argument{Name: k, Value: req.Args[k]})
	}
	var msg bytes.Buffer
	if err := m.engine.EncodeValue(&msg, protocol.MessageRequestBlock, session.TypeRequestBlock, &rb, nil); err != nil {
		return err
	}

	reply, status, err := m.call(ctx, msg.Bytes())
	if err != nil {
		return fault.New(fault.KindDispatch, op).Module(m.name).Symbol(m.symbol).
			Code(plugins.CodeFailed).Cause(err).Build()
	}

	var message string
	if len(reply) > 0 {
		data, err := session.DecodeData(m.engine, bytes.NewReader(reply))
		if err != nil {
			return fault.New(fault.KindDispatch, op).Module(m.name).Symbol(m.symbol).
				Code(plugins.CodeFailed).Detail("decode module reply").Cause(err).Build()
		}
		for _, rec := range data.Tail {
			out.Tail.Push(rec)
		}
		message = data.Block.Message
		if data.Block.Status != session.StatusOK && status == 0 {
			status = data.Block.Status
		}
		if data.Tree != nil {
			out.Payload = data.Tree.Root
		}
		// The payload stays reachable through out; the log only tracks it.
		if err := data.Release(); err != nil {
			return err
		}
	}
	out.Message = message
	if status != 0 {
		if message == "" {
			message = fmt.Sprintf("entry returned status %d", status)
		}
		return plugins.Errorf(status, "%s", message)
	}
	return nil
}

// call copies in into module memory, runs the entry symbol and copies the
// reply out before the next call can overwrite it.
func (m *module) call(ctx context.Context, in []byte) ([]byte, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.alloc.Call(ctx, api.EncodeU32(uint32(len(in))))
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", ExportAlloc, err)
	}
	ptr := api.DecodeU32(res[0])
	if !m.mod.Memory().Write(ptr, in) {
		return nil, 0, fmt.Errorf("request of %d bytes at %#x is out of range", len(in), ptr)
	}
	res, err = m.entry.Call(ctx, api.EncodeU32(ptr), api.EncodeU32(uint32(len(in))))
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", m.symbol, err)
	}
	status := api.DecodeI32(res[0])

	res, err = m.output.Call(ctx)
	if err != nil {
		return nil, status, fmt.Errorf("%s: %w", ExportOutput, err)
	}
	packed := res[0]
	optr, olen := uint32(packed>>32), uint32(packed)
	if olen == 0 {
		return nil, status, nil
	}
	view, ok := m.mod.Memory().Read(optr, olen)
	if !ok {
		return nil, status, fmt.Errorf("reply of %d bytes at %#x is out of range", olen, optr)
	}
	return bytes.Clone(view), status, nil
}

func (m *module) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.mod.Close(ctx)
	if cerr := m.compiled.Close(ctx); err == nil {
		err = cerr
	}
	return err
}
