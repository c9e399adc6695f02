package plugins

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/udactl/internal/fault"
	logs "github.com/danmuck/udactl/internal/logging"
)

// DispatchInfo describes one call for hooks.
type DispatchInfo struct {
	Plugin string
	Method string
	Source string
	// Standard is set when the dispatcher answered the method itself.
	Standard bool
	Remote   string
}

// HookToken is returned by OnDispatchStart and handed back to
// OnDispatchEnd. Only the hook that created it interprets it.
type HookToken any

// DispatchHook observes every dispatch. Implementations must be safe for
// concurrent use.
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, out *Output, err error)
}

// Dispatcher maps request envelopes onto capability tables.
type Dispatcher struct {
	reg       *Registry
	hooks     []DispatchHook
	buildDate string
}

// NewDispatcher serves plugins from reg. Hooks are fixed at construction.
func NewDispatcher(reg *Registry, buildDate string, hooks ...DispatchHook) *Dispatcher {
	return &Dispatcher{reg: reg, hooks: hooks, buildDate: buildDate}
}

func (d *Dispatcher) Registry() *Registry { return d.reg }

// Call resolves req.Plugin and dispatches req to it.
func (d *Dispatcher) Call(ctx context.Context, req *Request) (*Output, error) {
	reg, err := d.reg.Resolve(ctx, req.Plugin)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, reg, req)
}

// Dispatch runs one method of reg. An empty method selects the default;
// names match case-insensitively, plugin methods ahead of the standard set.
func (d *Dispatcher) Dispatch(ctx context.Context, reg *Registration, req *Request) (*Output, error) {
	method := strings.TrimSpace(req.Method)
	if method == "" {
		method = reg.Meta.DefaultMethod
	}
	info := DispatchInfo{Plugin: reg.Meta.Name, Method: strings.ToLower(method), Source: reg.Meta.Source}
	if remote, ok := ctx.Value(remoteKey{}).(string); ok {
		info.Remote = remote
	}

	var run Handler
	if m, ok := reg.method(method); ok {
		run = m.Handler
	} else if std, ok := d.standard(reg, method); ok {
		run = std
		info.Standard = true
	} else if ep, ok := reg.plugin.(Entrypoint); ok {
		run = ep.Entry
	}

	ctx, tokens := d.start(ctx, info)
	out := &Output{}
	var err error
	switch {
	case method == "":
		err = fault.New(fault.KindDispatch, "plugins.Dispatch").Module(reg.Meta.Name).
			Detail("no method given and the plugin has no default").Build()
	case run == nil:
		err = fault.New(fault.KindDispatch, "plugins.Dispatch").Module(reg.Meta.Name).Symbol(method).
			Code(CodeNotFound).Detail("unknown method").Build()
	default:
		req.Method = method
		err = invoke(ctx, run, req, out)
		if err != nil {
			err = dispatchErr(reg.Meta.Name, method, err)
		}
	}
	d.end(ctx, tokens, info, out, err)
	if err != nil {
		logs.Debugf("plugins.Dispatch plugin=%q method=%q err=%v", info.Plugin, method, err)
		return nil, err
	}
	return out, nil
}

func invoke(ctx context.Context, h Handler, req *Request, out *Output) (err error) {
	defer func() {
		if rv := recover(); rv != nil {
			err = fault.New(fault.KindDispatch, "plugins.Dispatch").Code(CodeFailed).
				Detail("handler panic: %v", rv).Build()
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return h(ctx, req, out)
}

// dispatchErr stamps plugin and method onto handler failures.
func dispatchErr(plugin, method string, err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Kind == fault.KindDispatch {
		cp := *fe
		if cp.Module == "" {
			cp.Module = plugin
		}
		if cp.Symbol == "" {
			cp.Symbol = method
		}
		return &cp
	}
	return fault.New(fault.KindDispatch, "plugins.Dispatch").Module(plugin).Symbol(method).
		Code(CodeFailed).Cause(err).Build()
}

func (d *Dispatcher) start(ctx context.Context, info DispatchInfo) (context.Context, []HookToken) {
	if len(d.hooks) == 0 {
		return ctx, nil
	}
	tokens := make([]HookToken, len(d.hooks))
	for i, h := range d.hooks {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					logs.Errf("plugins.Dispatch hook start panic=%v", rv)
				}
			}()
			hctx, tok := h.OnDispatchStart(ctx, info)
			if hctx != nil {
				ctx = hctx
			}
			tokens[i] = tok
		}()
	}
	return ctx, tokens
}

func (d *Dispatcher) end(ctx context.Context, tokens []HookToken, info DispatchInfo, out *Output, err error) {
	for i := len(d.hooks) - 1; i >= 0; i-- {
		h := d.hooks[i]
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					logs.Errf("plugins.Dispatch hook end panic=%v", rv)
				}
			}()
			h.OnDispatchEnd(ctx, tokens[i], info, out, err)
		}()
	}
}

var standardMethods = []string{"help", "version", "builddate", "defaultmethod", "maxinterfaceversion"}

func isStandard(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range standardMethods {
		if s == name {
			return true
		}
	}
	return false
}

func (d *Dispatcher) standard(reg *Registration, method string) (Handler, bool) {
	meta := reg.Meta
	switch strings.ToLower(method) {
	case "help":
		return func(_ context.Context, _ *Request, out *Output) error {
			out.Text(helpText(reg), meta.Name+": help = description of this plugin")
			return nil
		}, true
	case "version":
		return func(_ context.Context, _ *Request, out *Output) error {
			out.Int(int32(meta.Version), "Plugin version number")
			return nil
		}, true
	case "builddate":
		return func(_ context.Context, _ *Request, out *Output) error {
			date := meta.BuildDate
			if date == "" {
				date = d.buildDate
			}
			out.Text(date, "Plugin build date")
			return nil
		}, true
	case "defaultmethod":
		return func(_ context.Context, _ *Request, out *Output) error {
			out.Text(meta.DefaultMethod, "Plugin default method")
			return nil
		}, true
	case "maxinterfaceversion":
		return func(_ context.Context, _ *Request, out *Output) error {
			out.Int(int32(meta.InterfaceVersion), "Maximum Interface Version")
			return nil
		}, true
	}
	return nil, false
}

func helpText(reg *Registration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n\n", reg.Meta.Name, reg.Meta.Description)
	for _, name := range reg.names {
		m := reg.methods[strings.ToLower(name)]
		fmt.Fprintf(&b, "\t%s\t%s\n", m.Name, m.Description)
	}
	for _, name := range standardMethods {
		if _, ok := reg.methods[name]; !ok {
			fmt.Fprintf(&b, "\t%s\n", name)
		}
	}
	if reg.Meta.Example != "" {
		fmt.Fprintf(&b, "\nexample: %s\n", reg.Meta.Example)
	}
	return b.String()
}

type remoteKey struct{}

// WithRemote tags ctx with the peer address reported to hooks.
func WithRemote(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteKey{}, addr)
}
