// Package client dials a server, runs the handshake and issues requests.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/udactl/internal/config"
	"github.com/danmuck/udactl/internal/fault"
	logs "github.com/danmuck/udactl/internal/logging"
	"github.com/danmuck/udactl/internal/protocol"
	"github.com/danmuck/udactl/internal/protocol/nodetree"
	"github.com/danmuck/udactl/internal/protocol/session"
	"github.com/danmuck/udactl/internal/protocol/stream"
	"github.com/danmuck/udactl/internal/protocol/typereg"
)

var (
	ErrAddressRequired = errors.New("client: server address required")
	ErrClosed          = errors.New("client: closed")
)

// Client is one connection. Requests are serialized; the connection is
// unusable after a transport failure or once the exchange is out of step.
type Client struct {
	cfg    config.ClientConfig
	rng    *rand.Rand
	types  *typereg.Registry
	mu     sync.Mutex
	conn   net.Conn
	sc     *session.Conn
	server session.ServerBlock
	broken error
	cache  *Cache
}

// Result is one answered request. Tree owns the decoded payload and is nil
// when no payload was sent.
type Result struct {
	Block  session.DataBlock
	Tree   *nodetree.Tree
	Errors []fault.Record
}

// Payload returns the root of the decoded structure, or nil.
func (r *Result) Payload() *nodetree.Node {
	if r == nil || r.Tree == nil {
		return nil
	}
	return r.Tree.Root
}

// Release gives back everything decoded for the result.
func (r *Result) Release() error {
	if r == nil || r.Tree == nil {
		return nil
	}
	return r.Tree.Release()
}

// Dial connects and completes the handshake, retrying with backoff up to
// cfg.Retries extra times. A rejected handshake is not retried.
func Dial(ctx context.Context, cfg config.ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, ErrAddressRequired
	}
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = protocol.CurrentVersion
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = config.DefaultClientConfig().Name
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	types := typereg.NewRegistry()
	if err := session.RegisterBuiltins(types); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		types: types,
	}
	if cfg.Cache.Enabled {
		cache, err := NewCache(cfg.Cache)
		if err != nil {
			return nil, err
		}
		c.cache = cache
	}

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempt++
		err := c.connect(ctx)
		if err == nil {
			return c, nil
		}
		logs.Warnf("client.Dial attempt=%d addr=%q err=%v", attempt, cfg.Addr, err)
		if !retryable(err) || attempt > cfg.Retries {
			return nil, err
		}
		if err := cfg.Session.Backoff.Wait(ctx, attempt, c.rng); err != nil {
			return nil, err
		}
	}
}

func retryable(err error) bool {
	if errors.Is(err, session.ErrHandshakeRejected) || errors.Is(err, fault.ErrVersionUnsupported) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	pair, err := stream.NewPair(conn, c.cfg.Session.Stream)
	if err != nil {
		_ = conn.Close()
		return err
	}
	eng := protocol.NewEngine(c.types)
	eng.Limits = c.cfg.Limits
	if eng, err = eng.WithVersion(c.cfg.ProtocolVersion); err != nil {
		_ = pair.Close()
		return err
	}
	sc := session.NewConn(pair, eng)
	stop := context.AfterFunc(ctx, func() { _ = pair.Close() })
	sb, tail, err := sc.Handshake(session.ClientBlock{
		Client:    c.cfg.Name,
		TimeoutMS: uint32(c.cfg.Session.Stream.Timeout / time.Millisecond),
	})
	stop()
	for _, rec := range tail {
		logs.Debugf("client.connect server tail severity=%s code=%d msg=%q", rec.Severity, rec.Code, rec.Message)
	}
	if err != nil {
		_ = pair.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	c.conn, c.sc, c.server = conn, sc, sb
	logs.Debugf("client.connect addr=%q version=%d server_pid=%d", c.cfg.Addr, sb.Version, sb.PID)
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, err
	}
	if !c.cfg.Session.TLS.Enabled {
		return rawConn, nil
	}
	tlsCfg, err := c.cfg.Session.ClientTLSConfig(c.cfg.Addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// Server returns the handshake answer.
func (c *Client) Server() session.ServerBlock { return c.server }

// Version is the negotiated protocol version.
func (c *Client) Version() uint32 { return c.sc.Version() }

// Cache returns the result cache, or nil when caching is off.
func (c *Client) Cache() *Cache { return c.cache }

// Types is the registry holding every descriptor the server has sent.
func (c *Client) Types() *typereg.Registry { return c.types }

// Get calls plugin.method with args. A DataBlock with a nonzero status is
// returned together with a Dispatch error carrying the status as its code.
// Cancelling ctx mid-call closes the connection. With a cache configured, a
// stored answer to the same request text is returned without a round trip.
func (c *Client) Get(ctx context.Context, plugin, method string, args map[string]string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil, c.broken
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rb := session.RequestBlock{Plugin: plugin, Method: method, Request: RequestText(plugin, method, args)}
	if res, ok := c.cache.Lookup(c.sc.Engine(), rb.Request); ok {
		return res, nil
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rb.Args = append(rb.Args, session.Argument{Name: k, Value: args[k]})
	}

	stop := context.AfterFunc(ctx, func() { _ = c.sc.Close() })
	defer stop()
	if err := c.sc.SendRequest(rb); err != nil {
		return nil, c.fail(ctx, err)
	}
	data, err := c.sc.ReadData()
	if err != nil {
		if fault.KindOf(err) == fault.KindTransport || errors.Is(err, session.ErrOutOfStep) {
			return nil, c.fail(ctx, err)
		}
		res := &Result{}
		if data != nil {
			res.Block, res.Errors = data.Block, data.Tail
		}
		return res, err
	}
	res := &Result{Block: data.Block, Tree: data.Tree, Errors: data.Tail}
	if data.Block.Status != session.StatusOK {
		return res, fault.New(fault.KindDispatch, "client.Get").Module(plugin).Symbol(method).
			Code(data.Block.Status).Detail("%s", data.Block.Message).Build()
	}
	if err := c.cache.Store(c.sc.Engine(), rb.Request, res); err != nil {
		logs.Warnf("client.Get cache store request=%q err=%v", rb.Request, err)
	}
	return res, nil
}

// fail marks the connection unusable after a transport error.
func (c *Client) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		err = errors.Join(ctx.Err(), err)
	}
	c.broken = fmt.Errorf("%w: %w", ErrClosed, err)
	_ = c.sc.Close()
	return err
}

// Close sends Closedown and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sc == nil {
		return nil
	}
	if c.broken != nil {
		return c.sc.Close()
	}
	c.broken = ErrClosed
	err := c.sc.SendClosedown()
	if cerr := c.sc.Close(); err == nil {
		err = cerr
	}
	return err
}

// RequestText renders the textual form of a request, as in
// plugin::method(a=1, b=2).
func RequestText(plugin, method string, args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		if args[k] == "" {
			parts[i] = k
			continue
		}
		parts[i] = k + "=" + args[k]
	}
	return fmt.Sprintf("%s::%s(%s)", plugin, method, strings.Join(parts, ", "))
}

var ErrBadRequestText = errors.New("client: malformed request text")

// ParseRequest is the inverse of RequestText. The method and argument list
// are optional: "kv", "kv::get" and "kv::get(key=a, verbose)" are accepted.
func ParseRequest(text string) (plugin, method string, args map[string]string, err error) {
	text = strings.TrimSpace(text)
	args = make(map[string]string)
	head, list, hasArgs := strings.Cut(text, "(")
	if hasArgs {
		if !strings.HasSuffix(list, ")") {
			return "", "", nil, fmt.Errorf("%w: unbalanced parentheses in %q", ErrBadRequestText, text)
		}
		list = strings.TrimSuffix(list, ")")
	}
	plugin, method, _ = strings.Cut(head, "::")
	plugin, method = strings.TrimSpace(plugin), strings.TrimSpace(method)
	if plugin == "" {
		return "", "", nil, fmt.Errorf("%w: missing plugin in %q", ErrBadRequestText, text)
	}
	if strings.TrimSpace(list) == "" {
		return plugin, method, args, nil
	}
	for _, part := range strings.Split(list, ",") {
		k, v, _ := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			return "", "", nil, fmt.Errorf("%w: empty argument name in %q", ErrBadRequestText, text)
		}
		args[k] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return plugin, method, args, nil
}
