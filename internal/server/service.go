// Package server accepts client connections and answers their requests from
// the plugin registry.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/udactl/internal/config"
	"github.com/danmuck/udactl/internal/fault"
	logs "github.com/danmuck/udactl/internal/logging"
	"github.com/danmuck/udactl/internal/observability"
	"github.com/danmuck/udactl/internal/plugins"
	"github.com/danmuck/udactl/internal/protocol"
	"github.com/danmuck/udactl/internal/protocol/session"
	"github.com/danmuck/udactl/internal/protocol/stream"
)

// Service owns the listener, the tracked connections and the admin router.
type Service struct {
	cfg     config.ServerConfig
	disp    *plugins.Dispatcher
	eng     *protocol.Engine
	router  *gin.Engine
	started time.Time

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	active  atomic.Int64
	served  atomic.Int64
}

// New builds a service answering from disp. The dispatcher's type registry
// must already hold the session built-ins.
func New(cfg config.ServerConfig, disp *plugins.Dispatcher) (*Service, error) {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = config.DefaultServerConfig().Listen
	}
	cfg.Session = cfg.Session.WithDefaults()
	eng, err := protocol.NewEngine(disp.Registry().Types()).WithVersion(cfg.ProtocolVersion)
	if err != nil {
		return nil, err
	}
	eng.Limits = cfg.Limits
	eng.Observer = observability.MarshalMetrics{}

	s := &Service{
		cfg:     cfg,
		disp:    disp,
		eng:     eng,
		started: time.Now(),
		conns:   make(map[net.Conn]struct{}),
	}
	s.router = s.newRouter()
	return s, nil
}

// Run listens on the configured address, serves the admin surface when an
// admin address is set, and blocks until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := s.listen()
	if err != nil {
		return err
	}
	logs.Infof("server.Run listening addr=%q tls=%t", ln.Addr().String(), s.cfg.Session.TLS.Enabled)

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		go func() {
			adminErr <- s.ServeAdmin(ctx, addr)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			return err
		}
		return <-serveErr
	}
}

func (s *Service) listen() (net.Listener, error) {
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.Listen)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.Listen, tlsCfg)
}

// Serve runs the accept loop on ln until ctx ends, then closes every
// tracked connection.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.closeAllConns()
			return err
		}
		s.trackConn(conn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Active reports the number of open client connections.
func (s *Service) Active() int64 { return s.active.Load() }

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.active.Add(1)
	observability.ConnectionOpened()
	logs.Infof("server.session client connected remote=%q active_clients=%d", remote, active)
	defer func() {
		remaining := s.active.Add(-1)
		observability.ConnectionClosed()
		logs.Infof("server.session client disconnected remote=%q active_clients=%d", remote, remaining)
	}()

	peer, err := s.authenticateConn(conn)
	if err != nil {
		logs.Warnf("server.handleConn transport auth remote=%q err=%v", remote, err)
		return
	}
	if peer != "" {
		remote = peer + "@" + remote
	}

	pair, err := stream.NewPair(conn, s.cfg.Session.Stream)
	if err != nil {
		logs.Errf("server.handleConn stream err=%v", err)
		return
	}
	defer pair.Close()
	sc := session.NewConn(pair, s.eng)
	cb, err := sc.Accept(s.cfg.DOI)
	if err != nil {
		logs.Warnf("server.handleConn handshake remote=%q err=%v", remote, err)
		return
	}
	logs.Debugf("server.handleConn accepted remote=%q client=%q version=%d", remote, cb.Client, sc.Version())

	ctx = plugins.WithRemote(ctx, remote)
	var handle uint32
	for {
		req, closed, err := sc.ReadRequest()
		if closed {
			logs.Debugf("server.handleConn closedown remote=%q", remote)
			return
		}
		handle++
		if err != nil {
			if fault.KindOf(err) == fault.KindTransport {
				if !pair.Closed() && ctx.Err() == nil {
					logs.Warnf("server.handleConn read remote=%q err=%v", remote, err)
				}
				return
			}
			// The stream is realigned on the next record; report and carry on.
			logs.Warnf("server.handleConn bad request remote=%q err=%v", remote, err)
			if err := s.reply(sc, handle, nil, nil, err); err != nil {
				logs.Warnf("server.handleConn reply remote=%q err=%v", remote, err)
				return
			}
			continue
		}
		if err := s.answer(ctx, sc, handle, req); err != nil {
			logs.Warnf("server.handleConn reply remote=%q err=%v", remote, err)
			return
		}
	}
}

// answer resolves and dispatches one request and writes its DataBlock.
func (s *Service) answer(ctx context.Context, sc *session.Conn, handle uint32, rb session.RequestBlock) error {
	s.served.Add(1)
	reg, err := s.disp.Registry().Resolve(ctx, rb.Plugin)
	if err != nil {
		return s.reply(sc, handle, nil, nil, err)
	}
	req := &plugins.Request{
		Plugin: rb.Plugin,
		Method: rb.Method,
		Raw:    rb.Request,
		Args:   rb.ArgMap(),
	}
	out, err := s.disp.Dispatch(ctx, reg, req)
	return s.reply(sc, handle, reg, out, err)
}

// reply writes the DataBlock for a dispatch result. A payload that cannot be
// encoded is replaced by an error block so the client still gets an answer.
func (s *Service) reply(sc *session.Conn, handle uint32, reg *plugins.Registration, out *plugins.Output, err error) error {
	db := session.DataBlock{Handle: handle, Status: session.StatusOK}
	if reg != nil {
		db.CachePermission = reg.Meta.CachePermission
	}
	if err != nil {
		return sc.SendData(errorBlock(db, err), nil, []fault.Record{fault.FromError("server.dispatch", err)})
	}
	db.Message = out.Message
	tail := out.Tail.Records()
	sendErr := sc.SendData(db, out.Payload, tail)
	if sendErr == nil || fault.KindOf(sendErr) == fault.KindTransport {
		return sendErr
	}
	logs.Warnf("server.reply encode plugin=%q err=%v", reg.Meta.Name, sendErr)
	tail = append(tail, fault.FromError("server.encode", sendErr))
	return sc.SendData(errorBlock(db, sendErr), nil, tail)
}

func errorBlock(db session.DataBlock, err error) session.DataBlock {
	db.Status = session.StatusError
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Code != 0 {
		db.Status = fe.Code
	}
	db.Message = err.Error()
	return db
}

// authenticateConn completes the TLS handshake and returns the verified peer
// identity, if any.
func (s *Service) authenticateConn(conn net.Conn) (string, error) {
	mode := session.NormalizeSecurityMode(s.cfg.Session.SecurityMode)
	if !s.cfg.Session.TLS.Enabled {
		if mode == session.SecurityModeProduction {
			return "", session.ErrTLSRequired
		}
		return "", nil
	}
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return "", fmt.Errorf("server: expected tls connection")
	}
	_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return "", err
	}
	_ = tlsConn.SetDeadline(time.Time{})
	state := tlsConn.ConnectionState()

	needPeer := s.cfg.Session.TLS.Mutual || mode == session.SecurityModeProduction
	if len(state.PeerCertificates) == 0 {
		if needPeer {
			return "", session.ErrMTLSRequired
		}
		return "", nil
	}
	peer := session.PeerIdentity(state.PeerCertificates[0])
	if peer == "" {
		return "", fmt.Errorf("server: empty peer identity from certificate")
	}
	return peer, nil
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
