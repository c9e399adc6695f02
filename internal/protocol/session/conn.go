package session

import (
	"errors"
	"io"
	"os"
	"runtime"

	"github.com/danmuck/udactl/internal/fault"
	logs "github.com/danmuck/udactl/internal/logging"
	"github.com/danmuck/udactl/internal/protocol"
	"github.com/danmuck/udactl/internal/protocol/heaplog"
	"github.com/danmuck/udactl/internal/protocol/nodetree"
	"github.com/danmuck/udactl/internal/protocol/stream"
)

var ErrHandshakeRejected = errors.New("session: handshake rejected")

// Conn exchanges messages over one stream pair. The engine's registry must
// hold the built-in descriptors.
type Conn struct {
	pair *stream.Pair
	eng  *protocol.Engine
	// sent tracks descriptors already shipped in a type table.
	sent map[string]struct{}
}

func NewConn(pair *stream.Pair, eng *protocol.Engine) *Conn {
	return &Conn{pair: pair, eng: eng, sent: make(map[string]struct{})}
}

func (c *Conn) Engine() *protocol.Engine { return c.eng }
func (c *Conn) Version() uint32          { return c.eng.Version }
func (c *Conn) Pair() *stream.Pair       { return c.pair }

// SetVersion switches the encode version after negotiation.
func (c *Conn) SetVersion(v uint32) error {
	eng, err := c.eng.WithVersion(v)
	if err != nil {
		return err
	}
	c.eng = eng
	return nil
}

func (c *Conn) Close() error {
	return c.pair.Close()
}

// Handshake runs the client side: send cb, read the ServerBlock and adopt
// the negotiated version.
func (c *Conn) Handshake(cb ClientBlock) (ServerBlock, []fault.Record, error) {
	cb.Version = c.eng.Version
	if cb.OSName == "" {
		cb.OSName = runtime.GOOS
	}
	if err := c.eng.EncodeValue(c.pair.Out, protocol.MessageClientBlock, TypeClientBlock, &cb, nil); err != nil {
		return ServerBlock{}, nil, err
	}
	var sb ServerBlock
	log, tail, err := c.eng.DecodeValue(c.pair.In, TypeServerBlock, &sb)
	if err != nil {
		return ServerBlock{}, tail, err
	}
	releaseLog("session.Handshake", log)
	if sb.Status != StatusOK {
		return sb, tail, errors.Join(ErrHandshakeRejected, errors.New(sb.Message))
	}
	if err := c.SetVersion(sb.Version); err != nil {
		return sb, tail, err
	}
	logs.Debugf("session.Handshake version=%d server_pid=%d", sb.Version, sb.PID)
	return sb, tail, nil
}

// Accept runs the server side: read the ClientBlock, negotiate down to the
// engine's version, and answer. An unsupported client version is answered
// with an error ServerBlock.
func (c *Conn) Accept(doi string) (ClientBlock, error) {
	var cb ClientBlock
	log, _, err := c.eng.DecodeValue(c.pair.In, TypeClientBlock, &cb)
	if err != nil {
		return ClientBlock{}, err
	}
	releaseLog("session.Accept", log)

	sb := ServerBlock{PID: uint32(os.Getpid()), OSName: runtime.GOOS, DOI: doi}
	v, ok := protocol.Negotiate(cb.Version)
	if ok && v > c.eng.Version {
		v = c.eng.Version
	}
	if !ok {
		verr := fault.VersionUnsupported("session.accept", cb.Version, protocol.MinVersion, protocol.CurrentVersion)
		sb.Version = c.eng.Version
		sb.Status = StatusError
		sb.Message = verr.Error()
		tail := []fault.Record{fault.FromError("session.accept", verr)}
		if err := c.eng.EncodeValue(c.pair.Out, protocol.MessageServerBlock, TypeServerBlock, &sb, tail); err != nil {
			return cb, err
		}
		return cb, verr
	}
	if err := c.SetVersion(v); err != nil {
		return cb, err
	}
	sb.Version = v
	if err := c.eng.EncodeValue(c.pair.Out, protocol.MessageServerBlock, TypeServerBlock, &sb, nil); err != nil {
		return cb, err
	}
	logs.Debugf("session.Accept client=%q version=%d", cb.Client, v)
	return cb, nil
}

func (c *Conn) SendRequest(req RequestBlock) error {
	return c.eng.EncodeValue(c.pair.Out, protocol.MessageRequestBlock, TypeRequestBlock, &req, nil)
}

func (c *Conn) SendClosedown() error {
	return c.eng.WriteMessage(c.pair.Out, protocol.MessageClosedown, nil, nil)
}

// ReadRequest reads the next RequestBlock. closed reports a Closedown.
func (c *Conn) ReadRequest() (req RequestBlock, closed bool, err error) {
	in, err := c.eng.ReadMessage(c.pair.In, func(h protocol.Header, r *protocol.Reader) error {
		switch h.Type {
		case protocol.MessageRequestBlock:
			return r.DecodeInto(TypeRequestBlock, &req)
		case protocol.MessageClosedown:
			return nil
		}
		return protocol.ExpectType(h, protocol.MessageRequestBlock, protocol.MessageClosedown)
	})
	if err != nil {
		return RequestBlock{}, false, err
	}
	// Decoded strings stay valid after release; the log only tracks them.
	releaseLog("session.ReadRequest", in.Log)
	return req, in.Header.Type == protocol.MessageClosedown, nil
}

// SendData writes any type table payload needs, then the DataBlock with the
// payload and tail.
func (c *Conn) SendData(db DataBlock, payload *nodetree.Node, tail []fault.Record) error {
	db.TypeName = ""
	if payload != nil {
		db.TypeName = payload.TypeName()
		table, err := TableFor(c.eng.Registry, db.TypeName, c.sent)
		if err != nil {
			return err
		}
		if len(table.Types) > 0 {
			if err := c.eng.EncodeValue(c.pair.Out, protocol.MessageTypeTable, TypeTypeTable, &table, nil); err != nil {
				return err
			}
		}
	}
	return c.eng.WriteMessage(c.pair.Out, protocol.MessageDataBlock, tail, func(w *protocol.Writer) error {
		if err := w.EncodeValue(TypeDataBlock, &db); err != nil {
			return err
		}
		if payload == nil {
			return nil
		}
		return w.EncodeNode(payload)
	})
}

// Data is a received DataBlock. Tree owns every allocation made while
// decoding it; Tree.Root is nil when no payload was sent.
type Data struct {
	Block DataBlock
	Tree  *nodetree.Tree
	Tail  []fault.Record
}

// Release gives back the decoded payload.
func (d *Data) Release() error {
	if d == nil || d.Tree == nil {
		return nil
	}
	return d.Tree.Release()
}

// ReadData reads type tables, installing them into the registry, until a
// DataBlock arrives. On failure the returned Data carries whatever block
// header and tail were read.
func (c *Conn) ReadData() (*Data, error) {
	return DecodeData(c.eng, c.pair.In)
}

// ErrOutOfStep marks a failure after which the reader no longer knows where
// the current exchange ends. The connection cannot be used again.
var ErrOutOfStep = errors.New("session: exchange out of step")

// DecodeData is ReadData over any source, such as a plugin's output buffer.
// A type table that fails to decode or install does not end the read: the
// DataBlock that follows it is consumed and discarded, and the table's error
// is returned with the block header and tail. No payload is returned then.
func DecodeData(eng *protocol.Engine, src io.Reader) (*Data, error) {
	var tableErr error
	for {
		var (
			table TypeTable
			db    DataBlock
			root  *nodetree.Node
		)
		in, err := eng.ReadMessage(src, func(h protocol.Header, r *protocol.Reader) error {
			switch h.Type {
			case protocol.MessageTypeTable:
				return r.DecodeInto(TypeTypeTable, &table)
			case protocol.MessageDataBlock:
				if err := r.DecodeInto(TypeDataBlock, &db); err != nil {
					return err
				}
				if db.TypeName == "" {
					return nil
				}
				if tableErr != nil {
					r.Discard()
					return nil
				}
				n, err := r.DecodeNode(db.TypeName)
				root = n
				return err
			}
			return protocol.ExpectType(h, protocol.MessageTypeTable, protocol.MessageDataBlock)
		})
		if err != nil {
			if fault.KindOf(err) == fault.KindTransport {
				return &Data{Block: db}, err
			}
			if in == nil || (in.Header.Type != protocol.MessageTypeTable && in.Header.Type != protocol.MessageDataBlock) {
				return nil, errors.Join(ErrOutOfStep, err)
			}
			if in.Header.Type == protocol.MessageTypeTable {
				if tableErr == nil {
					tableErr = err
				}
				logs.Debugf("session.ReadData table err=%v", err)
				continue
			}
			out := &Data{Block: db, Tail: in.Tail}
			if tableErr != nil {
				return out, errors.Join(tableErr, err)
			}
			return out, err
		}
		if in.Header.Type == protocol.MessageTypeTable {
			installErr := Install(eng.Registry, table)
			releaseLog("session.ReadData", in.Log)
			if installErr != nil {
				if tableErr == nil {
					tableErr = installErr
				}
				logs.Debugf("session.ReadData install err=%v", installErr)
				continue
			}
			logs.Debugf("session.ReadData installed types=%d", len(table.Types))
			continue
		}
		if tableErr != nil {
			// The block decoded cleanly but its payload was skipped.
			releaseLog("session.ReadData", in.Log)
			return &Data{Block: db, Tail: in.Tail}, tableErr
		}
		tree := nodetree.NewTree(root, in.Log)
		tree.Version = in.Header.Version
		return &Data{Block: db, Tree: tree, Tail: in.Tail}, nil
	}
}

func releaseLog(op string, log *heaplog.Log) {
	if log == nil {
		return
	}
	if _, err := log.ReleaseAll(); err != nil {
		logs.Warnf("%s release err=%v", op, err)
	}
}
