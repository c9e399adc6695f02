package client

import (
	"bytes"
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danmuck/udactl/internal/config"
	logs "github.com/danmuck/udactl/internal/logging"
	"github.com/danmuck/udactl/internal/protocol"
	"github.com/danmuck/udactl/internal/protocol/session"
)

var ErrCacheDisabled = errors.New("client: cache disabled")

const cacheFileExt = ".uda"

// Cache keeps answers the server marked cacheable, keyed by request text.
// An entry holds the TypeTable and DataBlock messages exactly as they cross
// the wire, so a hit decodes through the same path as a live answer. With a
// directory configured, entries are also written there and outlive the
// process; their age is the file's modification time.
type Cache struct {
	cfg     config.CacheConfig
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	now     func() time.Time
}

type cacheEntry struct {
	key     string
	wire    []byte
	expires time.Time
}

func NewCache(cfg config.CacheConfig) (*Cache, error) {
	if !cfg.Enabled {
		return nil, ErrCacheDisabled
	}
	if cfg.TTL <= 0 || cfg.MaxEntries <= 0 {
		return nil, config.ErrInvalidConfig
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
			return nil, err
		}
	}
	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}, nil
}

// Len is the number of entries held in memory.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Store records res under key when its DataBlock allows it. Anything else is
// ignored.
func (c *Cache) Store(eng *protocol.Engine, key string, res *Result) error {
	if c == nil || res == nil {
		return nil
	}
	if res.Block.Status != session.StatusOK || res.Block.CachePermission != session.CacheOK {
		return nil
	}
	var buf bytes.Buffer
	root := res.Payload()
	if root != nil {
		table, err := session.TableFor(eng.Registry, root.TypeName(), make(map[string]struct{}))
		if err != nil {
			return err
		}
		if len(table.Types) > 0 {
			if err := eng.EncodeValue(&buf, protocol.MessageTypeTable, session.TypeTypeTable, &table, nil); err != nil {
				return err
			}
		}
	}
	db := res.Block
	err := eng.WriteMessage(&buf, protocol.MessageDataBlock, res.Errors, func(w *protocol.Writer) error {
		if err := w.EncodeValue(session.TypeDataBlock, &db); err != nil {
			return err
		}
		if root == nil {
			return nil
		}
		return w.EncodeNode(root)
	})
	if err != nil {
		return err
	}

	wire := buf.Bytes()
	c.mu.Lock()
	c.put(key, wire, c.now().Add(c.cfg.TTL))
	c.mu.Unlock()
	if c.cfg.Dir != "" {
		if err := writeFileAtomic(c.path(key), wire); err != nil {
			return err
		}
	}
	logs.Debugf("client.cache store key=%q bytes=%d", key, len(wire))
	return nil
}

// Lookup decodes a fresh Result for key. Each hit owns its own tree. An
// entry that no longer decodes is dropped and reported as a miss.
func (c *Cache) Lookup(eng *protocol.Engine, key string) (*Result, bool) {
	if c == nil {
		return nil, false
	}
	wire, ok := c.get(key)
	if !ok {
		return nil, false
	}
	data, err := session.DecodeData(eng, bytes.NewReader(wire))
	if err != nil {
		logs.Warnf("client.cache drop key=%q err=%v", key, err)
		c.Forget(key)
		return nil, false
	}
	logs.Debugf("client.cache hit key=%q", key)
	return &Result{Block: data.Block, Tree: data.Tree, Errors: data.Tail}, true
}

// Forget removes key from memory and disk.
func (c *Cache) Forget(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if c.cfg.Dir != "" {
		if err := os.Remove(c.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			logs.Warnf("client.cache remove key=%q err=%v", key, err)
		}
	}
}

func (c *Cache) get(key string) ([]byte, bool) {
	now := c.now()
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*cacheEntry)
		if now.Before(e.expires) {
			c.order.MoveToFront(el)
			c.mu.Unlock()
			return e.wire, true
		}
		c.order.Remove(el)
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if c.cfg.Dir == "" {
		return nil, false
	}
	path := c.path(key)
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	expires := info.ModTime().Add(c.cfg.TTL)
	if !now.Before(expires) {
		_ = os.Remove(path)
		return nil, false
	}
	wire, err := os.ReadFile(path)
	if err != nil {
		logs.Warnf("client.cache read key=%q err=%v", key, err)
		return nil, false
	}
	c.mu.Lock()
	c.put(key, wire, expires)
	c.mu.Unlock()
	return wire, true
}

// put requires c.mu.
func (c *Cache) put(key string, wire []byte, expires time.Time) {
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*cacheEntry)
		e.wire, e.expires = wire, expires
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, wire: wire, expires: expires})
	for c.order.Len() > c.cfg.MaxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *Cache) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.cfg.Dir, hex.EncodeToString(sum[:])+cacheFileExt)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cache-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
