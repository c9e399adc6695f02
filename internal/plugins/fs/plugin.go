// Package fs is a built-in plugin serving files under one root directory.
package fs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danmuck/udactl/internal/plugins"
	"github.com/danmuck/udactl/internal/protocol/nodetree"
	"github.com/danmuck/udactl/internal/protocol/typereg"
)

const (
	// Name is the canonical plugin name.
	Name = "fs"

	TypeFile = "FSFile"
	TypeStat = "FSStat"
	TypeList = "FSList"

	// DefaultReadLimit bounds one read when the request names no limit.
	DefaultReadLimit = 16 << 20
)

var (
	statType = typereg.New(TypeStat,
		typereg.String("path"),
		typereg.Scalar("size", typereg.ElemInt64),
		typereg.Scalar("mode", typereg.ElemUint32),
		typereg.Scalar("mod_time", typereg.ElemInt64),
		typereg.Scalar("dir", typereg.ElemBool),
	)
	fileType = typereg.New(TypeFile,
		typereg.Struct("stat", TypeStat),
		typereg.Scalar("offset", typereg.ElemInt64),
		typereg.VarArray("data", typereg.ElemUint8),
	)
	listType = typereg.New(TypeList,
		typereg.String("prefix"),
		typereg.VarArray("paths", typereg.ElemString),
	)
)

// Plugin reads files rooted at one directory. Paths escaping the root are
// rejected.
type Plugin struct {
	root      string
	readLimit int64
}

// New roots the plugin at root. An empty root means local/dir under the
// working directory.
func New(root string) *Plugin {
	resolved := strings.TrimSpace(root)
	if resolved == "" {
		resolved = filepath.Join("local", "dir")
	}
	return &Plugin{root: resolved, readLimit: DefaultReadLimit}
}

// Factory adapts New for plugins.Builtins.
func Factory(root string) plugins.Factory {
	return func() plugins.Plugin { return New(root) }
}

func (p *Plugin) Metadata() plugins.Metadata {
	return plugins.Metadata{
		Name:          Name,
		Version:       1,
		DefaultMethod: "read",
		Description:   "Read-only file access under " + p.root,
		Example:       "fs::read(path=shots/1.dat, offset=0, count=1024)",
	}
}

func (p *Plugin) Types() []*typereg.TypeDescriptor {
	return []*typereg.TypeDescriptor{statType, fileType, listType}
}

func (p *Plugin) Methods() []plugins.Method {
	return []plugins.Method{
		{Name: "read", Description: "read path= [offset=] [count=]", Handler: p.read},
		{Name: "stat", Description: "stat path=", Handler: p.stat},
		{Name: "list", Description: "list files (optional prefix)", Handler: p.list},
	}
}

func (p *Plugin) read(_ context.Context, req *plugins.Request, out *plugins.Output) error {
	path, rel, err := p.resolvePath(req.String("path", ""))
	if err != nil {
		return err
	}
	offset, err := req.Int("offset", 0)
	if err != nil {
		return err
	}
	count, err := req.Int("count", p.readLimit)
	if err != nil {
		return err
	}
	if offset < 0 || count < 0 {
		return plugins.Errorf(plugins.CodeBadArgument, "offset and count must not be negative")
	}
	if count > p.readLimit {
		count = p.readLimit
		out.Tail.Warn("fs.read", plugins.CodeBadArgument, "count clamped to %d bytes", p.readLimit)
	}

	f, err := os.Open(path)
	if err != nil {
		return openErr(rel, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return openErr(rel, err)
	}
	if info.IsDir() {
		return plugins.Errorf(plugins.CodeBadArgument, "%s is a directory", rel)
	}
	if offset > info.Size() {
		offset = info.Size()
	}
	n := min(count, info.Size()-offset)
	data := make([]uint8, n)
	if _, err := f.ReadAt(data, offset); err != nil && !errors.Is(err, io.EOF) {
		return plugins.Errorf(plugins.CodeFailed, "read %s: %v", rel, err)
	}
	out.Payload = nodetree.NewNode(fileType).
		MustSet("stat", nodetree.Child(statNode(rel, info))).
		MustSet("offset", nodetree.Int64(offset)).
		MustSet("data", nodetree.Array(data))
	return nil
}

func (p *Plugin) stat(_ context.Context, req *plugins.Request, out *plugins.Output) error {
	path, rel, err := p.resolvePath(req.String("path", ""))
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return openErr(rel, err)
	}
	out.Payload = statNode(rel, info)
	return nil
}

func (p *Plugin) list(_ context.Context, req *plugins.Request, out *plugins.Output) error {
	root, err := filepath.Abs(p.root)
	if err != nil {
		return plugins.Errorf(plugins.CodeFailed, "root: %v", err)
	}
	prefix := req.String("prefix", "")
	keys := make([]string, 0)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	sort.Strings(keys)
	out.Payload = nodetree.NewNode(listType).
		MustSet("prefix", nodetree.Str(prefix)).
		MustSet("paths", nodetree.Strings(keys))
	return nil
}

func statNode(rel string, info fs.FileInfo) *nodetree.Node {
	return nodetree.NewNode(statType).
		MustSet("path", nodetree.Str(rel)).
		MustSet("size", nodetree.Int64(info.Size())).
		MustSet("mode", nodetree.Uint32(uint32(info.Mode()))).
		MustSet("mod_time", nodetree.Int64(info.ModTime().UnixNano())).
		MustSet("dir", nodetree.Bool(info.IsDir()))
}

func openErr(rel string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return plugins.Errorf(plugins.CodeNotFound, "%s does not exist", rel)
	}
	return plugins.Errorf(plugins.CodeFailed, "open %s: %v", rel, err)
}

func (p *Plugin) resolvePath(pathArg string) (string, string, error) {
	rel := strings.TrimSpace(pathArg)
	if rel == "" {
		return "", "", plugins.Errorf(plugins.CodeBadArgument, "missing path")
	}
	if filepath.IsAbs(rel) {
		return "", "", plugins.Errorf(plugins.CodeBadArgument, "absolute path not allowed")
	}
	root, err := filepath.Abs(p.root)
	if err != nil {
		return "", "", plugins.Errorf(plugins.CodeFailed, "root: %v", err)
	}
	path := filepath.Clean(filepath.Join(root, rel))
	if !isWithin(path, root) {
		return "", "", plugins.Errorf(plugins.CodeBadArgument, "path escapes root")
	}
	return path, filepath.ToSlash(rel), nil
}

func isWithin(path string, root string) bool {
	p := filepath.Clean(path)
	r := filepath.Clean(root)
	if p == r {
		return true
	}
	return strings.HasPrefix(p, r+string(os.PathSeparator))
}
