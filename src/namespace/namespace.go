// Package namespace is the in-memory directory tree of the metadata node:
// directories, files, permission status and the leases of files open for
// write. Every change is a Mutation so it can be logged and replayed.
package namespace

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/dps_namenode/src/editlog"
)

var (
	ErrNotFound      = errors.New("path not found")
	ErrExists        = errors.New("path already exists")
	ErrNotDirectory  = errors.New("not a directory")
	ErrInvalidPath   = errors.New("invalid path")
	ErrNoLease       = errors.New("no lease held on path")
	ErrRenameIntoSub = errors.New("cannot rename a directory into itself")
)

// DefaultDirPerm is applied to directories created implicitly.
var DefaultDirPerm = Perm{Owner: "root", Group: "supergroup", Mode: 0755}

type inode struct {
	name     string
	dir      bool
	perm     Perm
	mtime    int64
	children map[string]*inode
}

func newDir(name string, perm Perm, mtime int64) *inode {
	return &inode{name: name, dir: true, perm: perm, mtime: mtime, children: map[string]*inode{}}
}

// Info describes one path.
type Info struct {
	Path  string
	Dir   bool
	Perm  Perm
	MTime int64
	Lease string // holder, if open for write
}

// Namespace is the directory tree plus its leases.
type Namespace struct {
	mu     sync.RWMutex
	root   *inode
	leases map[string]string // path -> holder
	txid   uint64
}

// New returns an empty namespace at txid 0.
func New() *Namespace {
	return &Namespace{root: newDir("", DefaultDirPerm, 0), leases: map[string]string{}}
}

// TxID returns the txid of the last mutation applied.
func (n *Namespace) TxID() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.txid
}

// Clean validates and normalizes an absolute path.
func Clean(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, p)
	}
	return path.Clean(p), nil
}

func split(p string) []string {
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

func (n *Namespace) lookup(p string) *inode { return lookupFrom(n.root, p) }

// Check reports whether m would apply cleanly without changing anything.
func (n *Namespace) Check(m Mutation) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.apply(m, true)
}

// Apply applies m and records txid as the last applied.
func (n *Namespace) Apply(m Mutation, txid uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.apply(m, false); err != nil {
		return err
	}
	n.txid = txid
	return nil
}

// ApplyMutation decodes and applies a logged record during replay.
func (n *Namespace) ApplyMutation(rec editlog.Record) error {
	m, err := UnmarshalMutation(rec.Payload)
	if err != nil {
		return err
	}
	return n.Apply(m, rec.TxID)
}

func (n *Namespace) apply(m Mutation, dry bool) error {
	p, err := Clean(m.Path)
	if err != nil {
		return err
	}
	switch m.Op {
	case OpMkdirs:
		return n.mkdirs(p, m.Perm, m.MTime, dry)
	case OpCreate:
		return n.create(p, m.Perm, m.Holder, m.MTime, dry)
	case OpDelete:
		return n.delete(p, dry)
	case OpRename:
		dst, err := Clean(m.Dest)
		if err != nil {
			return err
		}
		return n.rename(p, dst, m.MTime, dry)
	case OpSetPermission:
		node := n.lookup(p)
		if node == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		if !dry {
			node.perm = m.Perm
		}
		return nil
	case OpReleaseLease:
		if _, ok := n.leases[p]; !ok {
			return fmt.Errorf("%w: %s", ErrNoLease, p)
		}
		if !dry {
			delete(n.leases, p)
		}
		return nil
	default:
		return fmt.Errorf("unknown mutation %s", m.Op)
	}
}

func (n *Namespace) mkdirs(p string, perm Perm, mtime int64, dry bool) error {
	cur := n.root
	for _, part := range split(p) {
		next, ok := cur.children[part]
		if !ok {
			if dry {
				return nil
			}
			next = newDir(part, perm, mtime)
			cur.children[part] = next
		}
		if !next.dir {
			return fmt.Errorf("%w: %s", ErrNotDirectory, part)
		}
		cur = next
	}
	return nil
}

func (n *Namespace) create(p string, perm Perm, holder string, mtime int64, dry bool) error {
	if p == "/" {
		return fmt.Errorf("%w: cannot create root", ErrInvalidPath)
	}
	parent := n.lookup(path.Dir(p))
	if parent == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, path.Dir(p))
	}
	if !parent.dir {
		return fmt.Errorf("%w: %s", ErrNotDirectory, path.Dir(p))
	}
	name := path.Base(p)
	if _, ok := parent.children[name]; ok {
		return fmt.Errorf("%w: %s", ErrExists, p)
	}
	if dry {
		return nil
	}
	parent.children[name] = &inode{name: name, perm: perm, mtime: mtime}
	parent.mtime = mtime
	if holder != "" {
		n.leases[p] = holder
	}
	return nil
}

func (n *Namespace) delete(p string, dry bool) error {
	if p == "/" {
		return fmt.Errorf("%w: cannot delete root", ErrInvalidPath)
	}
	parent := n.lookup(path.Dir(p))
	if parent == nil || !parent.dir || parent.children[path.Base(p)] == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if dry {
		return nil
	}
	delete(parent.children, path.Base(p))
	for held := range n.leases {
		if under(held, p) {
			delete(n.leases, held)
		}
	}
	return nil
}

func (n *Namespace) rename(src, dst string, mtime int64, dry bool) error {
	if src == "/" || dst == "/" {
		return fmt.Errorf("%w: cannot rename root", ErrInvalidPath)
	}
	if under(dst, src) {
		return fmt.Errorf("%w: %s -> %s", ErrRenameIntoSub, src, dst)
	}
	srcParent := n.lookup(path.Dir(src))
	if srcParent == nil || !srcParent.dir || srcParent.children[path.Base(src)] == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, src)
	}
	dstParent := n.lookup(path.Dir(dst))
	if dstParent == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, path.Dir(dst))
	}
	if !dstParent.dir {
		return fmt.Errorf("%w: %s", ErrNotDirectory, path.Dir(dst))
	}
	if _, ok := dstParent.children[path.Base(dst)]; ok {
		return fmt.Errorf("%w: %s", ErrExists, dst)
	}
	if dry {
		return nil
	}

	node := srcParent.children[path.Base(src)]
	delete(srcParent.children, path.Base(src))
	node.name = path.Base(dst)
	dstParent.children[node.name] = node
	srcParent.mtime, dstParent.mtime = mtime, mtime

	// open files move with their directory
	moved := map[string]string{}
	for held, holder := range n.leases {
		if under(held, src) {
			moved[dst+strings.TrimPrefix(held, src)] = holder
			delete(n.leases, held)
		}
	}
	for p, holder := range moved {
		n.leases[p] = holder
	}
	return nil
}

// under reports whether p is root or a descendant of root.
func under(p, root string) bool {
	return p == root || strings.HasPrefix(p, root+"/")
}

// Stat describes p.
func (n *Namespace) Stat(p string) (Info, error) {
	p, err := Clean(p)
	if err != nil {
		return Info{}, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	node := n.lookup(p)
	if node == nil {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return Info{Path: p, Dir: node.dir, Perm: node.perm, MTime: node.mtime, Lease: n.leases[p]}, nil
}

// List returns the children of directory p in name order.
func (n *Namespace) List(p string) ([]Info, error) {
	p, err := Clean(p)
	if err != nil {
		return nil, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	node := n.lookup(p)
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if !node.dir {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, p)
	}
	out := make([]Info, 0, len(node.children))
	for _, name := range sortedNames(node) {
		c := node.children[name]
		cp := path.Join(p, name)
		out = append(out, Info{Path: cp, Dir: c.dir, Perm: c.perm, MTime: c.mtime, Lease: n.leases[cp]})
	}
	return out, nil
}

// Leases returns a copy of the open leases keyed by path.
func (n *Namespace) Leases() map[string]string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]string, len(n.leases))
	for p, h := range n.leases {
		out[p] = h
	}
	return out
}

func sortedNames(node *inode) []string {
	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
