package namespace

import (
	"fmt"
	"path"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	imgTxID  protowire.Number = 1
	imgInode protowire.Number = 2
	imgLease protowire.Number = 3

	inoPath  protowire.Number = 1
	inoDir   protowire.Number = 2
	inoOwner protowire.Number = 3
	inoGroup protowire.Number = 4
	inoMode  protowire.Number = 5
	inoMTime protowire.Number = 6

	leasePath   protowire.Number = 1
	leaseHolder protowire.Number = 2
)

// CurrentConsistentView serializes the namespace together with the txid of
// the last mutation it reflects. The two are captured under one lock.
func (n *Namespace) CurrentConsistentView() ([]byte, uint64, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.serialize(), n.txid, nil
}

// serialize writes inodes in pre-order with children in name order, so
// equal namespaces produce equal bytes.
func (n *Namespace) serialize() []byte {
	var b []byte
	b = protowire.AppendTag(b, imgTxID, protowire.VarintType)
	b = protowire.AppendVarint(b, n.txid)

	var visit func(p string, node *inode)
	visit = func(p string, node *inode) {
		b = protowire.AppendTag(b, imgInode, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeInode(p, node))
		for _, name := range sortedNames(node) {
			visit(path.Join(p, name), node.children[name])
		}
	}
	visit("/", n.root)

	held := make([]string, 0, len(n.leases))
	for p := range n.leases {
		held = append(held, p)
	}
	sort.Strings(held)
	for _, p := range held {
		var lb []byte
		lb = appendString(lb, leasePath, p)
		lb = appendString(lb, leaseHolder, n.leases[p])
		b = protowire.AppendTag(b, imgLease, protowire.BytesType)
		b = protowire.AppendBytes(b, lb)
	}
	return b
}

func encodeInode(p string, node *inode) []byte {
	var b []byte
	b = appendString(b, inoPath, p)
	if node.dir {
		b = protowire.AppendTag(b, inoDir, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = appendString(b, inoOwner, node.perm.Owner)
	b = appendString(b, inoGroup, node.perm.Group)
	b = protowire.AppendTag(b, inoMode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(node.perm.Mode))
	if node.mtime != 0 {
		b = protowire.AppendTag(b, inoMTime, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(node.mtime))
	}
	return b
}

type inodeEntry struct {
	path string
	node *inode
}

func decodeInode(v []byte) (inodeEntry, error) {
	e := inodeEntry{node: &inode{}}
	err := walk(v, func(num protowire.Number, _ protowire.Type, bv []byte, x uint64) error {
		switch num {
		case inoPath:
			e.path = string(bv)
		case inoDir:
			e.node.dir = x != 0
		case inoOwner:
			e.node.perm.Owner = string(bv)
		case inoGroup:
			e.node.perm.Group = string(bv)
		case inoMode:
			e.node.perm.Mode = uint32(x)
		case inoMTime:
			e.node.mtime = protowire.DecodeZigZag(x)
		}
		return nil
	})
	if e.node.dir {
		e.node.children = map[string]*inode{}
	}
	return e, err
}

// LoadImage replaces the namespace with the serialized image, which must
// have been taken at txid.
func (n *Namespace) LoadImage(data []byte, txid uint64) error {
	var (
		imageTxID uint64
		root      *inode
		entries   []inodeEntry
		leases    = map[string]string{}
	)
	err := walk(data, func(num protowire.Number, _ protowire.Type, v []byte, x uint64) error {
		switch num {
		case imgTxID:
			imageTxID = x
		case imgInode:
			e, err := decodeInode(v)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		case imgLease:
			var p, holder string
			if err := walk(v, func(num protowire.Number, _ protowire.Type, bv []byte, _ uint64) error {
				switch num {
				case leasePath:
					p = string(bv)
				case leaseHolder:
					holder = string(bv)
				}
				return nil
			}); err != nil {
				return err
			}
			leases[p] = holder
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}
	if imageTxID != txid {
		return fmt.Errorf("image holds txid %d, expected %d", imageTxID, txid)
	}

	for _, e := range entries {
		if e.path == "/" {
			if !e.node.dir {
				return fmt.Errorf("failed to decode image: root is not a directory")
			}
			root = e.node
			continue
		}
		if root == nil {
			return fmt.Errorf("failed to decode image: %s precedes root", e.path)
		}
		parent := lookupFrom(root, path.Dir(e.path))
		if parent == nil || !parent.dir {
			return fmt.Errorf("failed to decode image: missing parent for %s", e.path)
		}
		e.node.name = path.Base(e.path)
		parent.children[e.node.name] = e.node
	}
	if root == nil {
		return fmt.Errorf("failed to decode image: no root")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.root = root
	n.leases = leases
	n.txid = txid
	return nil
}

func lookupFrom(root *inode, p string) *inode {
	cur := root
	for _, part := range split(p) {
		if !cur.dir {
			return nil
		}
		next, ok := cur.children[part]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}
