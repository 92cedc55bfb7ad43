package namespace

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// OpCode identifies a namespace mutation.
type OpCode uint8

const (
	OpMkdirs OpCode = iota + 1
	OpCreate
	OpDelete
	OpRename
	OpSetPermission
	OpReleaseLease
)

func (o OpCode) String() string {
	switch o {
	case OpMkdirs:
		return "mkdirs"
	case OpCreate:
		return "create"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	case OpSetPermission:
		return "set_permission"
	case OpReleaseLease:
		return "release_lease"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Perm is the permission status of an inode.
type Perm struct {
	Owner string
	Group string
	Mode  uint32
}

// Mutation is one logged change to the namespace. It carries everything
// needed to replay it, including the modification time.
type Mutation struct {
	Op     OpCode
	Path   string
	Dest   string
	Holder string
	Perm   Perm
	MTime  int64
}

// Wire field numbers.
const (
	mutOp     protowire.Number = 1
	mutPath   protowire.Number = 2
	mutDest   protowire.Number = 3
	mutHolder protowire.Number = 4
	mutOwner  protowire.Number = 5
	mutGroup  protowire.Number = 6
	mutMode   protowire.Number = 7
	mutMTime  protowire.Number = 8
)

// Marshal encodes m in protobuf wire format.
func (m Mutation) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, mutOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Op))
	b = appendString(b, mutPath, m.Path)
	b = appendString(b, mutDest, m.Dest)
	b = appendString(b, mutHolder, m.Holder)
	b = appendString(b, mutOwner, m.Perm.Owner)
	b = appendString(b, mutGroup, m.Perm.Group)
	if m.Perm.Mode != 0 {
		b = protowire.AppendTag(b, mutMode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Perm.Mode))
	}
	if m.MTime != 0 {
		b = protowire.AppendTag(b, mutMTime, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.MTime))
	}
	return b
}

// UnmarshalMutation decodes a mutation. Unknown fields are skipped.
func UnmarshalMutation(b []byte) (Mutation, error) {
	var m Mutation
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case mutOp:
			m.Op = OpCode(x)
		case mutPath:
			m.Path = string(v)
		case mutDest:
			m.Dest = string(v)
		case mutHolder:
			m.Holder = string(v)
		case mutOwner:
			m.Perm.Owner = string(v)
		case mutGroup:
			m.Perm.Group = string(v)
		case mutMode:
			m.Perm.Mode = uint32(x)
		case mutMTime:
			m.MTime = protowire.DecodeZigZag(x)
		}
		return nil
	})
	if err != nil {
		return Mutation{}, fmt.Errorf("failed to decode mutation: %w", err)
	}
	if m.Op < OpMkdirs || m.Op > OpReleaseLease {
		return Mutation{}, fmt.Errorf("failed to decode mutation: unknown op %d", m.Op)
	}
	return m, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// walk visits every field of a message. Varint values arrive in x, bytes
// values in v.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, nil, x); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
