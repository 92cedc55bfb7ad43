package storage

// Op names a per-location write boundary. Fault injectors and failure
// records use it to say which phase touched the location.
type Op string

const (
	OpVersion       Op = "version_write"
	OpProbe         Op = "probe"
	OpImageWrite    Op = "image_write"
	OpImageRename   Op = "image_rename"
	OpEditsOpen     Op = "edits_open"
	OpEditsAppend   Op = "edits_append"
	OpEditsFinalize Op = "edits_finalize"
)

// FaultInjector is consulted at every per-location write boundary before
// the real I/O runs. A non-nil error is treated exactly like an I/O error
// from the location. Production sets never carry one.
type FaultInjector interface {
	Fault(op Op, loc *Location) error
}

// FaultFunc adapts a function to FaultInjector.
type FaultFunc func(op Op, loc *Location) error

func (f FaultFunc) Fault(op Op, loc *Location) error { return f(op, loc) }
