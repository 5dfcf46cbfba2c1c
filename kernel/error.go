package kernel

// Error describes a kernel error. All kernel errors are defined as values of
// this struct rather than via errors.New since the Go allocator is not
// guaranteed to be available at the point an error needs to be constructed
// (e.g. early boot, or inside a panic handler).
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string

	// Kind classifies the error so that callers can switch on it without
	// string-matching Message. NoError (the zero value) is never used as
	// a live error; a nil *Error means "no error".
	Kind ErrKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// ErrKind enumerates the kernel's public error taxonomy (spec.md §7).
type ErrKind uint8

const (
	NoError ErrKind = iota
	NullPointer
	OutOfRange
	OutOfBound
	MallocFailed
	AlignError
	UnauthorizedAction
	ForbiddenPriority
	NoSuchID
	InterruptAlreadyRegistered
	InterruptNotRegistered
	NoSuchIrqLine
	UnauthorizedInterruptLine
	CheckSumFailed
	AcpiUnsupported
	AcpiNotInitialized
	NoSuchLapicID
	WrongPartitionType
	FileNotFound
	DirNotEmpty
	NameTooLong
	NotSupported
	MappingAlreadyExists
	SemUninitialized
	MailboxUninitialized
	QueueUninitialized
	Locked
	Timeout
)

var errKindNames = [...]string{
	NoError:                    "no error",
	NullPointer:                "null pointer",
	OutOfRange:                 "out of range",
	OutOfBound:                 "out of bound",
	MallocFailed:               "allocation failed",
	AlignError:                 "alignment error",
	UnauthorizedAction:         "unauthorized action",
	ForbiddenPriority:          "forbidden priority",
	NoSuchID:                   "no such id",
	InterruptAlreadyRegistered: "interrupt already registered",
	InterruptNotRegistered:     "interrupt not registered",
	NoSuchIrqLine:              "no such irq line",
	UnauthorizedInterruptLine:  "unauthorized interrupt line",
	CheckSumFailed:             "checksum failed",
	AcpiUnsupported:            "acpi unsupported",
	AcpiNotInitialized:         "acpi not initialized",
	NoSuchLapicID:              "no such lapic id",
	WrongPartitionType:         "wrong partition type",
	FileNotFound:               "file not found",
	DirNotEmpty:                "directory not empty",
	NameTooLong:                "name too long",
	NotSupported:               "not supported",
	MappingAlreadyExists:       "mapping already exists",
	SemUninitialized:           "semaphore uninitialized",
	MailboxUninitialized:       "mailbox uninitialized",
	QueueUninitialized:         "queue uninitialized",
	Locked:                     "locked",
	Timeout:                    "timeout",
}

// String returns the human readable name of k.
func (k ErrKind) String() string {
	if int(k) < len(errKindNames) {
		return errKindNames[k]
	}
	return "unknown error"
}

// NewError constructs an *Error for the given module/kind pair. detail, if
// non-empty, is appended to the kind's default message.
func NewError(module string, kind ErrKind, detail string) *Error {
	msg := kind.String()
	if detail != "" {
		msg = msg + ": " + detail
	}
	return &Error{Module: module, Message: msg, Kind: kind}
}
