package cachedio

// Region is a byte range of the underlying file.
type Region struct {
	Offset uint64
	Length uint64
}

// End returns the first offset past the region.
func (r Region) End() uint64 { return r.Offset + r.Length }

// LogType tags the purpose of a read so the scheduler can decide between
// inline and speculative execution, and so I/O can be attributed in logs.
type LogType int

const (
	// LogRead marks reads the caller will decode immediately; all loads
	// execute inline before Load returns.
	LogRead LogType = iota

	// LogStripe marks stripe planning reads; loads whose streams are likely
	// to be consumed may be scheduled on the executor instead of executing
	// inline.
	LogStripe

	// LogFooter marks out-of-band reads such as file footers.
	LogFooter

	// LogTest is reserved for tests.
	LogTest
)

func (t LogType) String() string {
	switch t {
	case LogRead:
		return "read"
	case LogStripe:
		return "stripe"
	case LogFooter:
		return "footer"
	case LogTest:
		return "test"
	default:
		return "unknown"
	}
}
