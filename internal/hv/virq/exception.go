package virq

// Vector is an architectural exception vector, 0..31.
type Vector uint32

const (
	VectorDE  Vector = 0  // divide error
	VectorDB  Vector = 1  // debug
	VectorNMI Vector = 2  // non-maskable interrupt
	VectorBP  Vector = 3  // breakpoint
	VectorOF  Vector = 4  // overflow
	VectorBR  Vector = 5  // bound range
	VectorUD  Vector = 6  // invalid opcode
	VectorNM  Vector = 7  // device not available
	VectorDF  Vector = 8  // double fault
	VectorTS  Vector = 10 // invalid TSS
	VectorNP  Vector = 11 // segment not present
	VectorSS  Vector = 12 // stack fault
	VectorGP  Vector = 13 // general protection
	VectorPF  Vector = 14 // page fault
	VectorMF  Vector = 16 // x87 floating point
	VectorAC  Vector = 17 // alignment check
	VectorMC  Vector = 18 // machine check
	VectorXM  Vector = 19 // SIMD floating point

	VectorCount = 32
)

// ExceptionAttr describes how a vector is delivered.
type ExceptionAttr struct {
	HasErrorCode bool
}

var exceptionTable = [...]ExceptionAttr{
	{}, {}, {}, {}, {}, {}, {}, {},
	{HasErrorCode: true}, // 8
	{},
	{HasErrorCode: true}, // 10
	{HasErrorCode: true}, // 11
	{HasErrorCode: true}, // 12
	{HasErrorCode: true}, // 13
	{HasErrorCode: true}, // 14
	{}, {},
	{HasErrorCode: true}, // 17
	{}, {}, {}, {}, {}, {}, {}, {}, {}, {}, {}, {}, {}, {},
}

// The table must cover exactly VectorCount entries.
var (
	_ [len(exceptionTable) - VectorCount]struct{}
	_ [VectorCount - len(exceptionTable)]struct{}
)

// Valid reports whether v fits the exception slot.
func (v Vector) Valid() bool {
	return v < VectorCount
}

// Attr returns the delivery attributes of a valid vector.
func (v Vector) Attr() ExceptionAttr {
	return exceptionTable[v]
}
