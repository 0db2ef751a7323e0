package ark

// Function is the metadata the loader keeps for one user function: its
// name (as an index into the string table), arity, local slot count, the
// code address its body starts at, and the outer-variable indices its
// closures capture.
type Function struct {
	ID          FuncId
	NameIndex   uint32
	Arity       uint32
	LocalsCount uint32
	Address     uint32
	Captures    []uint32
}
