package ark

import "fmt"

// FuncId is a 32-bit encoded function identifier. The top bit distinguishes
// native functions from user functions; the remaining 31 bits index into
// the respective table.
type FuncId uint32

// nativeBit is the top bit of a FuncId, set for native functions.
const nativeBit FuncId = 1 << 31

// NewUserFuncId builds a FuncId for a user function at the given index.
// index must fit in 31 bits.
func NewUserFuncId(index uint32) FuncId {
	return FuncId(index) &^ nativeBit
}

// NewNativeFuncId builds a FuncId for a native function at the given index.
// index must fit in 31 bits.
func NewNativeFuncId(index uint32) FuncId {
	return FuncId(index) | nativeBit
}

// IsNative reports whether id refers to a native function.
func (id FuncId) IsNative() bool {
	return id&nativeBit == nativeBit
}

// Decode returns the 31-bit index component of id, stripping the
// native/user flag bit.
func (id FuncId) Decode() uint32 {
	return uint32(id &^ nativeBit)
}

func (id FuncId) String() string {
	kind := "user"
	if id.IsNative() {
		kind = "native"
	}
	return fmt.Sprintf("%s#%d", kind, id.Decode())
}
