package disasm

const (
	volatile  = AccessWrite
	parameter = AccessReadWrite
)

// Registers a call clobbers or consumes under the x64 calling convention:
// return value and scratch registers are written, integer and vector
// parameter registers are read and written.
var callConv64 = []RegisterAccess{
	{"rax", volatile, true},
	{"rcx", parameter, true},
	{"rdx", parameter, true},
	{"r8", parameter, true},
	{"r9", parameter, true},
	{"r10", volatile, true},
	{"r11", volatile, true},
	{"xmm0", parameter, true},
	{"xmm1", parameter, true},
	{"xmm2", parameter, true},
	{"xmm3", parameter, true},
	{"xmm4", parameter, true},
	{"xmm5", parameter, true},
}

// Caller-saved registers of the 32-bit conventions.
var callConv32 = []RegisterAccess{
	{"eax", volatile, true},
	{"edx", volatile, true},
	{"ecx", volatile, true},
}

// CallConvention returns the registers implied by a call in the given mode.
func CallConvention(mode int) []RegisterAccess {
	if mode == 64 {
		return callConv64
	}
	return callConv32
}
