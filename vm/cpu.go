package vm

import "github.com/klauspost/cpuid/v2"

// ---------------------------------------------------------------------------
// CPU feature detection
// ---------------------------------------------------------------------------

// Features is the immutable set of hardware capabilities stencil
// selection keys off. Detected once at startup; tests construct
// synthetic sets to force software templates.
type Features struct {
	Popcnt     bool // POPCNT instruction
	Lzcnt      bool // LZCNT instruction
	Bmi1       bool // TZCNT instruction
	Sse41      bool // ROUNDSD instruction
	Cmpxchg16b bool // 128-bit compare-and-swap
	Aes        bool // AES-NI
	Rdrand     bool // hardware RNG
	Avx2       bool // 256-bit vector extensions
}

// hostFeatures is detected once at package init.
var hostFeatures = detectFeatures()

// HostFeatures returns the feature set of the running CPU.
func HostFeatures() Features { return hostFeatures }

// AllFeatures returns a set with every feature present, selecting the
// hardware template wherever one exists.
func AllFeatures() Features {
	return Features{
		Popcnt: true, Lzcnt: true, Bmi1: true, Sse41: true,
		Cmpxchg16b: true, Aes: true, Rdrand: true, Avx2: true,
	}
}

// NoFeatures returns an empty set, forcing every software fallback.
func NoFeatures() Features { return Features{} }

func detectFeatures() Features {
	return Features{
		Popcnt:     cpuid.CPU.Supports(cpuid.POPCNT),
		Lzcnt:      cpuid.CPU.Supports(cpuid.LZCNT),
		Bmi1:       cpuid.CPU.Supports(cpuid.BMI1),
		Sse41:      cpuid.CPU.Supports(cpuid.SSE4),
		Cmpxchg16b: cpuid.CPU.Supports(cpuid.CX16),
		Aes:        cpuid.CPU.Supports(cpuid.AESNI),
		Rdrand:     cpuid.CPU.Supports(cpuid.RDRAND),
		Avx2:       cpuid.CPU.Supports(cpuid.AVX2),
	}
}
