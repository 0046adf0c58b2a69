package vm

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Ahead-of-time compilation
// ---------------------------------------------------------------------------

// cborEncMode encodes artifacts canonically so the same program always
// produces byte-identical blobs.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ArtifactArch names the instruction set an artifact was emitted for.
const ArtifactArch = "x86-64"

// Artifact is a relocatable ahead-of-time compilation result. The code
// is position-independent (all state is reached through the context
// register and branches are internal), so loading is a copy into any
// executable buffer; Relocs and Offsets are carried for verification
// and patch-level tooling.
type Artifact struct {
	ID          uuid.UUID `cbor:"1,keyasint"`
	Arch        string    `cbor:"2,keyasint"`
	ProgramHash [32]byte  `cbor:"3,keyasint"`
	Entry       uint32    `cbor:"4,keyasint"`
	Code        []byte    `cbor:"5,keyasint"`
	Offsets     []uint32  `cbor:"6,keyasint"`
	Relocs      []Reloc   `cbor:"7,keyasint,omitempty"`
}

// Marshal serializes the artifact to canonical CBOR.
func (a *Artifact) Marshal() ([]byte, error) {
	return cborEncMode.Marshal(a)
}

// UnmarshalArtifact deserializes an artifact from CBOR bytes.
func UnmarshalArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("vm: unmarshal artifact: %w", err)
	}
	if a.Arch != ArtifactArch {
		return nil, fmt.Errorf("%w: artifact arch %q", ErrRelocation, a.Arch)
	}
	return &a, nil
}

// Hash fingerprints the program image, keying artifact caching.
func (p *Program) Hash() [32]byte {
	return sha256.Sum256(p.Encode())
}

// AotCompiler shares stencil selection and patching with the JIT but
// emits a relocatable blob instead of drawing a pooled buffer, for
// out-of-process use and caching.
type AotCompiler struct {
	table *StencilTable

	// MaxCodeSize bounds emitted code. Zero means unbounded.
	MaxCodeSize int
}

// NewAotCompiler builds an ahead-of-time compiler for a feature set.
// Cross-compilation works: the feature set describes the target, not
// the host.
func NewAotCompiler(f Features) *AotCompiler {
	return &AotCompiler{table: NewStencilTable(f)}
}

// Compile emits an artifact for the program.
func (c *AotCompiler) Compile(p *Program) (*Artifact, error) {
	res, err := emitProgram(p, c.table, c.MaxCodeSize)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		ID:          uuid.New(),
		Arch:        ArtifactArch,
		ProgramHash: p.Hash(),
		Entry:       p.Entry,
		Code:        res.code,
		Offsets:     res.offsets,
		Relocs:      res.relocs,
	}, nil
}

// verify checks the artifact's internal consistency against the program
// it claims to have been compiled from.
func (a *Artifact) verify(p *Program) error {
	if p.Hash() != a.ProgramHash {
		return fmt.Errorf("%w: artifact compiled from a different program", ErrRelocation)
	}
	if len(a.Offsets) != len(p.Code)+1 {
		return fmt.Errorf("%w: offset table length %d for %d instructions", ErrRelocation, len(a.Offsets), len(p.Code))
	}
	for _, r := range a.Relocs {
		if int(r.Site)+4 > len(a.Code) || int(r.Target) >= len(a.Offsets) {
			return fmt.Errorf("%w: site %d target %d", ErrRelocation, r.Site, r.Target)
		}
	}
	return nil
}
