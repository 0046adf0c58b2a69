package vm

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestArtifactRoundTrip(t *testing.T) {
	p := factorialProgram()
	art, err := NewAotCompiler(AllFeatures()).Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if art.Arch != ArtifactArch {
		t.Errorf("Arch = %q, want %q", art.Arch, ArtifactArch)
	}
	if art.ProgramHash != p.Hash() {
		t.Error("artifact hash does not match program hash")
	}
	if len(art.Offsets) != len(p.Code)+1 {
		t.Errorf("len(Offsets) = %d, want %d", len(art.Offsets), len(p.Code)+1)
	}

	blob, err := art.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := UnmarshalArtifact(blob)
	if err != nil {
		t.Fatalf("UnmarshalArtifact: %v", err)
	}
	if got.ID != art.ID || got.ProgramHash != art.ProgramHash || !bytes.Equal(got.Code, art.Code) {
		t.Error("artifact did not survive the round trip")
	}

	// Canonical encoding: same artifact, same bytes.
	blob2, err := got.Marshal()
	if err != nil {
		t.Fatalf("re-Marshal: %v", err)
	}
	if !bytes.Equal(blob, blob2) {
		t.Error("canonical encoding produced different bytes")
	}
}

func TestUnmarshalArtifactRejectsForeignArch(t *testing.T) {
	art := &Artifact{Arch: "riscv64"}
	blob, err := art.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalArtifact(blob); !errors.Is(err, ErrRelocation) {
		t.Errorf("err = %v, want ErrRelocation", err)
	}
}

func TestArtifactVerify(t *testing.T) {
	p := factorialProgram()
	art, err := NewAotCompiler(AllFeatures()).Compile(p)
	if err != nil {
		t.Fatal(err)
	}

	if err := art.verify(p); err != nil {
		t.Errorf("verify against own program: %v", err)
	}
	if err := art.verify(bitCountProgram()); err == nil {
		t.Error("verify accepted a different program")
	}

	bad := *art
	bad.Offsets = bad.Offsets[:1]
	if err := bad.verify(p); !errors.Is(err, ErrRelocation) {
		t.Errorf("truncated offsets: err = %v, want ErrRelocation", err)
	}

	bad = *art
	bad.Relocs = []Reloc{{Site: uint32(len(art.Code)), Target: 0}}
	if err := bad.verify(p); !errors.Is(err, ErrRelocation) {
		t.Errorf("out-of-range reloc: err = %v, want ErrRelocation", err)
	}
}

func TestProgramHashIsStable(t *testing.T) {
	a := factorialProgram()
	b := factorialProgram()
	if a.Hash() != b.Hash() {
		t.Error("identical programs hash differently")
	}
	c := bitCountProgram()
	if a.Hash() == c.Hash() {
		t.Error("different programs share a hash")
	}
}

func TestAotCompilerMaxCodeSize(t *testing.T) {
	c := NewAotCompiler(AllFeatures())
	c.MaxCodeSize = 4
	if _, err := c.Compile(factorialProgram()); !errors.Is(err, ErrProgramTooLarge) {
		t.Errorf("err = %v, want ErrProgramTooLarge", err)
	}
}

// ---------------------------------------------------------------------------
// Artifact cache
// ---------------------------------------------------------------------------

func openTestCache(t *testing.T) *ArtifactCache {
	t.Helper()
	cache, err := OpenArtifactCache(filepath.Join(t.TempDir(), "artifacts.db"))
	if err != nil {
		t.Fatalf("OpenArtifactCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestArtifactCachePutGet(t *testing.T) {
	cache := openTestCache(t)
	p := factorialProgram()
	art, err := NewAotCompiler(AllFeatures()).Compile(p)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := cache.Get(p.Hash()); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("Get before Put: err = %v, want ErrArtifactNotFound", err)
	}
	if err := cache.Put(art); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := cache.Get(p.Hash())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != art.ID || !bytes.Equal(got.Code, art.Code) {
		t.Error("cached artifact differs from the stored one")
	}

	// Put is an upsert; a recompile replaces the stored blob.
	art2, err := NewAotCompiler(AllFeatures()).Compile(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := cache.Put(art2); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	got, err = cache.Get(p.Hash())
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != art2.ID {
		t.Error("Put did not replace the existing artifact")
	}

	if err := cache.Delete(p.Hash()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := cache.Get(p.Hash()); !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("Get after Delete: err = %v, want ErrArtifactNotFound", err)
	}
}

func TestCompileCached(t *testing.T) {
	cache := openTestCache(t)
	c := NewAotCompiler(AllFeatures())
	p := factorialProgram()

	first, err := c.CompileCached(p, cache)
	if err != nil {
		t.Fatalf("CompileCached: %v", err)
	}
	second, err := c.CompileCached(p, cache)
	if err != nil {
		t.Fatalf("second CompileCached: %v", err)
	}
	if first.ID != second.ID {
		t.Error("second call recompiled instead of hitting the cache")
	}
	if !bytes.Equal(first.Code, second.Code) {
		t.Error("cached code differs from compiled code")
	}
}

// ---------------------------------------------------------------------------
// ELF container
// ---------------------------------------------------------------------------

func TestArtifactELFRoundTrip(t *testing.T) {
	p := factorialProgram()
	art, err := NewAotCompiler(AllFeatures()).Compile(p)
	if err != nil {
		t.Fatal(err)
	}

	obj := art.WriteELF()
	text, err := ReadELFText(obj)
	if err != nil {
		t.Fatalf("ReadELFText: %v", err)
	}
	if !bytes.Equal(text, art.Code) {
		t.Errorf(".text is %d bytes and differs from the %d-byte artifact code", len(text), len(art.Code))
	}
}
