package mapping

import (
	"testing"

	"anillo/errs"
	"anillo/pmm"
)

func newTestPMM(t *testing.T, frames int) *pmm.PMM {
	t.Helper()
	arena, err := pmm.NewArena(frames)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	return pmm.New(arena, 0)
}

func TestBindAllocatesOwnedFrames(t *testing.T) {
	p := newTestPMM(t, 16)
	m, err := New(p, 4, Flags{})
	if err != errs.Ok {
		t.Fatalf("New: %v", err)
	}
	if err := m.Bind(0, 4, 0); err != errs.Ok {
		t.Fatalf("Bind: %v", err)
	}
	seen := map[pmm.PhysAddr]bool{}
	for i := 0; i < 4; i++ {
		pa, ok := m.Resolve(i)
		if !ok {
			t.Fatalf("slot %d unexpectedly unbound", i)
		}
		if seen[pa] {
			t.Fatalf("slot %d reused frame %v", i, pa)
		}
		seen[pa] = true
	}
	m.Release()
	if s := p.FreeSummary(); s.FreePages != 16 {
		t.Fatalf("expected all frames reclaimed on release, got %d free", s.FreePages)
	}
}

func TestBindWithExplicitPhysIsUnowned(t *testing.T) {
	p := newTestPMM(t, 16)
	pa, _, err := p.Allocate(1, pmm.AllocFlags{})
	if err != errs.Ok {
		t.Fatalf("allocate: %v", err)
	}
	m, err := New(p, 1, Flags{})
	if err != errs.Ok {
		t.Fatalf("New: %v", err)
	}
	if err := m.Bind(0, 1, pa); err != errs.Ok {
		t.Fatalf("Bind: %v", err)
	}
	m.Release()
	s := p.FreeSummary()
	if s.FreePages != 15 {
		t.Fatalf("expected unowned frame to survive Release, got %d free (want 15)", s.FreePages)
	}
	p.Free(pa, 1)
}

func TestBindIndirectRetainsAndReleases(t *testing.T) {
	p := newTestPMM(t, 16)
	base, err := New(p, 4, Flags{})
	if err != errs.Ok {
		t.Fatalf("New base: %v", err)
	}
	if err := base.Bind(0, 4, 0); err != errs.Ok {
		t.Fatalf("Bind base: %v", err)
	}
	base.Retain() // simulate a second owner so releasing the alias doesn't destroy it early in this test

	alias, err := New(p, 2, Flags{})
	if err != errs.Ok {
		t.Fatalf("New alias: %v", err)
	}
	if err := alias.BindIndirect(0, 2, base, 1); err != errs.Ok {
		t.Fatalf("BindIndirect: %v", err)
	}

	basePA, _ := base.Resolve(1)
	aliasPA, ok := alias.Resolve(0)
	if !ok || aliasPA != basePA {
		t.Fatalf("expected alias slot 0 to resolve to base slot 1 (%v), got %v ok=%v", basePA, aliasPA, ok)
	}

	alias.Release()
	// base should still be alive: one Retain, one original ref, minus the
	// alias's per-slot BindIndirect retains released above.
	if _, ok := base.Resolve(1); !ok {
		t.Fatalf("expected base mapping to survive alias release")
	}
	base.Release()
	base.Release()
}

func TestEnsureBoundLazilyAllocates(t *testing.T) {
	p := newTestPMM(t, 16)
	m, err := New(p, 1, Flags{Zero: true})
	if err != errs.Ok {
		t.Fatalf("New: %v", err)
	}
	if _, ok := m.Resolve(0); ok {
		t.Fatalf("expected slot 0 to start unbound")
	}
	pa, ferr := m.EnsureBound(0)
	if ferr != errs.Ok {
		t.Fatalf("EnsureBound: %v", ferr)
	}
	if pa == 0 {
		t.Fatalf("expected a nonzero physical address")
	}
	m.Release()
}

func TestBindRejectsOutOfRange(t *testing.T) {
	p := newTestPMM(t, 16)
	m, err := New(p, 2, Flags{})
	if err != errs.Ok {
		t.Fatalf("New: %v", err)
	}
	if err := m.Bind(1, 2, 0); err != errs.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	m.Release()
}
