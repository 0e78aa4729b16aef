package vmm

import (
	"testing"

	"github.com/vvaucoul/Kronos/kernel/mem/pmm"
)

func TestPageTableEntryFlags(t *testing.T) {
	var pte pageTableEntry

	if pte.HasFlags(FlagPresent) {
		t.Fatal("expected a zero-value PTE to have no flags set")
	}

	pte.SetFlags(FlagPresent | FlagRW)
	if !pte.HasFlags(FlagPresent | FlagRW) {
		t.Fatal("expected both flags to be set")
	}
	if pte.HasFlags(FlagUser) {
		t.Fatal("did not expect FlagUser to be set")
	}

	pte.ClearFlags(FlagRW)
	if pte.HasFlags(FlagRW) {
		t.Fatal("expected FlagRW to be cleared")
	}
	if !pte.HasFlags(FlagPresent) {
		t.Fatal("expected FlagPresent to survive clearing FlagRW")
	}
}

func TestPageTableEntryFrameRoundTrip(t *testing.T) {
	var pte pageTableEntry
	pte.SetFlags(FlagPresent | FlagRW)
	pte.SetFrame(pmm.Frame(0x1234))

	if got := pte.Frame(); got != pmm.Frame(0x1234) {
		t.Fatalf("expected frame 0x1234; got 0x%x", uint64(got))
	}
	// SetFrame must not disturb flag bits.
	if !pte.HasFlags(FlagPresent | FlagRW) {
		t.Fatal("expected flags to survive SetFrame")
	}
}

func TestPageTableEntryZeroFrameIsUnmapped(t *testing.T) {
	var pte pageTableEntry
	pte.SetFlags(FlagPresent)

	if pte.Frame() != pmm.Frame(0) {
		t.Fatal("expected a PTE with no assigned frame to report frame 0")
	}
}
