package window

import (
	"testing"

	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

func TestMultiOriginWatermarkProcessor_SingleOrigin(t *testing.T) {
	p := NewMultiOriginWatermarkProcessor()

	old, new1 := p.Update(10, 1, 0)
	if old != 0 || new1 != 10 {
		t.Fatalf("first update: got (%d,%d), want (0,10)", old, new1)
	}

	old, new2 := p.Update(20, 2, 0)
	if old != 10 || new2 != 20 {
		t.Fatalf("second update: got (%d,%d), want (10,20)", old, new2)
	}
}

func TestMultiOriginWatermarkProcessor_OutOfOrderSeqHeldBack(t *testing.T) {
	p := NewMultiOriginWatermarkProcessor()

	// seq 2 arrives before seq 1: watermark must not advance past seq 1's
	// contiguous prefix.
	_, w := p.Update(20, 2, 0)
	if w != 0 {
		t.Fatalf("watermark advanced past a gap: got %d, want 0", w)
	}
	_, w = p.Update(10, 1, 0)
	if w != 20 {
		t.Fatalf("watermark did not catch up once the gap filled: got %d, want 20", w)
	}
}

func TestMultiOriginWatermarkProcessor_MinAcrossOrigins(t *testing.T) {
	p := NewMultiOriginWatermarkProcessor()

	p.Update(100, 1, 0)
	_, w := p.Update(5, 1, 1)
	if w != 5 {
		t.Fatalf("effective watermark should be the min across origins: got %d, want 5", w)
	}
}
