package entity

import (
	"errors"
	"testing"
	"time"
)

var epoch = time.Unix(1700000000, 0)

func at(ms int) time.Time {
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

func TestInterpolatedSnapshot(t *testing.T) {
	var v InterpolatedVar[float32]
	v.SetAt(at(0), 0)
	v.SetAt(at(100), 10)

	cases := []struct {
		name          string
		now           int
		interp        time.Duration
		extrap        time.Duration
		want          float32
		extrapolating bool
	}{
		{"midpoint blend", 50, 0, 0, 5, false},
		{"interpolation window shifts target", 150, 100 * time.Millisecond, 0, 5, false},
		{"before first record", -20, 0, 0, 0, false},
		{"exactly newest", 100, 0, 100 * time.Millisecond, 10, false},
		{"extrapolates last delta", 150, 0, 100 * time.Millisecond, 20, true},
		{"holds beyond window", 500, 0, 100 * time.Millisecond, 10, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v.TakeSnapshot(at(tc.now), tc.interp, tc.extrap)
			if got := v.Snapshot(); got != tc.want {
				t.Fatalf("snapshot = %v, want %v", got, tc.want)
			}
			if v.Extrapolating() != tc.extrapolating {
				t.Fatalf("extrapolating = %v, want %v", v.Extrapolating(), tc.extrapolating)
			}
		})
	}
}

func TestExtrapolationFlagClearsWhenWindowExceeded(t *testing.T) {
	var v InterpolatedVar[float64]
	v.SetAt(at(0), 0)
	v.SetAt(at(100), 10)

	v.TakeSnapshot(at(150), 0, 100*time.Millisecond)
	if !v.Extrapolating() {
		t.Fatal("expected extrapolation inside the window")
	}
	v.TakeSnapshot(at(500), 0, 100*time.Millisecond)
	if v.Extrapolating() || v.Snapshot() != 10 {
		t.Fatalf("snapshot = %v extrapolating = %v", v.Snapshot(), v.Extrapolating())
	}
}

func TestSingleInitialValueNeedsNoHistory(t *testing.T) {
	var v InterpolatedVar[int32]
	v.SetAt(at(100), 42)
	v.TakeSnapshot(at(0), 0, 0)
	if v.Snapshot() != 42 {
		t.Fatalf("snapshot = %d, want 42", v.Snapshot())
	}
}

func TestOutOfOrderRecordsAreSorted(t *testing.T) {
	var v InterpolatedVar[float32]
	v.SetAt(at(100), 10)
	v.SetAt(at(0), 0)
	v.TakeSnapshot(at(50), 0, 0)
	if v.Snapshot() != 5 {
		t.Fatalf("snapshot = %v, want 5", v.Snapshot())
	}
	if v.Get() != 10 {
		t.Fatalf("newest = %v, want 10", v.Get())
	}
}

func TestClearOldDataKeepsNewest(t *testing.T) {
	var v InterpolatedVar[float32]
	for i := 0; i < 5; i++ {
		v.SetAt(at(i*100), float32(i))
	}

	v.ClearOldData(at(200))
	if v.Len() != 3 {
		t.Fatalf("records = %d, want 3", v.Len())
	}
	v.ClearOldData(at(10_000))
	if v.Len() != 1 || v.Get() != 4 {
		t.Fatalf("records = %d newest = %v", v.Len(), v.Get())
	}
}

func TestVarSnapshotAndHook(t *testing.T) {
	var v Var[int16]
	marks := 0
	v.bind(func() { marks++ })

	v.Set(7)
	v.Set(7)
	if marks != 1 {
		t.Fatalf("hook ran %d times, want 1", marks)
	}
	if v.Snapshot() != 0 {
		t.Fatal("snapshot changed before TakeSnapshot")
	}
	v.TakeSnapshot(epoch, 0, 0)
	if v.Snapshot() != 7 {
		t.Fatalf("snapshot = %d", v.Snapshot())
	}
}

func TestScalarEncoding(t *testing.T) {
	type speed float32

	var f Var[speed]
	f.Set(1.5)
	f.TakeSnapshot(epoch, 0, 0)
	data := f.AppendSnapshot(nil)
	if len(data) != 4 || data[0] != 0x3F || data[1] != 0xC0 {
		t.Fatalf("float encoding = %x", data)
	}

	var g Var[speed]
	if err := g.Decode(data, epoch); err != nil || g.Get() != 1.5 {
		t.Fatalf("decode = %v, %v", g.Get(), err)
	}

	var n Var[int16]
	n.Set(-2)
	n.TakeSnapshot(epoch, 0, 0)
	if data := n.AppendSnapshot(nil); data[0] != 0xFF || data[1] != 0xFE {
		t.Fatalf("int16 encoding = %x", data)
	}

	var b Var[bool]
	if err := b.Decode([]byte{1}, epoch); err != nil || !b.Get() {
		t.Fatal("bool decode failed")
	}
	if err := b.Decode([]byte{1, 2}, epoch); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected size mismatch, got %v", err)
	}
}
