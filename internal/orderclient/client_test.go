package orderclient

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestPadUint256LeftPadsTo32Bytes(t *testing.T) {
	word := padUint256("1")
	if len(word) != 32 {
		t.Fatalf("len(word) = %d, want 32", len(word))
	}
	if word[31] != 1 {
		t.Errorf("last byte = %d, want 1", word[31])
	}
	for _, b := range word[:31] {
		if b != 0 {
			t.Fatalf("expected leading zero padding, got %v", word)
		}
	}
}

func TestRoundToCentTick(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0.555", "0.56"},
		{"0.554", "0.55"},
		{"0.5", "0.5"},
	}
	for _, tt := range tests {
		in, _ := decimal.NewFromString(tt.in)
		want, _ := decimal.NewFromString(tt.want)
		got := roundToCentTick(in)
		if !got.Equal(want) {
			t.Errorf("roundToCentTick(%s) = %s, want %s", tt.in, got, want)
		}
	}
}

func TestFloorToMultipleTruncatesDownward(t *testing.T) {
	v := decimal.NewFromInt(12345)
	got := floorToMultiple(v, 100)
	want := decimal.NewFromInt(12300)
	if !got.Equal(want) {
		t.Errorf("floorToMultiple(12345, 100) = %s, want %s", got, want)
	}
}

func TestClampDecimal(t *testing.T) {
	lo := decimal.NewFromInt(1)
	hi := decimal.NewFromInt(10)

	if got := clampDecimal(decimal.NewFromInt(-5), lo, hi); !got.Equal(lo) {
		t.Errorf("clampDecimal below range = %s, want %s", got, lo)
	}
	if got := clampDecimal(decimal.NewFromInt(50), lo, hi); !got.Equal(hi) {
		t.Errorf("clampDecimal above range = %s, want %s", got, hi)
	}
	if got := clampDecimal(decimal.NewFromInt(5), lo, hi); !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("clampDecimal inside range = %s, want 5", got)
	}
}

func TestTruncateTokenShortensLongIDs(t *testing.T) {
	short := "abc123"
	if got := truncateToken(short); got != short {
		t.Errorf("truncateToken(short) = %s, want unchanged", got)
	}

	long := "0123456789abcdef0123456789"
	got := truncateToken(long)
	if got != "0123456789abcdef..." {
		t.Errorf("truncateToken(long) = %s, want truncated with ellipsis", got)
	}
}
