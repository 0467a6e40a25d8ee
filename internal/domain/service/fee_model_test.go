package service

import (
	"errors"
	"testing"

	"fundarb/internal/domain/model"
)

func TestFeeModelDefaults(t *testing.T) {
	fm, err := NewFeeModel(DefaultFeeSchedules)
	if err != nil {
		t.Fatalf("NewFeeModel: %v", err)
	}

	cases := []struct {
		exchange string
		maker    bool
		want     string
	}{
		{"extended", true, "0.1"},
		{"extended", false, "0.25"},
		{"Lighter", true, "0.05"},
		{"lighter", false, "0.15"},
	}
	for _, c := range cases {
		got, err := fm.Fee(c.exchange, c.maker, dec("500"))
		if err != nil {
			t.Fatalf("Fee(%s): %v", c.exchange, err)
		}
		if !got.Equal(dec(c.want)) {
			t.Errorf("Fee(%s, maker=%v, 500) = %s, want %s", c.exchange, c.maker, got, c.want)
		}
	}
}

func TestFeeModelUnknownExchange(t *testing.T) {
	fm, _ := NewFeeModel(map[string]FeeSchedule{"lighter": {Maker: dec("0"), Taker: dec("0.0003")}})
	if _, err := fm.Fee("hyperliquid", false, dec("100")); !errors.Is(err, model.ErrUnknownExchange) {
		t.Errorf("err = %v, want ErrUnknownExchange", err)
	}
	if fm.Knows("hyperliquid") || !fm.Knows("LIGHTER") {
		t.Errorf("Knows mismatch")
	}
}

func TestFeeModelRejectsNegative(t *testing.T) {
	_, err := NewFeeModel(map[string]FeeSchedule{"lighter": {Maker: dec("-0.0001"), Taker: dec("0.0003")}})
	if !errors.Is(err, model.ErrInvalidConfiguration) {
		t.Errorf("err = %v, want ErrInvalidConfiguration", err)
	}
}
