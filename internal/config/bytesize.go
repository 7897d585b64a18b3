package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// longest suffix first so "kb" is not read as "b"
var sizeUnits = []struct {
	suffix string
	mult   float64
}{
	{"gb", 1 << 30}, {"g", 1 << 30},
	{"mb", 1 << 20}, {"m", 1 << 20},
	{"kb", 1 << 10}, {"k", 1 << 10},
	{"b", 1},
}

// parseBytes reads sizes like "64m", "512kb", "1.5g" or a bare byte count.
func parseBytes(raw string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	mult := 1.0
	for _, u := range sizeUnits {
		if n, ok := strings.CutSuffix(s, u.suffix); ok {
			s, mult = strings.TrimSpace(n), u.mult
			break
		}
	}
	if s == "" {
		return 0, fmt.Errorf("size %q has no number", raw)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", raw, err)
	}
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("size %q out of range", raw)
	}
	return int64(v * mult), nil
}
