// Package domain holds the core entities and pure arithmetic of the
// measurement engine: prices, parameter sets, markets, order-book mirrors
// and attempts. Nothing in this package performs I/O.
package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxTriggerPoints is the upper clamp bound for any trigger level.
const MaxTriggerPoints = 99

// PriceToPoints parses a decimal price string (e.g. "0.45") into integer
// points (45), where one point equals one cent. Parsing is exact: it never
// converts through binary floating point. A price with more than two
// fractional digits that don't round-trip through cents (e.g. "0.451") is
// rejected as malformed.
func PriceToPoints(price string) (int, error) {
	price = strings.TrimSpace(price)
	if price == "" {
		return 0, fmt.Errorf("domain.PriceToPoints: empty price string")
	}

	neg := false
	s := price
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if !hasFrac {
		frac = ""
	}
	if len(frac) > 2 {
		// Anything past the hundredths place must be zero, or the value
		// is not an exact multiple of 0.01.
		for _, r := range frac[2:] {
			if r != '0' {
				return 0, fmt.Errorf("domain.PriceToPoints: %q is not an exact multiple of 0.01", price)
			}
		}
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}

	wholeN, err := strconv.Atoi(whole)
	if err != nil {
		return 0, fmt.Errorf("domain.PriceToPoints: parse %q: %w", price, err)
	}
	fracN, err := strconv.Atoi(frac)
	if err != nil {
		return 0, fmt.Errorf("domain.PriceToPoints: parse %q: %w", price, err)
	}

	points := wholeN*100 + fracN
	if neg {
		points = -points
	}
	return points, nil
}

// PointsToPrice renders integer points back to a decimal price string
// ("0.45").
func PointsToPrice(points int) string {
	neg := points < 0
	if neg {
		points = -points
	}
	s := fmt.Sprintf("%d.%02d", points/100, points%100)
	if neg {
		s = "-" + s
	}
	return s
}

// FloorToTick rounds a raw point value down to the nearest tick increment.
// tick must be positive.
func FloorToTick(rawPoints, tickSizePoints int) (int, error) {
	if tickSizePoints <= 0 {
		return 0, fmt.Errorf("domain.FloorToTick: tick_size_points must be positive, got %d", tickSizePoints)
	}
	return floorDiv(rawPoints, tickSizePoints) * tickSizePoints, nil
}

// floorDiv performs Euclidean floor division for possibly-negative
// numerators, matching Python's `//` semantics used by the reference
// implementation.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// ClampTrigger clamps a trigger price to the valid range [tickSizePoints, 99].
func ClampTrigger(triggerPoints, tickSizePoints int) int {
	lower := tickSizePoints
	upper := MaxTriggerPoints
	if triggerPoints < lower {
		return lower
	}
	if triggerPoints > upper {
		return upper
	}
	return triggerPoints
}

// MidpointPoints computes the floor-rounded integer midpoint of a bid/ask
// pair, per the MIDPOINT reference price source.
func MidpointPoints(bidPoints, askPoints int) int {
	return floorDiv(bidPoints+askPoints, 2)
}
