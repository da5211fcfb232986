package robot

import (
	"fmt"
	"math"
	"strings"
)

// Unit is a distance or angle unit accepted by movement commands.
type Unit string

const (
	Inches      Unit = "inches"
	Feet        Unit = "feet"
	Meters      Unit = "meters"
	Centimeters Unit = "centimeters"
	Degrees     Unit = "degrees"
	Radians     Unit = "radians"
)

var inchesPer = map[Unit]float64{
	Inches:      1,
	Feet:        12,
	Meters:      1 / 0.0254,
	Centimeters: 1 / 2.54,
}

var degreesPer = map[Unit]float64{
	Degrees: 1,
	Radians: 180 / math.Pi,
}

// ParseUnit accepts a unit name in any case.
func ParseUnit(s string) (Unit, error) {
	u := Unit(strings.ToLower(strings.TrimSpace(s)))
	if u.IsLinear() || u.IsAngular() {
		return u, nil
	}
	return "", fmt.Errorf("%q is not a valid unit type", s)
}

// IsLinear reports whether u measures distance.
func (u Unit) IsLinear() bool {
	_, ok := inchesPer[u]
	return ok
}

// IsAngular reports whether u measures rotation.
func (u Unit) IsAngular() bool {
	_, ok := degreesPer[u]
	return ok
}

// Convert changes amount from one unit to another of the same kind.
func Convert(amount float64, from, to Unit) (float64, error) {
	switch {
	case from.IsLinear() && to.IsLinear():
		return amount * inchesPer[from] / inchesPer[to], nil
	case from.IsAngular() && to.IsAngular():
		return amount * degreesPer[from] / degreesPer[to], nil
	default:
		return 0, fmt.Errorf("cannot convert %s to %s", from, to)
	}
}

func toInches(amount float64, u Unit) (int, error) {
	v, err := Convert(amount, u, Inches)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func toDegrees(amount float64, u Unit) (int, error) {
	v, err := Convert(amount, u, Degrees)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}
