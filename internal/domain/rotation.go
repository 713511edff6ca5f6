package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Rotation is a surface rotation in degrees clockwise.
type Rotation int

const (
	Rotation0   Rotation = 0
	Rotation90  Rotation = 90
	Rotation180 Rotation = 180
	Rotation270 Rotation = 270
)

// NormalizeRotation snaps any angle to the nearest of the four surface
// rotations.
func NormalizeRotation(degrees int) Rotation {
	d := ((degrees % 360) + 360) % 360
	return Rotation(((d + 45) / 90 % 4) * 90)
}

// ParseRotation parses a rotation in degrees, e.g. "90" or "-90".
func ParseRotation(s string) (Rotation, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return Rotation0, fmt.Errorf("parse rotation %q: %w", s, err)
	}
	return NormalizeRotation(n), nil
}

func (r Rotation) String() string {
	return strconv.Itoa(int(r))
}
