// Package device talks to the desktop: it captures and reads screen regions
// and drives mouse, keyboard and clipboard through external tools.
package device

import "fmt"

// Point is a screen coordinate.
type Point struct {
	X int `toml:"x" json:"x"`
	Y int `toml:"y" json:"y"`
}

// Region is a screen rectangle.
type Region struct {
	X int `toml:"x" json:"x"`
	Y int `toml:"y" json:"y"`
	W int `toml:"w" json:"w"`
	H int `toml:"h" json:"h"`
}

// Inset shrinks r by margin on every side, keeping at least 1x1.
func (r Region) Inset(margin int) Region {
	return Region{
		X: r.X + margin,
		Y: r.Y + margin,
		W: max(1, r.W-2*margin),
		H: max(1, r.H-2*margin),
	}
}

// Center is the middle of r.
func (r Region) Center() Point {
	return Point{X: r.X + r.W/2, Y: r.Y + r.H/2}
}

// Empty reports whether r has no area.
func (r Region) Empty() bool { return r.W <= 0 || r.H <= 0 }

func (r Region) String() string { return fmt.Sprintf("%dx%d+%d+%d", r.W, r.H, r.X, r.Y) }

// IsZero reports whether p is unset.
func (p Point) IsZero() bool { return p.X == 0 && p.Y == 0 }
