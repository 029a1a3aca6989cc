package coord

import (
	"math"
)

// Point is a position on the bed in device pixel units.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Point) Equal(b Point) bool {
	return p.X == b.X && p.Y == b.Y
}

// Add will add the target values to p.
func (p Point) Add(target Point) Point {
	p.X += target.X
	p.Y += target.Y
	return p
}

// Sub will subtract the target values from p.
func (p Point) Sub(target Point) Point {
	p.X -= target.X
	p.Y -= target.Y
	return p
}

// Length returns the euclidean length of p treated as a vector.
func (p Point) Length() float64 {
	return math.Sqrt(float64(p.X)*float64(p.X) + float64(p.Y)*float64(p.Y))
}

// Distance will return the 2D distance from p to target.
func (p Point) Distance(target Point) float64 {
	return target.Sub(p).Length()
}

// Rect is a pixel rectangle. Max is exclusive.
type Rect struct {
	Min, Max Point
}

// R is shorthand for Rect{Point{x0, y0}, Point{x1, y1}}.
func R(x0, y0, x1, y1 int) Rect {
	return Rect{Min: Point{X: x0, Y: y0}, Max: Point{X: x1, Y: y1}}
}

func (r Rect) Dx() int { return r.Max.X - r.Min.X }
func (r Rect) Dy() int { return r.Max.Y - r.Min.Y }

func (r Rect) Empty() bool { return r.Min.X >= r.Max.X || r.Min.Y >= r.Max.Y }

// Center returns the geometric center of r, rounded down.
func (r Rect) Center() Point {
	return Point{X: r.Min.X + r.Dx()/2, Y: r.Min.Y + r.Dy()/2}
}

// Contains reports whether p lies inside r.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.Min.X && p.X < r.Max.X && p.Y >= r.Min.Y && p.Y < r.Max.Y
}

// In reports whether r is entirely inside s.
func (r Rect) In(s Rect) bool {
	if r.Empty() {
		return true
	}
	return r.Min.X >= s.Min.X && r.Max.X <= s.Max.X && r.Min.Y >= s.Min.Y && r.Max.Y <= s.Max.Y
}

// Clamp returns the point inside r closest to p.
func (r Rect) Clamp(p Point) Point {
	if r.Empty() {
		return r.Min
	}
	p.X = clamp(p.X, r.Min.X, r.Max.X-1)
	p.Y = clamp(p.Y, r.Min.Y, r.Max.Y-1)
	return p
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
