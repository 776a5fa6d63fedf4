package topology

import (
	"fmt"
	"strconv"
	"strings"
)

type Location struct {
	World string `json:"world"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Z     int    `json:"z"`
}

var faceDirs = [6][3]int{
	{1, 0, 0},
	{-1, 0, 0},
	{0, 1, 0},
	{0, -1, 0},
	{0, 0, 1},
	{0, 0, -1},
}

// Neighbors returns the six face-adjacent locations in a fixed order.
func (l Location) Neighbors() [6]Location {
	var out [6]Location
	for i, d := range faceDirs {
		out[i] = Location{World: l.World, X: l.X + d[0], Y: l.Y + d[1], Z: l.Z + d[2]}
	}
	return out
}

func (l Location) Adjacent(o Location) bool {
	if l.World != o.World {
		return false
	}
	dx, dy, dz := abs(l.X-o.X), abs(l.Y-o.Y), abs(l.Z-o.Z)
	return dx+dy+dz == 1
}

func (l Location) Less(o Location) bool {
	if l.World != o.World {
		return l.World < o.World
	}
	if l.X != o.X {
		return l.X < o.X
	}
	if l.Y != o.Y {
		return l.Y < o.Y
	}
	return l.Z < o.Z
}

func (l Location) String() string {
	return fmt.Sprintf("%s@%d,%d,%d", l.World, l.X, l.Y, l.Z)
}

func ParseLocation(s string) (Location, error) {
	parts := strings.SplitN(s, "@", 2)
	if len(parts) != 2 || parts[0] == "" {
		return Location{}, fmt.Errorf("location %q: want world@x,y,z", s)
	}
	coord := strings.Split(parts[1], ",")
	if len(coord) != 3 {
		return Location{}, fmt.Errorf("location %q: want 3 coordinates", s)
	}
	var xyz [3]int
	for i, c := range coord {
		v, err := strconv.Atoi(strings.TrimSpace(c))
		if err != nil {
			return Location{}, fmt.Errorf("location %q: %w", s, err)
		}
		xyz[i] = v
	}
	return Location{World: parts[0], X: xyz[0], Y: xyz[1], Z: xyz[2]}, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
