// Package calibration converts raw temperature sensor codes to degrees Celsius.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrTooFewPoints  = errors.New("calibration: at least two points required")
	ErrDuplicateCode = errors.New("calibration: duplicate raw code")
	ErrNotIncreasing = errors.New("calibration: temperature must rise with the raw code")
)

// Point maps one raw sensor code to a temperature.
type Point struct {
	Raw     int     `mapstructure:"raw" json:"raw"`
	Celsius float64 `mapstructure:"celsius" json:"celsius"`
}

// Table is an immutable, raw-code sorted calibration curve whose temperature
// strictly rises with the code.
type Table struct {
	points []Point
}

func New(points []Point) (*Table, error) {
	if len(points) < 2 {
		return nil, ErrTooFewPoints
	}

	sorted := append([]Point(nil), points...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Raw < sorted[j].Raw })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Raw == sorted[i-1].Raw {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateCode, sorted[i].Raw)
		}
		if sorted[i].Celsius <= sorted[i-1].Celsius {
			return nil, fmt.Errorf("%w: %d reads %.2f °C, %d reads %.2f °C", ErrNotIncreasing,
				sorted[i-1].Raw, sorted[i-1].Celsius, sorted[i].Raw, sorted[i].Celsius)
		}
	}

	return &Table{points: sorted}, nil
}

// Default returns the curve of the bench's NTC sensor front end.
func Default() *Table {
	t, _ := New([]Point{
		{Raw: 9000, Celsius: -20},
		{Raw: 14500, Celsius: 0},
		{Raw: 20300, Celsius: 20},
		{Raw: 23200, Celsius: 30},
		{Raw: 26000, Celsius: 40},
		{Raw: 28600, Celsius: 50},
		{Raw: 31000, Celsius: 60},
		{Raw: 35200, Celsius: 80},
		{Raw: 38500, Celsius: 100},
	})
	return t
}

// Celsius interpolates linearly between the two surrounding points. Codes outside
// the table are extrapolated from the nearest end segment.
func (t *Table) Celsius(raw int) float64 {
	n := len(t.points)

	// first point with Raw >= raw
	i := sort.Search(n, func(i int) bool { return t.points[i].Raw >= raw })
	switch {
	case i == 0:
		i = 1
	case i == n:
		i = n - 1
	}

	lo, hi := t.points[i-1], t.points[i]
	frac := float64(raw-lo.Raw) / float64(hi.Raw-lo.Raw)
	return lo.Celsius + frac*(hi.Celsius-lo.Celsius)
}

// Points returns a copy of the calibration points.
func (t *Table) Points() []Point {
	return append([]Point(nil), t.points...)
}

// Raw returns the sensor code that reads as celsius, the inverse of Celsius.
func (t *Table) Raw(celsius float64) int {
	n := len(t.points)

	i := sort.Search(n, func(i int) bool { return t.points[i].Celsius >= celsius })
	switch {
	case i == 0:
		i = 1
	case i == n:
		i = n - 1
	}

	lo, hi := t.points[i-1], t.points[i]
	frac := (celsius - lo.Celsius) / (hi.Celsius - lo.Celsius)
	return int(math.Round(float64(lo.Raw) + frac*float64(hi.Raw-lo.Raw)))
}
