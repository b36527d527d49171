// File: internal/framediff/framediff.go
package framediff

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nettleworks/ferret/internal/config"
)

// Zone is a coarse categorical bucket for how much of the viewport changed,
// cheap enough to hand to the reasoning layer instead of full images.
type Zone string

const (
	ZoneNone   Zone = "none"
	ZoneSmall  Zone = "small"
	ZoneMedium Zone = "medium"
	ZoneLarge  Zone = "large"
	ZoneFull   Zone = "full"
)

// Result describes the difference between two captured frames.
type Result struct {
	Changed          bool
	MagnitudePercent float64
	Zone             Zone
}

// fullChange is returned whenever a frame is missing or undecodable: assume
// everything changed and let the oracle decide.
var fullChange = Result{Changed: true, MagnitudePercent: 100, Zone: ZoneFull}

// Detector compares screenshot frames. It is stateless and safe for
// concurrent use.
type Detector struct {
	cfg config.DiffConfig
}

// NewDetector builds a detector with the given thresholds.
func NewDetector(cfg config.DiffConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Diff compares two encoded frames. A pixel counts as changed when the mean
// absolute delta of its R, G and B channels exceeds the configured threshold.
// Magnitude is symmetric in its arguments.
func (d *Detector) Diff(before, after []byte) Result {
	if len(before) == 0 || len(after) == 0 {
		return fullChange
	}
	imgA, _, errA := image.Decode(bytes.NewReader(before))
	imgB, _, errB := image.Decode(bytes.NewReader(after))
	if errA != nil || errB != nil {
		return fullChange
	}

	boundsA := imgA.Bounds()
	boundsB := imgB.Bounds()
	width := min(boundsA.Dx(), boundsB.Dx())
	height := min(boundsA.Dy(), boundsB.Dy())
	if width <= 0 || height <= 0 {
		return fullChange
	}

	threshold := uint32(d.cfg.PixelThreshold)
	differing := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			ra, ga, ba, _ := imgA.At(boundsA.Min.X+x, boundsA.Min.Y+y).RGBA()
			rb, gb, bb, _ := imgB.At(boundsB.Min.X+x, boundsB.Min.Y+y).RGBA()
			// RGBA returns 16-bit channels; compare in 8-bit space.
			delta := absDiff(ra>>8, rb>>8) + absDiff(ga>>8, gb>>8) + absDiff(ba>>8, bb>>8)
			if delta/3 > threshold {
				differing++
			}
		}
	}

	magnitude := float64(differing) / float64(width*height) * 100
	return Result{
		Changed:          magnitude >= d.cfg.ZoneNoneBelow,
		MagnitudePercent: magnitude,
		Zone:             d.classify(magnitude),
	}
}

func (d *Detector) classify(magnitude float64) Zone {
	switch {
	case magnitude < d.cfg.ZoneNoneBelow:
		return ZoneNone
	case magnitude < d.cfg.ZoneSmallBelow:
		return ZoneSmall
	case magnitude < d.cfg.ZoneMedBelow:
		return ZoneMedium
	case magnitude < d.cfg.ZoneLargeBelow:
		return ZoneLarge
	default:
		return ZoneFull
	}
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
