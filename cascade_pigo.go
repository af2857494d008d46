package maskon

import (
	_ "embed"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"sort"

	pigo "github.com/esimov/pigo/core"
	"github.com/maskon/maskon/utils"
)

// PigoBackend is the name of the pure Go cascade backend.
const PigoBackend = "pigo"

// FaceFinder is the pigo frontal face cascade.
//
//go:embed data/facefinder
var FaceFinder []byte

func init() {
	RegisterBackend(PigoBackend, func(path string, p CascadeParams) (Cascade, error) {
		return NewPigoCascade(path, p)
	})
}

// PigoCascade runs a pigo binary cascade over grayscale images.
type PigoCascade struct {
	classifier *pigo.Pigo
	params     CascadeParams
}

var _ Cascade = (*PigoCascade)(nil)

// NewPigoCascade reads and unpacks the pigo cascade file found at path.
func NewPigoCascade(path string, p CascadeParams) (*PigoCascade, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewPigoCascadeFromBytes(data, p)
}

// NewPigoCascadeFromBytes unpacks a pigo cascade already loaded in memory.
func NewPigoCascadeFromBytes(data []byte, p CascadeParams) (*PigoCascade, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	classifier, err := unpackCascade(data)
	if err != nil {
		return nil, err
	}
	return &PigoCascade{
		classifier: classifier,
		params:     p,
	}, nil
}

// unpackCascade unpacks the binary cascade. The pigo unpacker indexes the packet
// without bound checks, so a truncated file is turned into an error here.
func unpackCascade(data []byte) (classifier *pigo.Pigo, err error) {
	// Header (8 bytes), tree depth and tree count.
	if len(data) < 16 {
		return nil, errors.New("cascade file is too short")
	}
	defer func() {
		if r := recover(); r != nil {
			classifier, err = nil, fmt.Errorf("malformed cascade file: %v", r)
		}
	}()

	classifier, err = pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("error unpacking the cascade file: %w", err)
	}
	// The classification function reads the threshold of the last tree.
	if classifier == nil || isEmptyCascade(classifier) {
		return nil, errors.New("cascade file contains no trees")
	}
	return classifier, nil
}

// isEmptyCascade reports whether the classifier has been unpacked without any tree.
func isEmptyCascade(classifier *pigo.Pigo) (empty bool) {
	defer func() {
		if recover() != nil {
			empty = true
		}
	}()
	// An empty cascade panics on the first classification.
	probe := pigo.CascadeParams{
		MinSize:     1,
		MaxSize:     1,
		ShiftFactor: 1,
		ScaleFactor: 2,
		ImageParams: pigo.ImageParams{
			Pixels: make([]uint8, 9),
			Rows:   3,
			Cols:   3,
			Dim:    3,
		},
	}
	classifier.RunCascade(probe, 0)
	return false
}

// Detect implements Cascade.
func (c *PigoCascade) Detect(img *image.Gray) []image.Rectangle {
	bounds := img.Bounds()
	cols, rows := bounds.Dx(), bounds.Dy()

	maxSize := c.params.MaxSize
	if maxSize == 0 {
		maxSize = utils.Max(cols, rows)
	}
	maxSize = utils.Min(maxSize, utils.Min(cols, rows))
	if maxSize < c.params.MinSize {
		return nil
	}

	cParams := pigo.CascadeParams{
		MinSize:     c.params.MinSize,
		MaxSize:     maxSize,
		ShiftFactor: c.params.ShiftFactor,
		ScaleFactor: c.params.ScaleFactor,

		ImageParams: pigo.ImageParams{
			Pixels: grayPixels(img),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	// Run the classifier over the obtained leaf nodes and return the detection results.
	// The result contains quadruplets representing the row, column, scale and detection score.
	dets := c.classifier.RunCascade(cParams, c.params.Angle)
	dets = groupDetections(dets, c.params.IoUThreshold, c.params.MinNeighbors)

	rects := make([]image.Rectangle, 0, len(dets))
	for _, det := range dets {
		rect := image.Rect(
			det.Col-det.Scale/2,
			det.Row-det.Scale/2,
			det.Col+det.Scale/2,
			det.Row+det.Scale/2,
		).Add(bounds.Min).Intersect(bounds)

		if !rect.Empty() {
			rects = append(rects, rect)
		}
	}
	return rects
}

// Close implements Cascade. The pigo classifier holds no external resources.
func (c *PigoCascade) Close() error {
	return nil
}

// validate checks that the detection window grows between scales,
// otherwise the multi-scale scan would never terminate.
func (p CascadeParams) validate() error {
	if p.MinSize <= 0 {
		return fmt.Errorf("minimum window size should be positive, got %d", p.MinSize)
	}
	if p.MinNeighbors < 0 {
		return fmt.Errorf("minimum neighbor count should not be negative, got %d", p.MinNeighbors)
	}
	if p.ShiftFactor <= 0 || p.ShiftFactor > 1 {
		return fmt.Errorf("shift factor should be in (0, 1], got %v", p.ShiftFactor)
	}
	if int(float64(p.MinSize)*p.ScaleFactor) <= p.MinSize {
		return fmt.Errorf("scale factor %v does not grow a %dpx window", p.ScaleFactor, p.MinSize)
	}
	return nil
}

// grayPixels returns the image pixels as a contiguous row-major slice,
// copying only when img is a sub-image of a larger buffer.
func grayPixels(img *image.Gray) []uint8 {
	bounds := img.Bounds()
	dx, dy := bounds.Dx(), bounds.Dy()
	if img.Stride == dx && len(img.Pix) == dx*dy {
		return img.Pix
	}

	pixels := make([]uint8, dx*dy)
	for y := 0; y < dy; y++ {
		si := img.PixOffset(bounds.Min.X, bounds.Min.Y+y)
		copy(pixels[y*dx:(y+1)*dx], img.Pix[si:si+dx])
	}
	return pixels
}

// groupDetections merges the raw detections overlapping more than iouThreshold.
// A group survives only when it holds more than minNeighbors raw detections,
// minNeighbors of zero returning the raw detections untouched.
// The merged detection is the mean position and scale of the group, scored with the summed score.
func groupDetections(dets []pigo.Detection, iouThreshold float64, minNeighbors int) []pigo.Detection {
	if minNeighbors == 0 {
		return dets
	}
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Q > dets[j].Q
	})

	assigned := make([]bool, len(dets))
	groups := []pigo.Detection{}

	for i := range dets {
		if assigned[i] {
			continue
		}
		var (
			r, c, s, n int
			q          float32
		)
		for j := range dets {
			if assigned[j] || iou(dets[i], dets[j]) <= iouThreshold {
				continue
			}
			assigned[j] = true
			r += dets[j].Row
			c += dets[j].Col
			s += dets[j].Scale
			q += dets[j].Q
			n++
		}
		if n > minNeighbors {
			groups = append(groups, pigo.Detection{Row: r / n, Col: c / n, Scale: s / n, Q: q})
		}
	}
	return groups
}

// iou returns the intersection over union of two square detections.
func iou(d1, d2 pigo.Detection) float64 {
	r1, c1, s1 := float64(d1.Row), float64(d1.Col), float64(d1.Scale)
	r2, c2, s2 := float64(d2.Row), float64(d2.Col), float64(d2.Scale)

	overRow := math.Max(0, math.Min(r1+s1/2, r2+s2/2)-math.Max(r1-s1/2, r2-s2/2))
	overCol := math.Max(0, math.Min(c1+s1/2, c2+s2/2)-math.Max(c1-s1/2, c2-s2/2))

	return overRow * overCol / (s1*s1 + s2*s2 - overRow*overCol)
}
