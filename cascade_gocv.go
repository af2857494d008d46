//go:build gocv

package maskon

import (
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/maskon/maskon/utils"
	"gocv.io/x/gocv"
)

// HaarBackend is the name of the OpenCV backend, reading Haar cascade XML models.
// It is only available in binaries built with the gocv tag.
const HaarBackend = "haar"

// HaarMouthModel is the file name of the OpenCV mouth cascade, distributed
// with the opencv_contrib face module.
const HaarMouthModel = "haarcascade_mcs_mouth.xml"

func init() {
	RegisterBackend(HaarBackend, func(path string, p CascadeParams) (Cascade, error) {
		return NewHaarCascade(path, p)
	})
	DefaultMouthBackend = HaarBackend
	DefaultMouthModel = HaarMouthModel
}

// HaarCascade wraps an OpenCV cascade classifier.
type HaarCascade struct {
	classifier gocv.CascadeClassifier
	params     CascadeParams
}

var _ Cascade = (*HaarCascade)(nil)

// NewHaarCascade loads the OpenCV cascade XML file found at path.
func NewHaarCascade(path string, p CascadeParams) (*HaarCascade, error) {
	if p.ScaleFactor <= 1 {
		return nil, fmt.Errorf("scale factor should be greater than 1, got %v", p.ScaleFactor)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, errors.New("error reading cascade file")
	}
	return &HaarCascade{
		classifier: classifier,
		params:     p,
	}, nil
}

// Detect implements Cascade.
func (c *HaarCascade) Detect(img *image.Gray) []image.Rectangle {
	bounds := img.Bounds()

	// The OpenCV matrix starts at the origin, whatever the bounds of the sub-image.
	src := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	copy(src.Pix, grayPixels(img))

	mat, err := gocv.ImageGrayToMatGray(src)
	if err != nil {
		return nil
	}
	defer mat.Close()

	maxSize := c.params.MaxSize
	if maxSize == 0 {
		maxSize = utils.Max(bounds.Dx(), bounds.Dy())
	}

	found := c.classifier.DetectMultiScaleWithParams(
		mat,
		c.params.ScaleFactor,
		c.params.MinNeighbors,
		0,
		image.Pt(c.params.MinSize, c.params.MinSize),
		image.Pt(maxSize, maxSize),
	)

	rects := make([]image.Rectangle, 0, len(found))
	for _, r := range found {
		rects = append(rects, r.Add(bounds.Min))
	}
	return rects
}

// Close releases the OpenCV classifier.
func (c *HaarCascade) Close() error {
	return c.classifier.Close()
}
