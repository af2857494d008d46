package maskon

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"
)

var (
	// ErrUnknownBackend is returned when a cascade is requested from a backend that was not registered.
	ErrUnknownBackend = errors.New("unknown cascade backend")
	// ErrNoModel is returned when a cascade is requested without a model file.
	ErrNoModel = errors.New("no cascade model given")
)

// Default backend and model of each cascade. The face cascade of the pigo backend is
// bundled, an empty face model meaning the bundled one. No pigo mouth cascade is
// published, so a mouth model trained with the pigo tooling has to be given, unless
// the binary is built with the gocv tag, in which case mouths are searched with
// the OpenCV Haar cascade.
var (
	DefaultFaceBackend  = PigoBackend
	DefaultFaceModel    = ""
	DefaultMouthBackend = PigoBackend
	DefaultMouthModel   = ""
)

// Cascade is a pretrained shape detector. It scans a grayscale image at multiple
// scales and reports the rectangles where the shape it was trained on is believed present.
// The returned rectangles are expressed in the coordinate space of img, so passing a
// sub-image obtained with SubImage yields rectangles relative to the parent image.
// Implementations must not mutate their state while detecting, since a single
// instance is reused across every processed image.
type Cascade interface {
	Detect(img *image.Gray) []image.Rectangle
	Close() error
}

// CascadeParams holds the tunable detection parameters of a cascade.
// ScaleFactor: how much the detection window grows between two consecutive scales.
// MinNeighbors: how many overlapping raw hits a candidate needs to be retained.
// MinSize, MaxSize: the detection window size range in pixels. A zero MaxSize
// means the larger side of the scanned image.
// ShiftFactor: how far the detection window moves, as a fraction of its size.
// IoUThreshold: the overlap above which two raw hits are grouped together.
// Angle: the in-plane rotation of the searched shape, between 0.0 and 1.0 (1.0 meaning 2π).
type CascadeParams struct {
	ScaleFactor  float64
	MinNeighbors int
	MinSize      int
	MaxSize      int
	ShiftFactor  float64
	IoUThreshold float64
	Angle        float64
}

// DefaultFaceParams are tuned for whole faces: coarse scale steps and a low neighbor threshold.
var DefaultFaceParams = CascadeParams{
	ScaleFactor:  1.1,
	MinNeighbors: 4,
	MinSize:      40,
	ShiftFactor:  0.1,
	IoUThreshold: 0.2,
}

// DefaultMouthParams are tuned for mouths searched inside a face region. Mouth detection
// on a sub-face region is noisy, so recall is traded for precision with a higher neighbor count.
var DefaultMouthParams = CascadeParams{
	ScaleFactor:  1.5,
	MinNeighbors: 11,
	MinSize:      12,
	ShiftFactor:  0.05,
	IoUThreshold: 0.2,
}

// CascadeLoader builds a Cascade from the model file found at path.
type CascadeLoader func(path string, p CascadeParams) (Cascade, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]CascadeLoader)
)

// RegisterBackend makes a cascade backend available by name.
// It panics if the loader is nil or the name is registered twice.
func RegisterBackend(name string, loader CascadeLoader) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	if loader == nil {
		panic("maskon: RegisterBackend loader is nil")
	}
	if _, dup := backends[name]; dup {
		panic("maskon: RegisterBackend called twice for backend " + name)
	}
	backends[name] = loader
}

// Backends returns the sorted names of the registered backends.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadCascade loads the model file found at path using the named backend.
func LoadCascade(backend, path string, p CascadeParams) (Cascade, error) {
	backendsMu.RLock()
	loader, ok := backends[backend]
	backendsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownBackend, backend, Backends())
	}
	if path == "" {
		return nil, fmt.Errorf("%w for the %s backend", ErrNoModel, backend)
	}
	c, err := loader(path, p)
	if err != nil {
		return nil, fmt.Errorf("could not load cascade %s: %w", path, err)
	}
	return c, nil
}

// LoadFaceCascade loads the face cascade like LoadCascade does, except that an empty
// path selects the face model bundled with the pigo backend.
func LoadFaceCascade(backend, path string, p CascadeParams) (Cascade, error) {
	if backend == PigoBackend && path == "" {
		return NewPigoCascadeFromBytes(FaceFinder, p)
	}
	return LoadCascade(backend, path, p)
}
