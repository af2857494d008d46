package maskon

import "image"

// Label is the verdict printed and drawn for a face or a whole image.
type Label string

// The labels produced by the classifier.
const (
	NoFace Label = "NO FACE"
	MaskOn Label = "MASK ON"
	NoMask Label = "NO MASK"
)

// MouthThreshold is the fraction of the face height below which a detected mouth means no mask.
// A mouth whose top edge lies strictly deeper than MouthThreshold * face height counts as visible.
const MouthThreshold = 0.4

// WearingMask reports whether a face of the given height is masked, knowing the vertical
// offsets of the mouth candidates detected inside it, measured from the top of the face.
// The face is assumed masked unless one of the mouths sits in the lower part of the face.
func WearingMask(faceHeight int, mouthOffsets []int) bool {
	limit := MouthThreshold * float64(faceHeight)
	for _, my := range mouthOffsets {
		if float64(my) > limit {
			return false
		}
	}
	return true
}

// Classify labels a face rectangle given the mouth candidates detected within it.
func Classify(face image.Rectangle, mouths []image.Rectangle) Label {
	offsets := make([]int, len(mouths))
	for i, m := range mouths {
		offsets[i] = m.Min.Y - face.Min.Y
	}
	if WearingMask(face.Dy(), offsets) {
		return MaskOn
	}
	return NoMask
}
