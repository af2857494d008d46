package maskon

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/maskon/maskon/utils"
	"golang.org/x/image/bmp"
)

// SupportedExtensions lists the input file extensions, matched case-insensitively.
var SupportedExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".jfif"}

// jpegQuality is the quality used to encode the annotated JPEG images.
const jpegQuality = 95

// isSupported checks whether the file name carries one of the supported extensions.
func isSupported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, ex := range SupportedExtensions {
		if ex == ext {
			return true
		}
	}
	return false
}

// isImageFile reports whether the file should be processed: a supported extension
// on a file which is not hidden.
func isImageFile(name string) bool {
	base := filepath.Base(name)
	return !strings.HasPrefix(base, ".") && isSupported(base)
}

// OutputName returns the file name under which an annotated image is saved.
// The encoder cannot produce the .jfif and .jpe extensions, these are saved as .jpg.
// Any other name is kept untouched, including its case. A leading dot does not
// start an extension, so ".jfif" is kept as is.
func OutputName(name string) string {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	root := strings.TrimSuffix(base, ext)
	if root == "" {
		return base
	}
	switch strings.ToLower(ext) {
	case ".jfif", ".jpe":
		return root + ".jpg"
	}
	return base
}

// decodeImg decodes an image file, honoring its EXIF orientation, into an RGBA buffer.
func decodeImg(src string) (*image.RGBA, error) {
	ctype, err := utils.DetectContentType(src)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(ctype, "image") {
		return nil, fmt.Errorf("not an image file: %s", ctype)
	}

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("could not decode the image file: %w", err)
	}
	return imgToRGBA(img), nil
}

// encodeImg encodes the image according to the extension of the destination file name.
func encodeImg(w io.Writer, name string, img image.Image) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
	case ".png":
		return png.Encode(w, img)
	case ".bmp":
		return bmp.Encode(w, img)
	default:
		return errors.New("unsupported image format")
	}
}

// imgToRGBA converts any image type to *image.RGBA with min-point at (0, 0).
// The result never shares its pixels with the source image.
func imgToRGBA(img image.Image) *image.RGBA {
	srcBounds := img.Bounds()
	srcMinX := srcBounds.Min.X
	srcMinY := srcBounds.Min.Y

	dstBounds := srcBounds.Sub(srcBounds.Min)
	dstW := dstBounds.Dx()
	dstH := dstBounds.Dy()
	dst := image.NewRGBA(dstBounds)

	switch src := img.(type) {
	case *image.YCbCr:
		for dstY := 0; dstY < dstH; dstY++ {
			di := dst.PixOffset(0, dstY)
			for dstX := 0; dstX < dstW; dstX++ {
				srcX := srcMinX + dstX
				srcY := srcMinY + dstY
				siy := src.YOffset(srcX, srcY)
				sic := src.COffset(srcX, srcY)
				r, g, b := color.YCbCrToRGB(src.Y[siy], src.Cb[sic], src.Cr[sic])
				dst.Pix[di+0] = r
				dst.Pix[di+1] = g
				dst.Pix[di+2] = b
				dst.Pix[di+3] = 0xff
				di += 4
			}
		}
	default:
		draw.Draw(dst, dstBounds, img, srcBounds.Min, draw.Src)
	}

	return dst
}

// toGray converts the image to grayscale using the luma weights of the cascade training data.
func toGray(src *image.RGBA) *image.Gray {
	bounds := src.Bounds()
	dx, dy := bounds.Dx(), bounds.Dy()
	gray := image.NewGray(image.Rect(0, 0, dx, dy))

	for y := 0; y < dy; y++ {
		si := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
		di := gray.PixOffset(0, y)
		for x := 0; x < dx; x++ {
			r, g, b := src.Pix[si], src.Pix[si+1], src.Pix[si+2]
			gray.Pix[di+x] = uint8(0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b))
			si += 4
		}
	}
	return gray
}
