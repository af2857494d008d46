package maskon

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/maskon/maskon/utils"
)

var (
	// ErrSourceMissing is returned when the input folder does not exist.
	ErrSourceMissing = errors.New("folder does not exist")
	// ErrNoImages is returned when the input folder holds no supported image file.
	ErrNoImages = errors.New("no images found")
	// ErrSameFolder is returned when the annotated images would overwrite their sources.
	ErrSameFolder = errors.New("input and output folders should differ")
)

// Ops holds the input and output folders of a run.
type Ops struct {
	Src, Dst string
	Watch    bool
}

// Processor runs the face and mouth cascades over every image and annotates them.
// The cascades are only read during processing and are shared by all the images.
type Processor struct {
	FaceCascade  Cascade
	MouthCascade Cascade
	Annotator    Annotator
	Spinner      *utils.Spinner
	Out          io.Writer
}

// FaceResult is the verdict for one detected face.
type FaceResult struct {
	Rect  image.Rectangle
	Label Label
}

// Result holds the relevant information about the processing of one image file.
type Result struct {
	Src   string
	Dst   string
	Label Label
	Faces []FaceResult
	// Err is set when the file could not be read or the annotated image could not be saved.
	Err     error
	Skipped bool
}

// Summary counts the outcome of a run.
type Summary struct {
	Total   int
	Skipped int
	Failed  int
	Labels  map[Label]int
}

func (s *Summary) add(res Result) {
	s.Total++
	switch {
	case res.Skipped:
		s.Skipped++
	case res.Err != nil:
		s.Failed++
	default:
		if s.Labels == nil {
			s.Labels = make(map[Label]int)
		}
		s.Labels[res.Label]++
	}
}

// String implements fmt.Stringer.
func (s Summary) String() string {
	return fmt.Sprintf("%s: %d, %s: %d, %s: %d, skipped: %d, failed: %d",
		MaskOn, s.Labels[MaskOn],
		NoMask, s.Labels[NoMask],
		NoFace, s.Labels[NoFace],
		s.Skipped, s.Failed,
	)
}

// CheckSource verifies that the input folder exists.
func CheckSource(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrSourceMissing, dir)
	}
	return nil
}

// ListImages returns the supported image files found directly inside dir, sorted by name.
// Hidden files are ignored.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var images []string
	for _, e := range entries {
		if e.IsDir() || !isImageFile(e.Name()) {
			continue
		}
		images = append(images, filepath.Join(dir, e.Name()))
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, dir)
	}
	return images, nil
}

// Execute processes every supported image of the input folder one after the other,
// then watches the folder for new images in case op.Watch is set.
// A file which cannot be decoded or saved is reported and skipped; the returned error
// is only set for configuration problems: missing input folder, no image to process,
// or an output folder which cannot be created.
func (p *Processor) Execute(ctx context.Context, op *Ops) (Summary, error) {
	var summary Summary

	if err := CheckSource(op.Src); err != nil {
		return summary, err
	}
	if err := checkFolders(op.Src, op.Dst); err != nil {
		return summary, err
	}

	if err := os.MkdirAll(op.Dst, 0755); err != nil {
		return summary, fmt.Errorf("unable to create the output folder: %w", err)
	}

	images, err := ListImages(op.Src)
	if err != nil {
		return summary, err
	}

	now := time.Now()
	for idx, src := range images {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		res := p.process(src, op.Dst)
		summary.add(res)
		p.printOpStatus(fmt.Sprintf("%d/%d", idx+1, len(images)), res)
	}

	fmt.Fprintln(p.out(), "Done. Check:", op.Dst)
	fmt.Fprintf(p.out(), "%s\nExecution time: %s\n",
		summary,
		utils.DecorateText(utils.FormatTime(time.Since(now)), utils.SuccessMessage),
	)

	if op.Watch {
		err = p.Watch(ctx, op, &summary)
	}
	return summary, err
}

// Detect runs the cascades over the image, classifies every face and draws the overlays into img.
func (p *Processor) Detect(img *image.RGBA) []FaceResult {
	gray := toGray(img)
	faces := p.FaceCascade.Detect(gray)

	results := make([]FaceResult, 0, len(faces))
	for _, face := range faces {
		// Look for mouths only inside the face region.
		roi := gray.SubImage(face).(*image.Gray)
		mouths := p.MouthCascade.Detect(roi)

		label := Classify(face, mouths)
		p.Annotator.Annotate(img, face, label)

		results = append(results, FaceResult{Rect: face, Label: label})
	}
	return results
}

// process decodes, annotates and saves a single image file into the dst folder.
func (p *Processor) process(src, dst string) Result {
	res := Result{Src: src, Label: NoFace}

	if p.Spinner != nil {
		p.Spinner.Start()
		defer p.Spinner.Stop()
	}

	img, err := decodeImg(src)
	if err != nil {
		res.Err = err
		res.Skipped = true
		return res
	}

	res.Faces = p.Detect(img)
	if n := len(res.Faces); n > 0 {
		// The image is labeled after its last face.
		res.Label = res.Faces[n-1].Label
	}

	res.Dst = filepath.Join(dst, OutputName(src))
	res.Err = writeImg(res.Dst, img)

	return res
}

// writeImg saves the image, removing the partially written file in case of an error.
func writeImg(name string, img image.Image) (err error) {
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("unable to create the destination file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			if rerr := os.Remove(name); rerr != nil {
				log.Printf("could not remove the destination file: %v", rerr)
			}
		}
	}()

	return encodeImg(f, name, img)
}

// printOpStatus displays the outcome of one image file, prefixed by its position.
func (p *Processor) printOpStatus(pos string, res Result) {
	switch {
	case res.Skipped:
		fmt.Fprintf(p.out(), "[%s] %s %s\n",
			pos,
			utils.DecorateText("Skipped (could not read):", utils.ErrorMessage),
			res.Src,
		)
	case res.Err != nil:
		fmt.Fprintf(p.out(), "[%s] %s %s (%v)\n",
			pos,
			utils.DecorateText("Failed to save:", utils.ErrorMessage),
			res.Dst,
			res.Err,
		)
	default:
		msgType := utils.SuccessMessage
		if res.Label != MaskOn {
			msgType = utils.ErrorMessage
		}
		fmt.Fprintf(p.out(), "[%s] %s -> %s (saved to %s)\n",
			pos,
			filepath.Base(res.Src),
			utils.DecorateText(string(res.Label), msgType),
			res.Dst,
		)
	}
}

func (p *Processor) out() io.Writer {
	if p.Out == nil {
		return os.Stdout
	}
	return p.Out
}

// checkFolders rejects an output folder resolving to the input folder.
func checkFolders(src, dst string) error {
	s, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	d, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	if s == d {
		return fmt.Errorf("%w: %s", ErrSameFolder, dst)
	}
	return nil
}
