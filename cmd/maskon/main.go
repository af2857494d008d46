package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/maskon/maskon"
	"github.com/maskon/maskon/utils"
	"golang.org/x/term"
)

const HelpBanner = `
┌┬┐┌─┐┌─┐┬┌─┌─┐┌┐┌
│││├─┤└─┐├┴┐│ ││││
┴ ┴┴ ┴└─┘┴ ┴└─┘┘└┘

Face mask detector for still images.
    Version: %s

`

// Version indicates the current build version.
var Version string

var (
	// Flags
	source       = flag.String("in", "Sample Pictures", "Folder with the images to check")
	destination  = flag.String("out", "outputs", "Folder where the annotated images are saved")
	faceModel    = flag.String("face", maskon.DefaultFaceModel, "Face cascade classifier (empty: bundled pigo facefinder)")
	mouthModel   = flag.String("mouth", maskon.DefaultMouthModel, "Mouth cascade classifier (no pigo mouth model is bundled: train one or build with -tags gocv)")
	faceBackend  = flag.String("face-backend", maskon.DefaultFaceBackend, "Face cascade backend: "+strings.Join(maskon.Backends(), ", "))
	mouthBackend = flag.String("mouth-backend", maskon.DefaultMouthBackend, "Mouth cascade backend: "+strings.Join(maskon.Backends(), ", "))
	faceScale    = flag.Float64("face-scale", maskon.DefaultFaceParams.ScaleFactor, "Face detection scale factor")
	faceNeigh    = flag.Int("face-neighbors", maskon.DefaultFaceParams.MinNeighbors, "Face detection minimum neighbors")
	faceMin      = flag.Int("face-min", maskon.DefaultFaceParams.MinSize, "Minimum face size in pixels")
	mouthScale   = flag.Float64("mouth-scale", maskon.DefaultMouthParams.ScaleFactor, "Mouth detection scale factor")
	mouthNeigh   = flag.Int("mouth-neighbors", maskon.DefaultMouthParams.MinNeighbors, "Mouth detection minimum neighbors")
	mouthMin     = flag.Int("mouth-min", maskon.DefaultMouthParams.MinSize, "Minimum mouth size in pixels")
	faceAngle    = flag.Float64("angle", 0.0, "Plane rotated faces angle")
	watch        = flag.Bool("watch", false, "Keep watching the input folder for new images")
)

func main() {
	log.SetFlags(0)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, HelpBanner, Version)
		flag.PrintDefaults()
	}
	flag.Parse()

	utils.NoColor = !term.IsTerminal(int(os.Stdout.Fd()))

	if err := maskon.CheckSource(*source); err != nil {
		log.Printf(utils.DecorateText("Folder does not exist: %s", utils.ErrorMessage), *source)
		if entries, err := os.ReadDir(filepath.Dir(filepath.Clean(*source))); err == nil {
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			log.Printf("Contents of parent: %v", names)
		}
		os.Exit(1)
	}

	faceParams := maskon.DefaultFaceParams
	faceParams.ScaleFactor = *faceScale
	faceParams.MinNeighbors = *faceNeigh
	faceParams.MinSize = *faceMin
	faceParams.Angle = *faceAngle

	mouthParams := maskon.DefaultMouthParams
	mouthParams.ScaleFactor = *mouthScale
	mouthParams.MinNeighbors = *mouthNeigh
	mouthParams.MinSize = *mouthMin
	mouthParams.Angle = *faceAngle

	faceCascade, err := maskon.LoadFaceCascade(*faceBackend, *faceModel, faceParams)
	if err != nil {
		log.Fatalf(utils.DecorateText("ERROR: could not load face cascade: %v", utils.ErrorMessage), err)
	}
	defer faceCascade.Close()

	mouthCascade, err := maskon.LoadCascade(*mouthBackend, *mouthModel, mouthParams)
	if errors.Is(err, maskon.ErrNoModel) {
		log.Fatalln(utils.DecorateText("ERROR: no mouth cascade given. Train a pigo mouth model and pass it with -mouth, "+
			"or use a binary built with -tags gocv, which defaults to the OpenCV haarcascade_mcs_mouth.xml model.", utils.ErrorMessage))
	}
	if err != nil {
		log.Fatalf(utils.DecorateText("ERROR: could not load mouth cascade: %v", utils.ErrorMessage), err)
	}
	defer mouthCascade.Close()

	proc := &maskon.Processor{
		FaceCascade:  faceCascade,
		MouthCascade: mouthCascade,
		Annotator:    maskon.DefaultAnnotator,
		Out:          os.Stdout,
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		spinnerText := fmt.Sprintf("%s %s",
			utils.DecorateText("⚡ MASKON", utils.StatusMessage),
			utils.DecorateText("⇢ looking for faces...", utils.DefaultMessage))
		proc.Spinner = utils.NewSpinner(spinnerText, time.Millisecond*80, true)
	}

	// Capture CTRL-C signal and restore the cursor visibility back.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = proc.Execute(ctx, &maskon.Ops{
		Src:   *source,
		Dst:   *destination,
		Watch: *watch,
	})
	if proc.Spinner != nil {
		proc.Spinner.RestoreCursor()
	}

	switch {
	case err == nil:
	case errors.Is(err, maskon.ErrNoImages):
		fmt.Println("No images found in", *source)
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, utils.DecorateText("Interrupted.", utils.ErrorMessage))
		os.Exit(1)
	default:
		log.Fatalf(utils.DecorateText("Error processing the images: %v", utils.ErrorMessage), err)
	}
}
