/*
Package maskon detects faces in still images and tells whether each of them wears a mask.

Every face found by the face cascade is searched for a mouth with a second cascade,
restricted to the face region. A mouth detected in the lower part of the face means
the face is not masked. The faces are then outlined on a copy of the image,
in green for "MASK ON" and in red for "NO MASK".

Two cascade backends are available. The pure Go pigo backend is the default and
bundles a frontal face model (FaceFinder), used when no face model is given.
pigo publishes no mouth model, so a mouth cascade has to be trained with the pigo
tooling. Binaries built with the gocv tag register the OpenCV "haar" backend and
search mouths with haarcascade_mcs_mouth.xml, shipped with the opencv_contrib face module.

The package provides a command line interface which processes a whole folder.
To check the supported flags type:

	$ maskon --help

In case you wish to integrate the API in a self constructed environment here is a simple example:

	package main

	import (
		"context"
		"log"

		"github.com/maskon/maskon"
	)

	func main() {
		face, err := maskon.LoadFaceCascade(maskon.PigoBackend, "", maskon.DefaultFaceParams)
		if err != nil {
			log.Fatal(err)
		}
		mouth, err := maskon.LoadCascade(maskon.PigoBackend, "models/mouthfinder", maskon.DefaultMouthParams)
		if err != nil {
			log.Fatal(err)
		}

		p := &maskon.Processor{
			FaceCascade:  face,
			MouthCascade: mouth,
			Annotator:    maskon.DefaultAnnotator,
		}
		if _, err := p.Execute(context.Background(), &maskon.Ops{Src: "in", Dst: "out"}); err != nil {
			log.Fatal(err)
		}
	}
*/
package maskon
