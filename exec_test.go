package maskon

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maskon/maskon/utils"
	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	utils.NoColor = true
	os.Exit(m.Run())
}

// cascadeFunc turns a function into a Cascade.
type cascadeFunc func(img *image.Gray) []image.Rectangle

func (f cascadeFunc) Detect(img *image.Gray) []image.Rectangle { return f(img) }
func (f cascadeFunc) Close() error                              { return nil }

// fixedCascade always detects the same rectangles.
func fixedCascade(rects ...image.Rectangle) Cascade {
	return cascadeFunc(func(*image.Gray) []image.Rectangle {
		return rects
	})
}

var testFace = image.Rect(20, 30, 80, 90)

func newTestProcessor(face, mouth Cascade) (*Processor, *bytes.Buffer) {
	var out bytes.Buffer
	return &Processor{
		FaceCascade:  face,
		MouthCascade: mouth,
		Annotator:    DefaultAnnotator,
		Out:          &out,
	}, &out
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("could not create %s: %v", path, err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		t.Fatalf("could not encode %s: %v", path, err)
	}
}

func writeJPEG(t *testing.T, path string, img image.Image) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("could not create %s: %v", path, err)
	}
	defer f.Close()

	if err := jpeg.Encode(f, img, nil); err != nil {
		t.Fatalf("could not encode %s: %v", path, err)
	}
}

func readPNG(t *testing.T, path string) *image.RGBA {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("could not open %s: %v", path, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("could not decode %s: %v", path, err)
	}
	return imgToRGBA(img)
}

func TestExecute_MaskOn(t *testing.T) {
	src, dst := t.TempDir(), filepath.Join(t.TempDir(), "outputs")
	writePNG(t, filepath.Join(src, "face.png"), newWhiteImage(100, 100))

	p, out := newTestProcessor(fixedCascade(testFace), fixedCascade())
	summary, err := p.Execute(context.Background(), &Ops{Src: src, Dst: dst})
	assert.NoError(t, err)

	dstPath := filepath.Join(dst, "face.png")
	assert.Contains(t, out.String(), "[1/1] face.png -> MASK ON (saved to "+dstPath+")")
	assert.Contains(t, out.String(), "Done. Check: "+dst)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Labels[MaskOn])

	img := readPNG(t, dstPath)
	assert.True(t, isColor(img.RGBAAt(testFace.Min.X, 60), MaskOnColor), "%v", img.RGBAAt(testFace.Min.X, 60))
}

func TestExecute_NoMask(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writePNG(t, filepath.Join(src, "face.png"), newWhiteImage(100, 100))

	var roi image.Rectangle
	mouth := cascadeFunc(func(img *image.Gray) []image.Rectangle {
		roi = img.Bounds()
		// 40px below the top of a 60px high face.
		return []image.Rectangle{image.Rect(35, 70, 65, 85)}
	})

	p, out := newTestProcessor(fixedCascade(testFace), mouth)
	_, err := p.Execute(context.Background(), &Ops{Src: src, Dst: dst})
	assert.NoError(t, err)

	assert.Equal(t, testFace, roi, "mouths should be searched inside the face only")
	assert.Contains(t, out.String(), "[1/1] face.png -> NO MASK")

	img := readPNG(t, filepath.Join(dst, "face.png"))
	assert.True(t, isColor(img.RGBAAt(testFace.Min.X, 60), NoMaskColor), "%v", img.RGBAAt(testFace.Min.X, 60))
}

func TestExecute_LastFaceLabelsTheImage(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writePNG(t, filepath.Join(src, "group.png"), newWhiteImage(200, 100))

	second := image.Rect(120, 20, 170, 70)
	mouth := cascadeFunc(func(img *image.Gray) []image.Rectangle {
		if img.Bounds() == testFace {
			return []image.Rectangle{image.Rect(35, 80, 65, 88)}
		}
		return nil
	})

	p, out := newTestProcessor(fixedCascade(testFace, second), mouth)
	_, err := p.Execute(context.Background(), &Ops{Src: src, Dst: dst})
	assert.NoError(t, err)
	assert.Contains(t, out.String(), "group.png -> MASK ON")

	faces := p.Detect(newWhiteImage(200, 100))
	assert.Equal(t, []FaceResult{
		{Rect: testFace, Label: NoMask},
		{Rect: second, Label: MaskOn},
	}, faces)
}

func TestExecute_NoFaceKeepsImageUntouched(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	in := makeNRGBAImage(image.Rect(0, 0, 32, 32), []color.Color{color.Black, color.White, color.RGBA{10, 200, 30, 255}})
	for i := 3; i < len(in.Pix); i += 4 {
		in.Pix[i] = 0xff
	}
	writePNG(t, filepath.Join(src, "empty.png"), in)

	mouthCalled := false
	mouth := cascadeFunc(func(*image.Gray) []image.Rectangle {
		mouthCalled = true
		return nil
	})

	p, out := newTestProcessor(fixedCascade(), mouth)
	summary, err := p.Execute(context.Background(), &Ops{Src: src, Dst: dst})
	assert.NoError(t, err)
	assert.False(t, mouthCalled)
	assert.Contains(t, out.String(), "[1/1] empty.png -> NO FACE")
	assert.Equal(t, 1, summary.Labels[NoFace])

	got := readPNG(t, filepath.Join(dst, "empty.png"))
	assert.Equal(t, imgToRGBA(in).Pix, got.Pix)
}

func TestExecute_ShouldSkipUnreadableFiles(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(src, "broken.jpg"), []byte("not an image at all"), 0644))
	writePNG(t, filepath.Join(src, "good.png"), newWhiteImage(50, 50))

	p, out := newTestProcessor(fixedCascade(), fixedCascade())
	summary, err := p.Execute(context.Background(), &Ops{Src: src, Dst: dst})
	assert.NoError(t, err)

	lines := progressLines(out.String())
	assert.Len(t, lines, 2)
	assert.Equal(t, "[1/2] Skipped (could not read): "+filepath.Join(src, "broken.jpg"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "[2/2] good.png -> NO FACE"), lines[1])

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Skipped)
	assert.NoFileExists(t, filepath.Join(dst, "broken.jpg"))
	assert.FileExists(t, filepath.Join(dst, "good.png"))
}

func TestExecute_ShouldRenameUnwritableExtensions(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeJPEG(t, filepath.Join(src, "photo.JFIF"), newWhiteImage(40, 40))
	writePNG(t, filepath.Join(src, "photo.PNG"), newWhiteImage(40, 40))
	writePNG(t, filepath.Join(src, "skipped.gif"), newWhiteImage(40, 40))
	assert.NoError(t, os.Mkdir(filepath.Join(src, "nested"), 0755))
	writePNG(t, filepath.Join(src, "nested", "deep.png"), newWhiteImage(40, 40))

	p, out := newTestProcessor(fixedCascade(), fixedCascade())
	_, err := p.Execute(context.Background(), &Ops{Src: src, Dst: dst})
	assert.NoError(t, err)

	assert.Len(t, progressLines(out.String()), 2)
	assert.FileExists(t, filepath.Join(dst, "photo.jpg"))
	assert.FileExists(t, filepath.Join(dst, "photo.PNG"))
	assert.NoFileExists(t, filepath.Join(dst, "photo.JFIF"))
	assert.NoFileExists(t, filepath.Join(dst, "deep.png"))

	entries, err := os.ReadDir(dst)
	assert.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestExecute_ShouldReportSaveFailures(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writePNG(t, filepath.Join(src, "a.png"), newWhiteImage(100, 100))
	writePNG(t, filepath.Join(src, "b.png"), newWhiteImage(100, 100))

	// A folder standing in place of the output file cannot be overwritten.
	blocked := filepath.Join(dst, "a.png")
	assert.NoError(t, os.Mkdir(blocked, 0755))

	p, out := newTestProcessor(fixedCascade(testFace), fixedCascade())
	summary, err := p.Execute(context.Background(), &Ops{Src: src, Dst: dst})
	assert.NoError(t, err)

	lines := progressLines(out.String())
	if assert.Len(t, lines, 2) {
		assert.True(t, strings.HasPrefix(lines[0], "[1/2] Failed to save: "+blocked+" ("), lines[0])
		assert.Equal(t, "[2/2] b.png -> MASK ON (saved to "+filepath.Join(dst, "b.png")+")", lines[1])
	}
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Labels[MaskOn])

	assert.DirExists(t, blocked)
	entries, err := os.ReadDir(dst)
	assert.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestExecute_FailedWriteLeavesNoFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "face.gif")

	err := writeImg(name, newWhiteImage(10, 10))
	assert.Error(t, err)
	assert.NoFileExists(t, name)
}

func TestExecute_MissingSource(t *testing.T) {
	src := filepath.Join(t.TempDir(), "Sample Pictures")
	dst := filepath.Join(t.TempDir(), "outputs")

	p, out := newTestProcessor(fixedCascade(), fixedCascade())
	_, err := p.Execute(context.Background(), &Ops{Src: src, Dst: dst})

	assert.True(t, errors.Is(err, ErrSourceMissing))
	assert.Contains(t, err.Error(), src)
	assert.NoDirExists(t, dst)
	assert.Empty(t, out.String())
}

func TestExecute_NoImages(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "outputs")
	assert.NoError(t, os.WriteFile(filepath.Join(src, "readme.txt"), []byte("hello"), 0644))

	p, out := newTestProcessor(fixedCascade(), fixedCascade())
	_, err := p.Execute(context.Background(), &Ops{Src: src, Dst: dst})

	assert.True(t, errors.Is(err, ErrNoImages))
	// The output folder is created before the input folder is scanned.
	assert.DirExists(t, dst)
	assert.Empty(t, out.String())
}

func TestExecute_SameFolder(t *testing.T) {
	src := t.TempDir()
	writePNG(t, filepath.Join(src, "face.png"), newWhiteImage(10, 10))

	p, _ := newTestProcessor(fixedCascade(), fixedCascade())
	_, err := p.Execute(context.Background(), &Ops{Src: src, Dst: src + string(filepath.Separator)})
	assert.True(t, errors.Is(err, ErrSameFolder))
}

func TestExecute_Cancelled(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writePNG(t, filepath.Join(src, "face.png"), newWhiteImage(10, 10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, out := newTestProcessor(fixedCascade(), fixedCascade())
	_, err := p.Execute(ctx, &Ops{Src: src, Dst: dst})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, progressLines(out.String()))
}

func TestListImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.JPG", "a.png", "c.jfif", "d.bmp", "e.jpeg", "f.txt", "g.gif", ".png", ".hidden.jpg"} {
		assert.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	assert.NoError(t, os.Mkdir(filepath.Join(dir, "h.png"), 0755))

	images, err := ListImages(dir)
	assert.NoError(t, err)

	var names []string
	for _, img := range images {
		names = append(names, filepath.Base(img))
	}
	assert.Equal(t, []string{"a.png", "b.JPG", "c.jfif", "d.bmp", "e.jpeg"}, names)
}

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestExecute_Watch(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writePNG(t, filepath.Join(src, "first.png"), newWhiteImage(100, 100))

	var out syncBuffer
	p, _ := newTestProcessor(fixedCascade(testFace), fixedCascade())
	p.Out = &out

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := p.Execute(ctx, &Ops{Src: src, Dst: dst, Watch: true})
		done <- err
	}()

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Watching")
	}, 5*time.Second, 20*time.Millisecond)

	writePNG(t, filepath.Join(src, "second.png"), newWhiteImage(100, 100))

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[1] second.png -> MASK ON")
	}, 5*time.Second, 50*time.Millisecond)
	assert.FileExists(t, filepath.Join(dst, "second.png"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch mode should stop once the context is cancelled")
	}
}

func TestExecute_WatchProcessesRewrittenFileOnce(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writePNG(t, filepath.Join(src, "first.png"), newWhiteImage(100, 100))

	const scanTime = 1500 * time.Millisecond

	var slow atomic.Bool
	face := cascadeFunc(func(*image.Gray) []image.Rectangle {
		if slow.Load() {
			time.Sleep(scanTime)
		}
		return nil
	})

	var out syncBuffer
	p, _ := newTestProcessor(face, fixedCascade())
	p.Out = &out

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := p.Execute(ctx, &Ops{Src: src, Dst: dst, Watch: true})
		done <- err
	}()

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Watching")
	}, 5*time.Second, 20*time.Millisecond)
	slow.Store(true)

	// b.png settles while a.png is being scanned, then gets rewritten
	// before the scan of a.png is over.
	writePNG(t, filepath.Join(src, "a.png"), newWhiteImage(100, 100))
	time.Sleep(300 * time.Millisecond)
	writePNG(t, filepath.Join(src, "b.png"), newWhiteImage(100, 100))
	time.Sleep(800 * time.Millisecond)
	writePNG(t, filepath.Join(src, "b.png"), newWhiteImage(100, 100))

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "b.png -> NO FACE")
	}, 10*time.Second, 50*time.Millisecond)
	time.Sleep(settleDelay + scanTime)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch mode should stop once the context is cancelled")
	}

	output := out.String()
	assert.Equal(t, 1, strings.Count(output, "a.png -> NO FACE"), output)
	assert.Equal(t, 1, strings.Count(output, "b.png -> NO FACE"), output)
}

// progressLines returns the per-file lines of the output.
func progressLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "[") {
			lines = append(lines, line)
		}
	}
	return lines
}
