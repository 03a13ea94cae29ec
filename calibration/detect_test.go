package calibration

import (
	"context"
	"image"
	"sync"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.uber.org/zap/zapcore"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage/transform"
)

// fakeSource serves blank frames; missing indices fail to load and sized overrides the frame size.
type fakeSource struct {
	n       int
	missing map[int]bool
	sized   map[int]image.Point
}

func (s *fakeSource) Len() int { return s.n }

func (s *fakeSource) Image(i int) (*image.Gray, error) {
	if s.missing[i] {
		return nil, errors.Errorf("frame %d: no such file", i)
	}
	size := image.Pt(640, 480)
	if p, ok := s.sized[i]; ok {
		size = p
	}
	img := image.NewGray(image.Rectangle{Max: size})
	// tag the frame so the detector knows which one it got
	img.Pix[0] = uint8(i)
	return img, nil
}

// fakeDetector returns the corners of frame i, or fails for the frames listed in fail.
type fakeDetector struct {
	corners [][]r2.Point
	fail    map[int]error
	panics  map[int]bool
}

func (d *fakeDetector) Detect(img *image.Gray) ([]r2.Point, error) {
	i := int(img.Pix[0])
	if d.panics[i] {
		panic("index out of range")
	}
	if err, ok := d.fail[i]; ok {
		return nil, err
	}
	return d.corners[i], nil
}

type recordingPreviewer struct {
	mu           sync.Mutex
	detections   []int
	reprojection struct {
		camera      string
		index       int
		observed    []r2.Point
		reprojected []r2.Point
	}
	failDetection bool
}

func (p *recordingPreviewer) PreviewDetection(camera string, imageIndex int, img *image.Gray, corners []r2.Point) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detections = append(p.detections, imageIndex)
	if p.failDetection {
		return errors.New("disk full")
	}
	return nil
}

func (p *recordingPreviewer) PreviewReprojection(
	camera string,
	imageIndex int,
	img *image.Gray,
	model *transform.PinholeCameraModel,
	observed, reprojected []r2.Point,
) error {
	p.reprojection.camera = camera
	p.reprojection.index = imageIndex
	p.reprojection.observed = observed
	p.reprojection.reprojected = reprojected
	return nil
}

func (p *recordingPreviewer) PreviewLayout(layout *RigLayout) error {
	return nil
}

func detectionJob(t *testing.T, n int) (CameraDetection, *fakeSource, *fakeDetector) {
	t.Helper()
	target := newTarget(t)
	src := &fakeSource{n: n, missing: map[int]bool{}, sized: map[int]image.Point{}}
	det := &fakeDetector{fail: map[int]error{}}
	model := trueModel()
	cam, poses := rigScene(t)
	for i := 0; i < n; i++ {
		pose := cam[0].referenceToCamera.Compose(poses[i%len(poses)])
		det.corners = append(det.corners, Reproject(model, pose, target.ObjectPoints()))
	}
	job := CameraDetection{Camera: "bl", Source: src, Detector: det, Target: target, Width: 640, Height: 480}
	return job, src, det
}

func TestDetectCameraDetectorPanics(t *testing.T) {
	job, _, det := detectionJob(t, 6)
	det.panics = map[int]bool{1: true, 4: true}

	logger, logs := logging.NewObservedTestLogger(t)
	input, err := DetectCamera(context.Background(), job, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, input.Correspondences.ImageIndices(), test.ShouldResemble, []int{0, 2, 3, 5})
	test.That(t, input.Correspondences.Supplied(), test.ShouldEqual, 6)
	test.That(t, input.Diagnostics, test.ShouldHaveLength, 2)
	for _, d := range input.Diagnostics {
		test.That(t, d.Kind, test.ShouldEqual, KindPatternNotFound)
		test.That(t, d.String(), test.ShouldContainSubstring, "detection panicked: index out of range")
	}
	test.That(t, logs.FilterMessage("skipping image").Len(), test.ShouldEqual, 2)

	// every frame panicking must still return
	det.panics = map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true, 5: true}
	input, err = DetectCamera(context.Background(), job, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, input.Correspondences.Len(), test.ShouldEqual, 0)
	test.That(t, input.Diagnostics, test.ShouldHaveLength, 6)
}

func TestDetectCamera(t *testing.T) {
	job, src, det := detectionJob(t, 10)
	src.missing[2] = true
	src.sized[3] = image.Pt(320, 240)
	det.fail[5] = errors.New("no saddle points")
	det.fail[7] = ErrPatternNotFound
	det.corners[8] = det.corners[8][:12]
	previewer := &recordingPreviewer{failDetection: true}
	job.Previewer = previewer

	logger, logs := logging.NewObservedTestLogger(t)
	input, err := DetectCamera(context.Background(), job, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, input.Name, test.ShouldEqual, "bl")
	test.That(t, input.Width, test.ShouldEqual, 640)

	set := input.Correspondences
	test.That(t, set.ImageIndices(), test.ShouldResemble, []int{0, 1, 4, 6, 9})
	// unreadable frames are not counted as supplied
	test.That(t, set.Supplied(), test.ShouldEqual, 8)
	test.That(t, set.Rejected(), test.ShouldEqual, 3)

	kinds := map[int]ErrorKind{}
	for _, d := range input.Diagnostics {
		test.That(t, d.Camera, test.ShouldEqual, "bl")
		kinds[d.ImageIndex] = d.Kind
	}
	test.That(t, kinds, test.ShouldResemble, map[int]ErrorKind{
		2: KindImageUnreadable,
		3: KindImageUnreadable,
		5: KindPatternNotFound,
		7: KindPatternNotFound,
		8: KindPatternNotFound,
	})
	test.That(t, logs.FilterMessage("skipping image").Len(), test.ShouldEqual, 5)
	test.That(t, logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("preview failed").Len(), test.ShouldEqual, 5)
	test.That(t, logs.FilterMessage("detection done").Len(), test.ShouldEqual, 1)
	test.That(t, previewer.detections, test.ShouldResemble, []int{0, 1, 4, 6, 9})
}

func TestDetectCameraErrors(t *testing.T) {
	job, _, _ := detectionJob(t, 3)
	job.Detector = nil
	_, err := DetectCamera(context.Background(), job, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)

	job, _, _ = detectionJob(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = DetectCamera(ctx, job, logging.NewTestLogger(t))
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func TestDetectAndCalibrate(t *testing.T) {
	job, _, _ := detectionJob(t, 12)
	logger := logging.NewTestLogger(t)
	input, err := DetectCamera(context.Background(), job, logger)
	test.That(t, err, test.ShouldBeNil)

	r := newRig(t)
	layout, err := r.Calibrate(context.Background(), []CameraInput{input})
	test.That(t, err, test.ShouldBeNil)
	cam, ok := layout.Camera("bl")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, cam.Status, test.ShouldEqual, StatusOK)
	test.That(t, cam.RMS, test.ShouldBeLessThan, 1e-3)

	previewer := &recordingPreviewer{}
	test.That(t, PreviewRepresentative(job.Source, input, cam, previewer), test.ShouldBeNil)
	test.That(t, previewer.reprojection.camera, test.ShouldEqual, "bl")
	test.That(t, previewer.reprojection.index, test.ShouldEqual, 0)
	test.That(t, maxPixelDistance(previewer.reprojection.observed, previewer.reprojection.reprojected), test.ShouldBeLessThan, 1e-2)

	failed := &CameraLayout{Name: "tr"}
	test.That(t, PreviewRepresentative(job.Source, input, failed, previewer), test.ShouldNotBeNil)
}

func TestKindOf(t *testing.T) {
	test.That(t, KindOf(nil), test.ShouldEqual, KindNone)
	test.That(t, KindOf(errors.Wrap(ErrDegenerateGeometry, "x")), test.ShouldEqual, KindDegenerateGeometry)
	test.That(t, KindOf(errors.Wrap(ErrReferenceUnavailable, "x")), test.ShouldEqual, KindReferenceUnavailable)
	test.That(t, KindOf(context.DeadlineExceeded), test.ShouldEqual, KindCanceled)
	test.That(t, KindOf(errors.New("boom")), test.ShouldEqual, KindUnknown)

	d := NewDiagnostic("tl", 4, errors.Wrap(ErrPatternNotFound, "blurry"))
	test.That(t, d.String(), test.ShouldContainSubstring, `camera "tl" image 4: PatternNotFound`)
	d = NewDiagnostic("tl", -1, ErrInsufficientData)
	test.That(t, d.String(), test.ShouldNotContainSubstring, "image -1")
}
