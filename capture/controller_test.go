package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"platecam/predict"
	"platecam/session"
	"platecam/video/process"
	"platecam/video/source"
	"platecam/video/source/sourcetest"
)

const waitTimeout = 2 * time.Second

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// colorful passes the gate: every one of its 10000 pixels is saturated.
func colorful() image.Image { return solid(100, 100, color.RGBA{R: 220, G: 60, B: 40, A: 255}) }

// blank fails the gate.
func blank() image.Image { return solid(100, 100, color.RGBA{R: 90, G: 90, B: 90, A: 255}) }

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var b bytes.Buffer
	if err := png.Encode(&b, img); err != nil {
		t.Fatal(err)
	}
	return b.Bytes()
}

// hugePNG is a few dozen bytes of PNG header declaring a 50000x50000 gray
// image. Decoding it would need gigabytes.
func hugePNG() []byte {
	var ihdr [13]byte
	binary.BigEndian.PutUint32(ihdr[0:], 50000)
	binary.BigEndian.PutUint32(ihdr[4:], 50000)
	ihdr[8] = 8

	var b bytes.Buffer
	b.WriteString("\x89PNG\r\n\x1a\n")
	binary.Write(&b, binary.BigEndian, uint32(len(ihdr)))
	b.WriteString("IHDR")
	b.Write(ihdr[:])
	crc := crc32.NewIEEE()
	crc.Write([]byte("IHDR"))
	crc.Write(ihdr[:])
	binary.Write(&b, binary.BigEndian, crc.Sum32())
	return b.Bytes()
}

type fakeClient struct {
	resp *predict.Response
	err  error
	// hold, when non-nil, blocks Submit until closed.
	hold chan struct{}

	mu     sync.Mutex
	images []*process.EncodedImage
	tokens []string
}

func (f *fakeClient) Submit(ctx context.Context, img *process.EncodedImage, tokens session.TokenSource) (*predict.Response, error) {
	f.mu.Lock()
	f.images = append(f.images, img)
	if tokens != nil {
		tok, _ := tokens.Token()
		f.tokens = append(f.tokens, tok)
	}
	f.mu.Unlock()
	if f.hold != nil {
		<-f.hold
	}
	return f.resp, f.err
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.images)
}

// recorder collects emitted states.
type recorder struct {
	c chan State
}

func newRecorder() *recorder {
	return &recorder{c: make(chan State, 100)}
}

func (r *recorder) StateChanged(s State) {
	r.c <- s
}

// waitFor consumes states until one of the given kind with Acquiring and
// Decoding unset arrives.
func (r *recorder) waitFor(t *testing.T, k Kind) State {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case s := <-r.c:
			if s.Kind == k && !s.Acquiring && !s.Decoding {
				return s
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %v", k)
			return State{}
		}
	}
}

// waitNotice consumes states until one carrying a Message arrives.
func (r *recorder) waitNotice(t *testing.T) State {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case s := <-r.c:
			if s.Message != "" {
				return s
			}
		case <-timeout:
			t.Fatal("timed out waiting for a notice")
			return State{}
		}
	}
}

// drain returns every state emitted so far.
func (r *recorder) drain() []State {
	var out []State
	for {
		select {
		case s := <-r.c:
			out = append(out, s)
		default:
			return out
		}
	}
}

func cameraWith(open func(f source.Facing) (*sourcetest.Stream, error)) (*sourcetest.Opener, *source.Device) {
	o := &sourcetest.Opener{OpenFunc: open}
	return o, source.NewDevice(o, 200*time.Millisecond)
}

func streamOf(img image.Image) func(f source.Facing) (*sourcetest.Stream, error) {
	return func(f source.Facing) (*sourcetest.Stream, error) {
		return sourcetest.NewStream("", f, img), nil
	}
}

func start(t *testing.T, opts Options) (*Controller, *recorder) {
	t.Helper()
	c := New(opts)
	t.Cleanup(c.Close)
	rec := newRecorder()
	c.AddListener(rec)
	return c, rec
}

func TestScenarioAcceptedPrediction(t *testing.T) {
	opener, dev := cameraWith(streamOf(colorful()))
	client := &fakeClient{resp: &predict.Response{Label: "Samosa", Category: "Snack"}}
	c, rec := start(t, Options{Camera: dev, Client: client, Tokens: session.Static("tok")})

	if st := c.State(); st.Kind != Idle {
		t.Fatalf("initial state %v, want idle", st.Kind)
	}
	if err := c.Arm(); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	armed := rec.waitFor(t, CameraArmed)
	if armed.Facing != source.Rear {
		t.Errorf("got facing %v, want rear", armed.Facing)
	}

	st, err := c.RequestCapture()
	if err != nil {
		t.Fatalf("RequestCapture: %v", err)
	}
	if st.Kind != Submitting || st.Image == nil {
		t.Fatalf("got %v, want submitting with image", st.Kind)
	}

	captured := rec.waitFor(t, Captured)
	if captured.Image == nil || captured.Image.Origin != process.FromCamera {
		t.Errorf("captured state should hold the camera image")
	}
	rec.waitFor(t, Submitting)
	res := rec.waitFor(t, Result)
	if res.Outcome == nil || res.Outcome.Kind != Accepted {
		t.Fatalf("got outcome %+v, want accepted", res.Outcome)
	}
	if res.Outcome.Label != "Samosa" || res.Outcome.Category != "Snack" {
		t.Errorf("got %q/%q, want Samosa/Snack", res.Outcome.Label, res.Outcome.Category)
	}
	if client.calls() != 1 || client.tokens[0] != "tok" {
		t.Errorf("got %d calls with tokens %v", client.calls(), client.tokens)
	}
	// The stream stays live until retake or teardown.
	if opener.Live() != 1 {
		t.Errorf("got %d live streams, want 1", opener.Live())
	}
}

func TestScenarioFrontFallback(t *testing.T) {
	opener, dev := cameraWith(func(f source.Facing) (*sourcetest.Stream, error) {
		if f == source.Rear {
			return nil, source.ErrNoDevice
		}
		return sourcetest.NewStream("", f, colorful()), nil
	})
	c, rec := start(t, Options{Camera: dev, Client: &fakeClient{}})

	c.Arm()
	armed := rec.waitFor(t, CameraArmed)
	if armed.Facing != source.Front {
		t.Errorf("got facing %v, want front", armed.Facing)
	}
	if calls := opener.Calls(); len(calls) != 2 || calls[0] != source.Rear {
		t.Errorf("got open calls %v, want rear then front", calls)
	}
}

func TestScenarioNoCameraUploadStillWorks(t *testing.T) {
	_, dev := cameraWith(func(f source.Facing) (*sourcetest.Stream, error) {
		return nil, source.ErrNoDevice
	})
	client := &fakeClient{resp: &predict.Response{Label: "pizza"}}
	c, rec := start(t, Options{Camera: dev, Client: client})

	c.Arm()
	st := rec.waitFor(t, CameraUnavailable)
	if st.Reason != MsgCameraUnavailable {
		t.Errorf("got reason %q", st.Reason)
	}
	var cerr *source.CameraError
	if !errors.As(st.Err, &cerr) || cerr.Kind != source.NoCameraAvailable {
		t.Errorf("got err %v, want NoCameraAvailable", st.Err)
	}

	if _, err := c.RequestCapture(); !errors.Is(err, ErrNotArmed) {
		t.Errorf("RequestCapture: got %v, want ErrNotArmed", err)
	}

	st, err := c.SubmitFile(pngBytes(t, colorful()))
	if err != nil {
		t.Fatalf("SubmitFile: %v", err)
	}
	if st.Kind != CameraUnavailable || !st.Decoding || !st.Busy() {
		t.Fatalf("got %v decoding=%v, want the upload decoding", st.Kind, st.Decoding)
	}
	captured := rec.waitFor(t, Captured)
	if captured.Image.Origin != process.FromFile || captured.Image.ContentType != process.ContentTypeJPEG {
		t.Errorf("unexpected image %+v", captured.Image)
	}
	res := rec.waitFor(t, Result)
	if res.Outcome.Label != "pizza" || res.Outcome.Category != "" {
		t.Errorf("got outcome %+v", res.Outcome)
	}
}

func TestScenarioBlankFrameRejected(t *testing.T) {
	opener, dev := cameraWith(streamOf(blank()))
	client := &fakeClient{resp: &predict.Response{Label: "x"}}
	c, rec := start(t, Options{Camera: dev, Client: client})

	c.Arm()
	rec.waitFor(t, CameraArmed)

	st, err := c.RequestCapture()
	if err != nil {
		t.Fatalf("RequestCapture: %v", err)
	}
	if st.Kind != CameraArmed {
		t.Errorf("got %v, want camera_armed", st.Kind)
	}
	if st.Message != MsgNoObjectCamera || !errors.Is(st.Err, process.ErrNoObject) {
		t.Errorf("got message %q err %v", st.Message, st.Err)
	}
	if client.calls() != 0 {
		t.Errorf("no request should be made, got %d", client.calls())
	}
	if opener.Live() != 1 || opener.Streams()[0].Closed() {
		t.Error("camera should stay live after a rejected capture")
	}
	// Still capturable.
	if !c.State().CanCapture() {
		t.Error("controller should accept another capture")
	}
}

func TestScenarioServerErrorThenRetake(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer server.Close()
	client, err := predict.NewClient(predict.Options{Endpoint: server.URL})
	if err != nil {
		t.Fatal(err)
	}

	opener, dev := cameraWith(streamOf(colorful()))
	c, rec := start(t, Options{Camera: dev, Client: client})

	c.Arm()
	rec.waitFor(t, CameraArmed)
	if _, err := c.RequestCapture(); err != nil {
		t.Fatalf("RequestCapture: %v", err)
	}
	res := rec.waitFor(t, Result)
	if res.Outcome.Kind != Failed {
		t.Fatalf("got outcome %v, want failed", res.Outcome.Kind)
	}
	var terr *predict.TransportError
	if !errors.As(res.Outcome.Err, &terr) || terr.Kind != predict.HTTPStatus || terr.StatusCode != 500 {
		t.Errorf("got err %v, want HTTP 500", res.Outcome.Err)
	}
	if res.Outcome.Reason != "server returned HTTP 500" {
		t.Errorf("got reason %q", res.Outcome.Reason)
	}

	st, err := c.RequestRetake()
	if err != nil {
		t.Fatalf("RequestRetake: %v", err)
	}
	if !st.Acquiring || st.Image != nil {
		t.Errorf("retake should drop the image and start acquiring, got %+v", st)
	}
	rec.waitFor(t, CameraArmed)

	streams := opener.Streams()
	if len(streams) != 2 {
		t.Fatalf("got %d streams, want a fresh second stream", len(streams))
	}
	if !streams[0].Closed() || streams[1].Closed() {
		t.Error("first stream should be released, second live")
	}
	if opener.MaxLive() != 1 {
		t.Errorf("saw %d simultaneous streams", opener.MaxLive())
	}
}

func TestBusyWhileSubmitting(t *testing.T) {
	_, dev := cameraWith(streamOf(colorful()))
	client := &fakeClient{resp: &predict.Response{Label: "idli"}, hold: make(chan struct{})}
	c, rec := start(t, Options{Camera: dev, Client: client})

	c.Arm()
	rec.waitFor(t, CameraArmed)
	if _, err := c.RequestCapture(); err != nil {
		t.Fatalf("RequestCapture: %v", err)
	}

	if _, err := c.RequestCapture(); !errors.Is(err, ErrBusy) {
		t.Errorf("capture while submitting: got %v, want ErrBusy", err)
	}
	if _, err := c.SubmitFile(pngBytes(t, colorful())); !errors.Is(err, ErrBusy) {
		t.Errorf("upload while submitting: got %v, want ErrBusy", err)
	}
	if _, err := c.RequestRetake(); !errors.Is(err, ErrBusy) {
		t.Errorf("retake while submitting: got %v, want ErrBusy", err)
	}

	close(client.hold)
	rec.waitFor(t, Result)
	if client.calls() != 1 {
		t.Errorf("got %d submissions, want 1", client.calls())
	}
}

func TestUploadRejectionKeepsState(t *testing.T) {
	opener, dev := cameraWith(streamOf(colorful()))
	client := &fakeClient{}
	c, rec := start(t, Options{Camera: dev, Client: client})

	c.Arm()
	before := rec.waitFor(t, CameraArmed)

	tests := []struct {
		name string
		data []byte
		msg  string
		err  error
	}{
		{"blank image", pngBytes(t, blank()), MsgNoObjectFile, process.ErrNoObject},
		{"garbage", []byte("not an image"), MsgUnreadableFile, process.ErrDecodeFailed},
		{"oversized", hugePNG(), MsgFileTooLarge, process.ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.SubmitFile(tt.data); err != nil {
				t.Fatalf("SubmitFile: %v", err)
			}
			st := rec.waitNotice(t)
			if st.Kind != CameraArmed || st.Facing != before.Facing || st.Decoding {
				t.Errorf("state changed to %v decoding=%v", st.Kind, st.Decoding)
			}
			if st.Message != tt.msg || !errors.Is(st.Err, tt.err) {
				t.Errorf("got message %q err %v", st.Message, st.Err)
			}
			if !st.CanCapture() {
				t.Error("camera should be usable again after a rejected upload")
			}
		})
	}
	if client.calls() != 0 {
		t.Errorf("got %d submissions, want 0", client.calls())
	}
	if opener.Live() != 1 {
		t.Error("upload rejection should not touch the stream")
	}
}

func TestUploadDecodesOffLoop(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	gate := func(b *process.PixelBuffer) bool {
		entered <- struct{}{}
		<-release
		return process.HasObject(b)
	}
	_, dev := cameraWith(streamOf(colorful()))
	client := &fakeClient{resp: &predict.Response{Label: "dosa"}}
	c, rec := start(t, Options{Camera: dev, Client: client, Gate: gate})
	c.Arm()
	rec.waitFor(t, CameraArmed)

	st, err := c.SubmitFile(pngBytes(t, colorful()))
	if err != nil {
		t.Fatalf("SubmitFile: %v", err)
	}
	if !st.Decoding || !st.Busy() || st.CanUpload() {
		t.Errorf("got %+v, want decoding and busy", st)
	}
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		close(release)
		t.Fatal("upload never reached the gate")
	}

	// The gate is blocked; the controller must still answer.
	got := make(chan State, 1)
	go func() { got <- c.State() }()
	select {
	case st := <-got:
		if !st.Decoding || st.Kind != CameraArmed {
			t.Errorf("got %v decoding=%v", st.Kind, st.Decoding)
		}
	case <-time.After(time.Second):
		t.Error("State blocked while an upload was decoding")
	}
	if _, err := c.SubmitFile(pngBytes(t, colorful())); !errors.Is(err, ErrBusy) {
		t.Errorf("second upload: got %v, want ErrBusy", err)
	}
	if _, err := c.RequestCapture(); !errors.Is(err, ErrBusy) {
		t.Errorf("capture while decoding: got %v, want ErrBusy", err)
	}
	if err := c.Arm(); !errors.Is(err, ErrBusy) {
		t.Errorf("arm while decoding: got %v, want ErrBusy", err)
	}

	close(release)
	res := rec.waitFor(t, Result)
	if res.Outcome.Label != "dosa" || res.Image.Origin != process.FromFile {
		t.Errorf("got %+v", res)
	}
	if client.calls() != 1 {
		t.Errorf("got %d submissions, want 1", client.calls())
	}
}

func TestCloseWhileDecoding(t *testing.T) {
	release := make(chan struct{})
	gate := func(b *process.PixelBuffer) bool {
		<-release
		return true
	}
	client := &fakeClient{resp: &predict.Response{Label: "vada"}}
	c := New(Options{Client: client, Gate: gate})
	rec := newRecorder()
	c.AddListener(rec)

	if _, err := c.SubmitFile(pngBytes(t, colorful())); err != nil {
		t.Fatalf("SubmitFile: %v", err)
	}
	c.Close()
	rec.waitFor(t, Released)

	close(release)
	time.Sleep(50 * time.Millisecond)
	for _, s := range rec.drain() {
		t.Errorf("unexpected state after teardown: %v", s.Kind)
	}
	if client.calls() != 0 {
		t.Errorf("got %d submissions after close", client.calls())
	}
}

func TestCaptureNotReady(t *testing.T) {
	var stream *sourcetest.Stream
	_, dev := cameraWith(func(f source.Facing) (*sourcetest.Stream, error) {
		stream = sourcetest.NewStream("", f, colorful())
		return stream, nil
	})
	c, rec := start(t, Options{Camera: dev, Client: &fakeClient{}})

	c.Arm()
	rec.waitFor(t, CameraArmed)
	stream.SetFrame(nil)

	st, err := c.RequestCapture()
	if err != nil {
		t.Fatalf("RequestCapture: %v", err)
	}
	if st.Kind != CameraArmed || st.Message != MsgCameraNotReady || !errors.Is(st.Err, process.ErrNotReady) {
		t.Errorf("got %v %q %v", st.Kind, st.Message, st.Err)
	}
}

func TestRetakeRequiresImage(t *testing.T) {
	_, dev := cameraWith(streamOf(colorful()))
	c, rec := start(t, Options{Camera: dev, Client: &fakeClient{}})

	if _, err := c.RequestRetake(); !errors.Is(err, ErrNothingToRetake) {
		t.Errorf("retake from idle: got %v", err)
	}
	c.Arm()
	rec.waitFor(t, CameraArmed)
	if _, err := c.RequestRetake(); !errors.Is(err, ErrNothingToRetake) {
		t.Errorf("retake while armed: got %v", err)
	}
}

func TestUploadFromResultThenRetake(t *testing.T) {
	opener, dev := cameraWith(streamOf(colorful()))
	client := &fakeClient{resp: &predict.Response{Label: "jalebi", Category: "Dessert"}}
	c, rec := start(t, Options{Camera: dev, Client: client})

	c.Arm()
	rec.waitFor(t, CameraArmed)
	c.RequestCapture()
	rec.waitFor(t, Result)

	// Upload is allowed from any non-busy state.
	if _, err := c.SubmitFile(pngBytes(t, colorful())); err != nil {
		t.Fatalf("SubmitFile: %v", err)
	}
	res := rec.waitFor(t, Result)
	if res.Image.Origin != process.FromFile {
		t.Errorf("second result should hold the uploaded image")
	}

	c.RequestRetake()
	rec.waitFor(t, CameraArmed)
	if opener.MaxLive() != 1 {
		t.Errorf("saw %d simultaneous streams", opener.MaxLive())
	}
}

func TestCloseDropsInFlightResponse(t *testing.T) {
	opener, dev := cameraWith(streamOf(colorful()))
	client := &fakeClient{resp: &predict.Response{Label: "chai"}, hold: make(chan struct{})}
	c := New(Options{Camera: dev, Client: client})
	rec := newRecorder()
	c.AddListener(rec)

	c.Arm()
	rec.waitFor(t, CameraArmed)
	c.RequestCapture()
	rec.waitFor(t, Submitting)

	c.Close()
	rec.waitFor(t, Released)
	if opener.Live() != 0 {
		t.Errorf("got %d live streams after close", opener.Live())
	}

	close(client.hold)
	time.Sleep(50 * time.Millisecond)
	for _, s := range rec.drain() {
		t.Errorf("unexpected state after teardown: %v", s.Kind)
	}

	if _, err := c.RequestCapture(); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
	if st := c.State(); st.Kind != Released {
		t.Errorf("got %v, want released", st.Kind)
	}
	c.Close()
}

func TestArm(t *testing.T) {
	t.Run("without camera", func(t *testing.T) {
		c, rec := start(t, Options{Client: &fakeClient{}})
		c.Arm()
		st := rec.waitFor(t, CameraUnavailable)
		if st.Reason != MsgNoCamera {
			t.Errorf("got reason %q", st.Reason)
		}
	})

	t.Run("denied", func(t *testing.T) {
		_, dev := cameraWith(func(f source.Facing) (*sourcetest.Stream, error) {
			return nil, source.ErrDenied
		})
		c, rec := start(t, Options{Camera: dev, Client: &fakeClient{}})
		c.Arm()
		st := rec.waitFor(t, CameraUnavailable)
		if st.Reason != MsgCameraDenied {
			t.Errorf("got reason %q", st.Reason)
		}
	})

	t.Run("retry after unavailable", func(t *testing.T) {
		fail := true
		var mu sync.Mutex
		_, dev := cameraWith(func(f source.Facing) (*sourcetest.Stream, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return nil, source.ErrNoDevice
			}
			return sourcetest.NewStream("", f, colorful()), nil
		})
		c, rec := start(t, Options{Camera: dev, Client: &fakeClient{}})
		c.Arm()
		rec.waitFor(t, CameraUnavailable)

		mu.Lock()
		fail = false
		mu.Unlock()
		if err := c.Arm(); err != nil {
			t.Fatalf("Arm: %v", err)
		}
		rec.waitFor(t, CameraArmed)
		if err := c.Arm(); err != nil {
			t.Errorf("Arm while armed should be a no-op, got %v", err)
		}
	})
}

func TestSeqIncreases(t *testing.T) {
	_, dev := cameraWith(streamOf(colorful()))
	c, rec := start(t, Options{Camera: dev, Client: &fakeClient{resp: &predict.Response{Label: "a"}}})
	c.Arm()
	rec.waitFor(t, CameraArmed)
	c.RequestCapture()
	rec.waitFor(t, Result)
	c.RequestRetake()
	rec.waitFor(t, CameraArmed)

	// idle(acquiring), armed, captured, submitting, result, idle(acquiring), armed
	if st := c.State(); st.Seq != 7 {
		t.Errorf("got seq %d, want 7", st.Seq)
	}
}
