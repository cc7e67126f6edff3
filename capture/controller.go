// Package capture implements the capture, validate and submit state machine.
//
// A single goroutine owns the State. The public methods send it commands and
// wait for the reply; camera acquisition, upload decoding and image submission
// run on worker goroutines and report back to it. Only that goroutine mutates state, so
// transitions are applied one at a time, in order.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"platecam/predict"
	"platecam/session"
	"platecam/video/process"
	"platecam/video/source"
)

// User-facing messages.
const (
	MsgCameraNotReady    = "Camera not ready yet. Please try again."
	MsgNoObjectCamera    = "No object detected! Try again."
	MsgNoObjectFile      = "No object detected! Try another image."
	MsgUnreadableFile    = "Could not read the image file."
	MsgFileTooLarge      = "Image is too large. Try a smaller one."
	MsgEncodeFailed      = "Could not process the captured image."
	MsgUploadFailed      = "Upload failed. Try again."
	MsgCameraUnavailable = "Camera access denied or no camera available. Please check permissions."
	MsgCameraDenied      = "Camera access was denied. Please check permissions."
	MsgNoCamera          = "No camera configured."
)

// Camera is the device the controller arms. *source.Device implements it.
type Camera interface {
	Acquire(ctx context.Context) (source.Stream, error)
	Current() source.Stream
	Release()
	Close()
}

// Submitter sends an accepted image for classification. *predict.Client
// implements it.
type Submitter interface {
	Submit(ctx context.Context, img *process.EncodedImage, tokens session.TokenSource) (*predict.Response, error)
}

type Options struct {
	// Camera may be nil, in which case only file uploads are possible.
	Camera Camera
	Client Submitter
	// Tokens supplies the bearer token per submission. Nil means anonymous.
	Tokens session.TokenSource

	JPEGQuality int
	// Gate decides whether a sampled frame is worth submitting. Defaults to
	// process.HasObject.
	Gate func(*process.PixelBuffer) bool
}

type op int

const (
	opState op = iota
	opArm
	opCapture
	opRetake
	opUpload
	opListen
	opClose
)

type command struct {
	op       op
	data     []byte
	listener Listener
	reply    chan reply
}

type reply struct {
	state State
	err   error
}

type acquireResult struct {
	stream source.Stream
	err    error
}

type decodeResult struct {
	img *process.EncodedImage
	// msg and err are set when the upload was rejected.
	msg string
	err error
}

type submitResult struct {
	id      string
	resp    *predict.Response
	err     error
	elapsed time.Duration
}

type Controller struct {
	opts Options

	cmds      chan command
	acquired  chan acquireResult
	decoded   chan decodeResult
	submitted chan submitResult
	done      chan struct{}

	// Cancels an in-flight acquisition on Close.
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the loop goroutine.
	state     State
	listeners []Listener
}

// New starts a controller in Idle. Call Arm to open the camera.
func New(opts Options) *Controller {
	if opts.Gate == nil {
		opts.Gate = process.HasObject
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts: opts,

		cmds: make(chan command),
		// At most one of each worker is in flight, so a single slot lets
		// workers finish even after the loop has exited.
		acquired:  make(chan acquireResult, 1),
		decoded:   make(chan decodeResult, 1),
		submitted: make(chan submitResult, 1),
		done:      make(chan struct{}),

		ctx:    ctx,
		cancel: cancel,

		state: State{Kind: Idle},
	}
	go c.loop()
	return c
}

func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case cmd := <-c.cmds:
			st, err := c.handle(cmd)
			cmd.reply <- reply{state: st, err: err}
			if cmd.op == opClose {
				return
			}
		case r := <-c.acquired:
			c.finishAcquire(r)
		case r := <-c.decoded:
			c.finishDecode(r)
		case r := <-c.submitted:
			c.finishSubmit(r)
		}
	}
}

func (c *Controller) send(cmd command) (State, error) {
	cmd.reply = make(chan reply, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return State{Kind: Released}, ErrClosed
	}
	r := <-cmd.reply
	return r.state, r.err
}

// State returns the current state.
func (c *Controller) State() State {
	st, _ := c.send(command{op: opState})
	return st
}

// AddListener registers l for every subsequent transition.
func (c *Controller) AddListener(l Listener) {
	c.send(command{op: opListen, listener: l})
}

// Arm opens the camera from Idle or CameraUnavailable. It returns once the
// acquisition has started; the outcome arrives as a transition.
func (c *Controller) Arm() error {
	_, err := c.send(command{op: opArm})
	return err
}

// RequestCapture samples the live frame, gates it and, when accepted,
// submits it. A rejected frame leaves the controller armed and is reported in
// the returned state's Message.
func (c *Controller) RequestCapture() (State, error) {
	return c.send(command{op: opCapture})
}

// RequestRetake drops the held image and re-opens the camera.
func (c *Controller) RequestRetake() (State, error) {
	return c.send(command{op: opRetake})
}

// SubmitFile decodes and gates an uploaded still image and, when accepted,
// submits it. It returns once decoding has started, with Decoding set; a
// rejection arrives as a transition carrying Message. The camera is not
// involved.
func (c *Controller) SubmitFile(data []byte) (State, error) {
	return c.send(command{op: opUpload, data: data})
}

// Close releases the camera. A submission still in flight completes in the
// background and its response is dropped.
func (c *Controller) Close() {
	c.send(command{op: opClose})
}

func (c *Controller) handle(cmd command) (State, error) {
	switch cmd.op {
	case opState:
	case opListen:
		c.listeners = append(c.listeners, cmd.listener)
	case opArm:
		return c.state, c.arm()
	case opCapture:
		return c.state, c.capture()
	case opRetake:
		return c.state, c.retake()
	case opUpload:
		return c.state, c.upload(cmd.data)
	case opClose:
		c.teardown()
	}
	return c.state, nil
}

func (c *Controller) arm() error {
	if c.state.Busy() {
		return ErrBusy
	}
	switch c.state.Kind {
	case CameraArmed:
		return nil
	case Idle, CameraUnavailable:
		c.startAcquire()
		return nil
	}
	return ErrInUse
}

func (c *Controller) retake() error {
	if c.state.Busy() {
		return ErrBusy
	}
	if c.state.Kind != Captured && c.state.Kind != Result {
		return ErrNothingToRetake
	}
	log.WithField("capture", c.state.ImageID()).Infof("Retake requested, discarding image")
	c.state = State{Kind: Idle, Seq: c.state.Seq}
	c.startAcquire()
	return nil
}

func (c *Controller) startAcquire() {
	if c.opts.Camera == nil {
		c.transition(State{Kind: CameraUnavailable, Reason: MsgNoCamera})
		return
	}
	next := c.state
	next.Acquiring = true
	next.Message, next.Err = "", nil
	c.transition(next)

	cam := c.opts.Camera
	ctx := c.ctx
	go func() {
		// Acquire releases the previous stream before opening a new one.
		s, err := cam.Acquire(ctx)
		c.acquired <- acquireResult{stream: s, err: err}
	}()
}

func (c *Controller) finishAcquire(r acquireResult) {
	if r.err != nil {
		log.Warnf("Camera session unavailable: %v", r.err)
		reason := MsgCameraUnavailable
		var cerr *source.CameraError
		if errors.As(r.err, &cerr) && cerr.Kind == source.Denied {
			reason = MsgCameraDenied
		}
		c.transition(State{Kind: CameraUnavailable, Reason: reason, Err: r.err})
		return
	}
	c.transition(State{Kind: CameraArmed, Facing: r.stream.Facing()})
}

func (c *Controller) capture() error {
	if c.state.Busy() {
		return ErrBusy
	}
	if c.state.Kind != CameraArmed || c.opts.Camera == nil {
		return ErrNotArmed
	}

	buf, err := process.SampleStream(c.opts.Camera.Current())
	if err != nil {
		captures.WithLabelValues(string(process.FromCamera), "not_ready").Inc()
		c.notice(MsgCameraNotReady, err)
		return nil
	}
	if !c.opts.Gate(buf) {
		captures.WithLabelValues(string(process.FromCamera), "no_object").Inc()
		c.notice(MsgNoObjectCamera, process.ErrNoObject)
		return nil
	}
	img, err := process.EncodeJPEG(buf, c.opts.JPEGQuality, process.FromCamera)
	if err != nil {
		log.Errorf("Failed to encode captured frame: %v", err)
		c.notice(MsgEncodeFailed, err)
		return nil
	}
	captures.WithLabelValues(string(process.FromCamera), "accepted").Inc()
	c.submit(img)
	return nil
}

func (c *Controller) upload(data []byte) error {
	if c.state.Busy() {
		return ErrBusy
	}
	next := c.state
	next.Decoding = true
	next.Message, next.Err = "", nil
	c.transition(next)

	gate, quality := c.opts.Gate, c.opts.JPEGQuality
	go func() {
		c.decoded <- decodeFile(data, gate, quality)
	}()
	return nil
}

// decodeFile samples, gates and encodes an upload off the loop goroutine.
func decodeFile(data []byte, gate func(*process.PixelBuffer) bool, quality int) decodeResult {
	buf, format, err := process.SampleFile(data)
	if err != nil {
		log.Infof("Rejected upload: %v", err)
		if errors.Is(err, process.ErrTooLarge) {
			captures.WithLabelValues(string(process.FromFile), "too_large").Inc()
			return decodeResult{msg: MsgFileTooLarge, err: err}
		}
		captures.WithLabelValues(string(process.FromFile), "decode_failed").Inc()
		return decodeResult{msg: MsgUnreadableFile, err: err}
	}
	if !gate(buf) {
		captures.WithLabelValues(string(process.FromFile), "no_object").Inc()
		return decodeResult{msg: MsgNoObjectFile, err: process.ErrNoObject}
	}

	if format == "jpeg" {
		captures.WithLabelValues(string(process.FromFile), "accepted").Inc()
		return decodeResult{img: process.WrapJPEG(data, process.FromFile)}
	}
	img, err := process.EncodeJPEG(buf, quality, process.FromFile)
	if err != nil {
		log.Errorf("Failed to re-encode %s upload: %v", format, err)
		return decodeResult{msg: MsgEncodeFailed, err: err}
	}
	captures.WithLabelValues(string(process.FromFile), "accepted").Inc()
	return decodeResult{img: img}
}

func (c *Controller) finishDecode(r decodeResult) {
	if !c.state.Decoding {
		log.Warnf("Dropping stale upload result")
		return
	}
	c.state.Decoding = false
	if r.img == nil {
		c.notice(r.msg, r.err)
		return
	}
	c.submit(r.img)
}

// notice reports a rejected action without changing Kind.
func (c *Controller) notice(msg string, err error) {
	next := c.state
	next.Message, next.Err = msg, err
	c.transition(next)
}

// submit enters Captured and, immediately, Submitting.
func (c *Controller) submit(img *process.EncodedImage) {
	facing := c.state.Facing
	c.transition(State{Kind: Captured, Image: img, Facing: facing})
	c.transition(State{Kind: Submitting, Image: img, Facing: facing})

	client, tokens := c.opts.Client, c.opts.Tokens
	go func() {
		start := time.Now()
		var resp *predict.Response
		var err error
		if client == nil {
			err = errors.New("no prediction client configured")
		} else {
			// No cancellation: teardown drops the response instead.
			resp, err = client.Submit(context.Background(), img, tokens)
		}
		c.submitted <- submitResult{id: img.ID, resp: resp, err: err, elapsed: time.Since(start)}
	}()
}

func (c *Controller) finishSubmit(r submitResult) {
	if c.state.Kind != Submitting || c.state.ImageID() != r.id {
		log.WithField("capture", r.id).Warnf("Dropping stale prediction response")
		return
	}
	submitLatency.Observe(r.elapsed.Seconds())

	clog := log.WithFields(log.Fields{"capture": r.id, "elapsed": r.elapsed})
	next := State{Kind: Result, Image: c.state.Image, Facing: c.state.Facing}
	if r.err != nil {
		submissions.WithLabelValues(Failed.String()).Inc()
		clog.Warnf("Prediction failed: %v", r.err)
		next.Outcome = &Outcome{Kind: Failed, Reason: failureReason(r.err), Err: r.err}
		next.Message, next.Err = MsgUploadFailed, r.err
	} else {
		submissions.WithLabelValues(Accepted.String()).Inc()
		clog.Infof("Prediction: %q (category %q)", r.resp.Label, r.resp.Category)
		next.Outcome = &Outcome{
			Kind:       Accepted,
			Label:      r.resp.Label,
			Category:   r.resp.Category,
			Confidence: r.resp.Confidence,
		}
	}
	c.transition(next)
}

func failureReason(err error) string {
	var terr *predict.TransportError
	if !errors.As(err, &terr) {
		return err.Error()
	}
	switch terr.Kind {
	case predict.HTTPStatus:
		return fmt.Sprintf("server returned HTTP %d", terr.StatusCode)
	case predict.MalformedResponse:
		return "unexpected response from server"
	}
	return "network error"
}

func (c *Controller) teardown() {
	c.cancel()
	if c.opts.Camera != nil {
		c.opts.Camera.Close()
	}
	if c.state.Kind == Submitting {
		log.WithField("capture", c.state.ImageID()).Infof("Closing with submission in flight; response will be dropped")
	}
	c.transition(State{Kind: Released})
}

func (c *Controller) transition(next State) {
	prev := c.state.Kind
	next.Seq = c.state.Seq + 1
	c.state = next

	if prev != next.Kind {
		log.WithFields(log.Fields{"from": prev, "to": next.Kind, "capture": next.ImageID()}).Infof("Capture state changed")
	} else if next.Message != "" {
		log.WithField("state", next.Kind).Infof("Capture notice: %s", next.Message)
	}
	for _, l := range c.listeners {
		l.StateChanged(next)
	}
}
