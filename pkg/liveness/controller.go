// Package liveness implements the liveness session controller.
//
// A Controller drives one session at a time through
// Idle → AwaitingStart → Detecting → Capturing → Verifying → Succeeded|Failed.
// Camera, detector, verifier and focus monitor are injected. Every phase
// owns one scheduler task, and every asynchronous completion carries the
// attempt generation it was started for, so late results of a stopped or
// restarted session are dropped instead of mutating the new one.
package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrCodeEU/livecheck/pkg/camera"
	"github.com/MrCodeEU/livecheck/pkg/config"
	"github.com/MrCodeEU/livecheck/pkg/detector"
	"github.com/MrCodeEU/livecheck/pkg/geometry"
	"github.com/MrCodeEU/livecheck/pkg/logging"
	"github.com/MrCodeEU/livecheck/pkg/scheduler"
	"github.com/MrCodeEU/livecheck/pkg/verifier"
)

// Options configure a Controller.
type Options struct {
	Mode              Mode
	DetectionInterval time.Duration
	CaptureCountdown  int // steps
	CountdownStep     time.Duration
	SessionTimeout    time.Duration
	ShowStartButton   bool
	AnomalyDetection  bool
	FaceIndicator     bool
	MaxInstructions   int
	Instructions      []string
	Messages          map[string]string

	Facing           camera.Facing
	Resolution       camera.Resolution
	SnapshotSize     int
	MaxPictureWidth  int
	MaxPictureHeight int

	Geometry geometry.Config
	Debug    bool
}

// OptionsFromConfig builds controller options from the loaded config.
func OptionsFromConfig(cfg *config.Config) Options {
	s := cfg.Session
	return Options{
		Mode:              Mode(cfg.Mode),
		DetectionInterval: s.DetectionInterval(),
		CaptureCountdown:  s.CaptureCountdown,
		CountdownStep:     s.CountdownStep(),
		SessionTimeout:    s.SessionTimeout(),
		ShowStartButton:   s.ShowStartButton,
		AnomalyDetection:  s.AnomalyDetection,
		FaceIndicator:     s.FaceIndicator,
		MaxInstructions:   s.MaxInstructions,
		Instructions:      append([]string(nil), s.Instructions...),
		Messages:          s.Messages,
		Facing:            camera.Facing(cfg.Camera.FacingMode),
		Resolution:        camera.Resolution{Width: cfg.Camera.Width, Height: cfg.Camera.Height},
		SnapshotSize:      cfg.Camera.SnapshotSize,
		MaxPictureWidth:   cfg.Camera.MaxPictureWidth,
		MaxPictureHeight:  cfg.Camera.MaxPictureHeight,
		Geometry:          geometry.FromConfig(cfg.Geometry),
		Debug:             cfg.Verifier.Debug,
	}
}

func (o *Options) setDefaults() {
	if o.Mode == "" {
		o.Mode = ModeMask
	}
	if o.DetectionInterval <= 0 {
		o.DetectionInterval = 100 * time.Millisecond
	}
	if o.CaptureCountdown <= 0 {
		o.CaptureCountdown = 2
	}
	if o.CountdownStep <= 0 {
		o.CountdownStep = time.Second
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 30 * time.Second
	}
	if o.MaxInstructions <= 0 {
		o.MaxInstructions = 5
	}
	if len(o.Instructions) == 0 {
		o.Instructions = []string{InstructionFrontal, InstructionLeftProfile, InstructionRightProfile}
	}
	if o.SnapshotSize <= 0 {
		o.SnapshotSize = 320
	}
	if o.Geometry == (geometry.Config{}) {
		o.Geometry = geometry.DefaultConfig()
	}
	if o.Facing == "" {
		o.Facing = camera.FacingUser
	}
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Camera    camera.Camera
	Detector  detector.Detector // unused in classic mode
	Verifier  verifier.Verifier
	Focus     FocusMonitor // required when anomaly detection is enabled
	Scheduler *scheduler.Scheduler
	Rand      *rand.Rand
}

// Controller runs liveness sessions.
type Controller struct {
	opts     Options
	deps     Deps
	msgs     messages
	log      *logging.Entry
	dispatch *dispatcher

	mu      sync.Mutex
	closed  bool
	gen     uint64
	session Session
	snap    Snapshot
	ctx     context.Context
	cancel  context.CancelFunc

	detectTask    *scheduler.Task
	countdownTask *scheduler.Task
	timeoutTask   *scheduler.Task
	countdownGen  uint64
	countdownLeft int
	lastClass     geometry.Classification
	capturing     bool
	cameraOn      bool
	unsubCamera   func()
	unsubFocus    func()

	instruction      string
	instructionsLeft int

	lmu            sync.Mutex
	snapListeners  map[int]func(Snapshot)
	eventListeners map[int]func(Event)
	nextListener   int
}

// New creates a controller in the Idle state.
func New(opts Options, deps Deps) (*Controller, error) {
	opts.setDefaults()

	switch opts.Mode {
	case ModeMask, ModePassive, ModeClassic:
	default:
		return nil, fmt.Errorf("unknown liveness mode: %s", opts.Mode)
	}
	if deps.Camera == nil {
		return nil, errors.New("liveness: camera is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("liveness: verifier is required")
	}
	if deps.Detector == nil && opts.Mode != ModeClassic {
		return nil, errors.New("liveness: detector is required for mode " + string(opts.Mode))
	}
	if opts.AnomalyDetection && deps.Focus == nil {
		return nil, errors.New("liveness: anomaly detection needs a focus monitor")
	}
	if opts.Mode == ModeClassic && len(opts.Instructions) < 2 {
		return nil, errors.New("liveness: classic mode needs at least two instructions")
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.New()
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	c := &Controller{
		opts:           opts,
		deps:           deps,
		msgs:           newMessages(opts.Messages),
		log:            logging.Component("liveness").WithField("mode", opts.Mode),
		dispatch:       newDispatcher(),
		snapListeners:  make(map[int]func(Snapshot)),
		eventListeners: make(map[int]func(Event)),
	}
	c.session.State = StateIdle
	c.snap = c.idleSnapshot()
	return c, nil
}

func (c *Controller) idleSnapshot() Snapshot {
	s := Snapshot{
		State:              StateIdle,
		Mode:               c.opts.Mode,
		CaptionStyle:       CaptionNormal,
		MaskMode:           MaskHidden,
		Animation:          AnimationNone,
		StartButtonVisible: c.opts.ShowStartButton,
	}
	if c.opts.ShowStartButton {
		s.Caption = c.msgs.get(msgStartSession)
	}
	return s
}

// OnSnapshot registers fn for every published snapshot.
func (c *Controller) OnSnapshot(fn func(Snapshot)) (cancel func()) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.snapListeners[id] = fn
	return func() {
		c.lmu.Lock()
		delete(c.snapListeners, id)
		c.lmu.Unlock()
	}
}

// OnEvent registers fn for lifecycle events.
func (c *Controller) OnEvent(fn func(Event)) (cancel func()) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.eventListeners[id] = fn
	return func() {
		c.lmu.Lock()
		delete(c.eventListeners, id)
		c.lmu.Unlock()
	}
}

// publish queues the current snapshot for listeners. Callers hold c.mu.
func (c *Controller) publish() {
	snap := c.snap
	c.dispatch.post(func() {
		c.lmu.Lock()
		fns := make([]func(Snapshot), 0, len(c.snapListeners))
		for _, fn := range c.snapListeners {
			fns = append(fns, fn)
		}
		c.lmu.Unlock()
		for _, fn := range fns {
			fn(snap)
		}
	})
}

// emit queues a lifecycle event. Callers hold c.mu.
func (c *Controller) emit(e Event) {
	e.SessionID = c.session.ID
	e.Time = time.Now()
	c.dispatch.post(func() {
		c.lmu.Lock()
		fns := make([]func(Event), 0, len(c.eventListeners))
		for _, fn := range c.eventListeners {
			fns = append(fns, fn)
		}
		c.lmu.Unlock()
		for _, fn := range fns {
			fn(e)
		}
	})
}

// Snapshot returns the current presentation state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Session returns a copy of the current session record.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	s.Pictures = append([]camera.EncodedImage(nil), c.session.Pictures...)
	return s
}

// SetViewport forwards the element size to the camera.
func (c *Controller) SetViewport(size camera.Size) {
	c.deps.Camera.SetViewport(size)
}

// current reports whether gen is the running attempt. Callers hold c.mu.
func (c *Controller) current(gen uint64) bool {
	return gen == c.gen && !c.closed
}

// Start begins a new session. It fails if one is already active.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.session.State.Active() {
		return ErrSessionActive
	}

	c.teardown()
	c.gen++
	gen := c.gen
	now := time.Now()

	c.session = Session{
		ID:         uuid.NewString(),
		State:      StateAwaitingStart,
		StartedAt:  now,
		DeadlineAt: now.Add(c.opts.SessionTimeout),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.lastClass = ""
	c.capturing = false
	c.instruction = ""
	c.instructionsLeft = c.opts.MaxInstructions
	c.log = logging.Component("liveness").WithFields(logging.Fields{
		"mode":    c.opts.Mode,
		"session": c.session.ID,
	})

	c.snap = Snapshot{
		SessionID:     c.session.ID,
		State:         StateAwaitingStart,
		Mode:          c.opts.Mode,
		Caption:       c.msgs.get(msgStarting),
		CaptionStyle:  CaptionNormal,
		MaskMode:      MaskHidden,
		Animation:     AnimationNone,
		CameraVisible: true,
	}

	c.timeoutTask = c.deps.Scheduler.After(c.opts.SessionTimeout, func() { c.onTimeout(gen) })
	c.unsubCamera = c.deps.Camera.Subscribe(func(s camera.Signal) { c.onCameraSignal(gen, s) })
	if c.opts.AnomalyDetection {
		c.unsubFocus = c.deps.Focus.Subscribe(func(e FocusEvent) { c.onFocus(gen, e) })
	}
	if r, ok := c.deps.Detector.(interface{ Reset() }); ok {
		r.Reset()
	}

	c.log.Info("Session started")
	c.emit(Event{Type: EventSessionStarted})
	c.publish()

	go c.startCamera(c.ctx, gen)
	return nil
}

func (c *Controller) startCamera(ctx context.Context, gen uint64) {
	err := c.deps.Camera.StartStreaming(ctx, c.opts.Facing, c.opts.Resolution)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(gen) || c.session.State != StateAwaitingStart {
		// A newer active session owns the stream; otherwise release it.
		if err == nil && !c.session.State.Active() {
			_ = c.deps.Camera.StopStreaming()
		}
		return
	}
	if err != nil {
		c.log.WithError(err).Error("Camera failed to start")
		c.fail(ReasonCameraFailure, nil)
		return
	}

	c.cameraOn = true
	c.session.State = StateDetecting
	c.snap.State = StateDetecting
	c.snap.MaskMode = MaskNeutral
	c.snap.Caption = ""
	if c.opts.Mode == ModeClassic {
		c.setInstruction(InstructionFrontal)
	}
	c.detectTask = c.deps.Scheduler.Every(c.opts.DetectionInterval, func() { c.tick(gen) })
	c.log.Debug("Camera streaming, detection running")
	c.publish()
}

// tick runs on the detection task goroutine, so ticks never overlap.
func (c *Controller) tick(gen uint64) {
	c.mu.Lock()
	if !c.current(gen) || c.session.State != StateDetecting || c.capturing {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.mu.Unlock()

	if c.opts.Mode == ModeClassic {
		c.instructionTick(ctx, gen)
		return
	}
	c.detectTick(ctx, gen)
}

func (c *Controller) detectTick(ctx context.Context, gen uint64) {
	size := c.opts.SnapshotSize
	var (
		face   *geometry.Face
		region *detector.Region
	)

	pixels, err := c.deps.Camera.CaptureRawPixels(ctx, size, size)
	var regions []detector.Region
	if err == nil && pixels != nil {
		regions, err = c.deps.Detector.Detect(ctx, pixels)
	}

	viewport := c.deps.Camera.Viewport()
	if err == nil {
		if best, ok := detector.SelectBest(regions); ok {
			from := camera.Size{Width: pixels.Width, Height: pixels.Height}
			if viewport.Width <= 0 || viewport.Height <= 0 {
				viewport = from
			}
			scaled := detector.Scale(best, from, viewport)
			region = &scaled
			face = &geometry.Face{CenterX: scaled.CenterX, CenterY: scaled.CenterY, Size: scaled.Size}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(gen) || c.session.State != StateDetecting || c.capturing {
		return
	}
	if err != nil {
		c.log.WithError(err).Warn("Detection failed, treating as no face")
	}

	bounds := geometry.Bounds{Width: float64(viewport.Width), Height: float64(viewport.Height)}
	cls := geometry.Classify(face, bounds, c.session.ZoomMode, c.opts.Geometry)
	c.applyClassification(gen, cls, region)
	c.publish()
}

// applyClassification updates guidance and arms or disarms the capture
// countdown. Callers hold c.mu and publish afterwards.
func (c *Controller) applyClassification(gen uint64, cls geometry.Classification, region *detector.Region) {
	c.lastClass = cls
	c.snap.Classification = cls
	c.snap.MaskMode = maskFor(cls)
	c.snap.CaptionStyle = CaptionNormal
	if c.opts.Mode == ModeClassic && cls == geometry.OK {
		c.snap.Caption = c.msgs.get(c.instruction)
	} else {
		c.snap.Caption = c.msgs.classificationCaption(cls, c.session.ZoomMode)
	}
	c.snap.FaceRegion = nil
	if c.opts.FaceIndicator && region != nil {
		r := *region
		c.snap.FaceRegion = &r
	}

	if c.opts.Mode != ModeClassic {
		if cls == geometry.OK {
			c.armCountdown(gen)
		} else {
			c.disarmCountdown()
		}
	}
}

func (c *Controller) armCountdown(gen uint64) {
	if c.countdownTask != nil {
		return
	}
	c.countdownGen++
	cgen := c.countdownGen
	c.countdownLeft = c.opts.CaptureCountdown
	c.snap.CountdownSeconds = c.countdownLeft
	c.countdownTask = c.deps.Scheduler.Every(c.opts.CountdownStep, func() { c.countdownStep(gen, cgen) })
}

func (c *Controller) disarmCountdown() {
	if c.countdownTask != nil {
		c.countdownTask.Cancel()
		c.countdownTask = nil
	}
	c.countdownGen++
	c.countdownLeft = 0
	c.snap.CountdownSeconds = 0
}

func (c *Controller) countdownStep(gen, cgen uint64) {
	c.mu.Lock()
	if !c.current(gen) || c.session.State != StateDetecting || cgen != c.countdownGen || c.capturing {
		c.mu.Unlock()
		return
	}
	if c.lastClass != geometry.OK {
		c.disarmCountdown()
		c.publish()
		c.mu.Unlock()
		return
	}

	c.countdownLeft--
	c.snap.CountdownSeconds = c.countdownLeft
	if c.countdownLeft > 0 {
		c.publish()
		c.mu.Unlock()
		return
	}

	c.disarmCountdown()
	c.capturing = true
	ctx := c.ctx
	c.mu.Unlock()

	img, err := c.deps.Camera.CaptureStill(ctx, c.opts.MaxPictureWidth, c.opts.MaxPictureHeight, camera.FormatJPEG)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.capturing = false
	if !c.current(gen) || c.session.State != StateDetecting {
		return
	}
	if err != nil {
		c.log.WithError(err).Warn("Capture failed, waiting for the next countdown")
		return
	}
	c.onCaptured(*img)
}

// onCaptured stores a picture of the local-detection flows. Callers hold c.mu.
func (c *Controller) onCaptured(img camera.EncodedImage) {
	c.session.Pictures = append(c.session.Pictures, img)

	if c.opts.Mode == ModeMask && !c.session.ZoomMode {
		c.session.ZoomMode = true
		c.snap.ZoomMode = true
		c.lastClass = ""
		c.snap.Classification = ""
		c.snap.MaskMode = MaskNeutral
		c.snap.Caption = c.msgs.get(msgMoveCloser)
		c.log.Info("First picture captured, zoom phase")
		c.publish()
		return
	}

	c.log.WithField("pictures", len(c.session.Pictures)).Info("Pictures captured")
	c.enterCapturing()
}

// enterCapturing freezes detection, releases the camera and starts the one
// verification call of this attempt. Callers hold c.mu.
func (c *Controller) enterCapturing() {
	gen := c.gen
	c.session.State = StateCapturing
	c.cancelTasks()
	if c.unsubCamera != nil {
		c.unsubCamera()
		c.unsubCamera = nil
	}
	c.stopCamera()

	last := c.session.Pictures[len(c.session.Pictures)-1]
	c.snap.State = StateCapturing
	c.snap.CameraVisible = false
	c.snap.MaskMode = MaskHidden
	c.snap.CountdownSeconds = 0
	c.snap.FaceRegion = nil
	c.snap.Preview = &last
	c.publish()

	c.session.State = StateVerifying
	c.snap.State = StateVerifying
	c.snap.Animation = AnimationLoading
	c.snap.Caption = c.msgs.get(msgVerifying)
	c.publish()

	req := verifier.Request{
		Kind:     c.opts.Mode.verifyKind(),
		Pictures: append([]camera.EncodedImage(nil), c.session.Pictures...),
		Debug:    c.opts.Debug,
	}
	go c.verify(c.ctx, gen, req)
}

func (c *Controller) verify(ctx context.Context, gen uint64, req verifier.Request) {
	out, err := c.deps.Verifier.Verify(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(gen) || c.session.State != StateVerifying {
		return
	}

	switch {
	case errors.Is(err, verifier.ErrAuthorizationFailed):
		c.log.WithError(err).Error("Verification unauthorized")
		c.fail(ReasonAuthorizationFailed, nil)
	case err != nil:
		c.log.WithError(err).Error("Verification failed")
		c.fail(ReasonConnectionFailed, nil)
	case out == nil:
		c.log.Error("Verification returned no outcome")
		c.fail(ReasonConnectionFailed, nil)
	case !out.Liveness:
		r := c.msgs.reason(ReasonRejected)
		if out.Message != "" {
			r.Message = out.Message
		}
		c.finish(r, out.DebugData)
	default:
		c.finish(nil, out.DebugData)
	}
}

func (c *Controller) onTimeout(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(gen) || !c.session.State.Active() {
		return
	}
	c.log.Warn("Session timed out")
	c.fail(ReasonTimeout, nil)
}

func (c *Controller) onCameraSignal(gen uint64, s camera.Signal) {
	switch s {
	case camera.SignalStreamEnded, camera.SignalDeviceDisconnected, camera.SignalDeviceNotFound:
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(gen) || !c.session.State.Active() {
		return
	}
	c.log.WithField("signal", s).Error("Camera lost")
	c.fail(ReasonCameraFailure, nil)
}

func (c *Controller) onFocus(gen uint64, e FocusEvent) {
	if !e.Lost() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(gen) || !c.session.State.Active() {
		return
	}
	c.log.WithField("event", e).Warn("Anomaly detected")
	c.fail(ReasonAnomaly, nil)
}

// fail ends the attempt with code. Callers hold c.mu.
func (c *Controller) fail(code ReasonCode, debug json.RawMessage) {
	c.finish(c.msgs.reason(code), debug)
}

// finish moves to a terminal state: nil reason means success.
// Callers hold c.mu.
func (c *Controller) finish(reason *Reason, debug json.RawMessage) {
	c.teardown()

	c.snap.CameraVisible = false
	c.snap.MaskMode = MaskHidden
	c.snap.CountdownSeconds = 0
	c.snap.FaceRegion = nil
	c.snap.StartButtonVisible = c.opts.ShowStartButton

	if reason == nil {
		c.session.State = StateSucceeded
		c.snap.State = StateSucceeded
		c.snap.Animation = AnimationSuccess
		c.snap.Caption = c.msgs.get(msgSuccess)
		c.snap.CaptionStyle = CaptionNormal
		c.log.Info("Session succeeded")
		c.emit(Event{
			Type:      EventSessionSuccess,
			Pictures:  append([]camera.EncodedImage(nil), c.session.Pictures...),
			DebugData: debug,
		})
	} else {
		c.session.State = StateFailed
		c.session.FailureReason = reason
		c.snap.State = StateFailed
		c.snap.Animation = AnimationFail
		c.snap.Caption = reason.Message
		c.snap.CaptionStyle = CaptionDanger
		c.snap.Reason = reason
		c.log.WithField("reason", reason.Code).Warn("Session failed")
		if reason.Code == ReasonTimeout {
			c.emit(Event{Type: EventSessionTimeout, Reason: reason})
		}
		c.emit(Event{Type: EventSessionFail, Reason: reason, DebugData: debug})
	}

	c.emit(Event{Type: EventSessionEnded})
	c.publish()
}

func (c *Controller) cancelTasks() {
	if c.detectTask != nil {
		c.detectTask.Cancel()
		c.detectTask = nil
	}
	c.disarmCountdown()
	if c.timeoutTask != nil {
		c.timeoutTask.Cancel()
		c.timeoutTask = nil
	}
}

func (c *Controller) stopCamera() {
	if !c.cameraOn {
		return
	}
	c.cameraOn = false
	if err := c.deps.Camera.StopStreaming(); err != nil {
		c.log.WithError(err).Warn("Failed to stop camera")
	}
}

// teardown cancels every timer and listener of the attempt and releases the
// camera. It is idempotent. Callers hold c.mu.
func (c *Controller) teardown() {
	c.cancelTasks()
	if c.unsubCamera != nil {
		c.unsubCamera()
		c.unsubCamera = nil
	}
	if c.unsubFocus != nil {
		c.unsubFocus()
		c.unsubFocus = nil
	}
	c.stopCamera()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Stop ends any running session with abrupt_close and returns to Idle.
// It is safe to call repeatedly and from any state.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	if c.session.State.Active() {
		c.log.Info("Session stopped while running")
		c.fail(ReasonAbruptClose, nil)
	}
	c.teardown()
	if c.session.State == StateIdle {
		return
	}

	// Invalidate anything still in flight for the finished attempt
	c.gen++
	c.session.State = StateIdle
	c.snap = c.idleSnapshot()
	c.publish()
}

// Close stops the controller for good and drains pending notifications.
// It must not be called from a listener.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.stopLocked()
	c.closed = true
	c.mu.Unlock()

	c.dispatch.close()
	return nil
}
