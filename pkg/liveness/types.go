package liveness

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/MrCodeEU/livecheck/pkg/camera"
	"github.com/MrCodeEU/livecheck/pkg/detector"
	"github.com/MrCodeEU/livecheck/pkg/geometry"
	"github.com/MrCodeEU/livecheck/pkg/verifier"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingStart State = "awaiting_start"
	StateDetecting     State = "detecting"
	StateCapturing     State = "capturing"
	StateVerifying     State = "verifying"
	StateSucceeded     State = "succeeded"
	StateFailed        State = "failed"
)

// Active reports whether a session is in progress.
func (s State) Active() bool {
	switch s {
	case StateAwaitingStart, StateDetecting, StateCapturing, StateVerifying:
		return true
	}
	return false
}

// Terminal reports whether the attempt has finished.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Mode selects the liveness flow.
type Mode string

const (
	// ModeMask frames the face locally and captures a normal and a zoomed picture.
	ModeMask Mode = "mask"
	// ModePassive frames the face locally and captures one picture.
	ModePassive Mode = "passive"
	// ModeClassic asks the verifier to check head-pose instructions.
	ModeClassic Mode = "classic"
)

// verifyKind maps a mode to its verification endpoint.
func (m Mode) verifyKind() verifier.Kind {
	switch m {
	case ModePassive:
		return verifier.KindImage
	case ModeClassic:
		return verifier.KindImages
	default:
		return verifier.Kind3D
	}
}

// MaskMode is the framing overlay the shell should draw.
type MaskMode string

const (
	MaskHidden  MaskMode = "hidden"
	MaskNeutral MaskMode = "neutral"
	MaskMatch   MaskMode = "match"
	MaskNoMatch MaskMode = "no_match"
)

// Animation is the animation the shell should play.
type Animation string

const (
	AnimationNone    Animation = "none"
	AnimationLoading Animation = "loading"
	AnimationSuccess Animation = "success"
	AnimationFail    Animation = "fail"
)

// CaptionStyle is how the caption should be rendered.
type CaptionStyle string

const (
	CaptionNormal CaptionStyle = "normal"
	CaptionDanger CaptionStyle = "danger"
)

// Snapshot is the presentation state after a transition or tick.
// Snapshots are values and are never modified after publication.
type Snapshot struct {
	SessionID          string                  `json:"session_id,omitempty"`
	State              State                   `json:"state"`
	Mode               Mode                    `json:"mode"`
	Classification     geometry.Classification `json:"classification,omitempty"`
	Caption            string                  `json:"caption"`
	CaptionStyle       CaptionStyle            `json:"caption_style"`
	CountdownSeconds   int                     `json:"countdown_seconds"`
	MaskMode           MaskMode                `json:"mask_mode"`
	ZoomMode           bool                    `json:"zoom_mode"`
	FaceRegion         *detector.Region        `json:"face_region,omitempty"`
	Instruction        string                  `json:"instruction,omitempty"`
	Animation          Animation               `json:"animation"`
	CameraVisible      bool                    `json:"camera_visible"`
	StartButtonVisible bool                    `json:"start_button_visible"`
	Preview            *camera.EncodedImage    `json:"preview,omitempty"`
	Reason             *Reason                 `json:"reason,omitempty"`
}

// Session is the record of one liveness attempt.
type Session struct {
	ID            string
	State         State
	StartedAt     time.Time
	DeadlineAt    time.Time
	ZoomMode      bool
	Pictures      []camera.EncodedImage
	FailureReason *Reason
}

// EventType names a lifecycle event.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"
	EventSessionSuccess EventType = "session_success"
	EventSessionFail    EventType = "session_fail"
	EventSessionTimeout EventType = "session_timeout"
)

// Event is a lifecycle notification for the embedding application.
type Event struct {
	Type      EventType             `json:"type"`
	SessionID string                `json:"session_id"`
	Time      time.Time             `json:"time"`
	Pictures  []camera.EncodedImage `json:"pictures,omitempty"`
	Reason    *Reason               `json:"reason,omitempty"`
	DebugData json.RawMessage       `json:"debug_data,omitempty"`
}

// ErrSessionActive is returned when starting while a session runs.
var ErrSessionActive = errors.New("liveness session already active")

// ErrClosed is returned when using a closed controller.
var ErrClosed = errors.New("liveness controller closed")
