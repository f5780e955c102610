package liveness

import (
	"github.com/MrCodeEU/livecheck/pkg/geometry"
	"github.com/MrCodeEU/livecheck/pkg/verifier"
)

// Instruction names understood by the verifier.
const (
	InstructionFrontal      = "frontal_face"
	InstructionLeftProfile  = "left_profile_face"
	InstructionRightProfile = "right_profile_face"
)

// Caption keys. Any of them, as well as any ReasonCode, can be overridden
// through the session.messages config map.
const (
	msgStarting     = "starting"
	msgNoFace       = "face_not_found"
	msgNotCentered  = "face_not_centered"
	msgTooClose     = "face_too_close"
	msgTooFar       = "face_too_far"
	msgHoldStill    = "hold_still"
	msgMoveCloser   = "zoom_in"
	msgVerifying    = "verifying"
	msgSuccess      = "success"
	msgStartSession = "start_button"
)

var defaultMessages = map[string]string{
	msgStarting:             "Starting camera",
	msgNoFace:               "Face not found",
	msgNotCentered:          "Center your face inside the frame",
	msgTooClose:             "Face too close",
	msgTooFar:               "Face too far, move closer",
	msgHoldStill:            "Hold still",
	msgMoveCloser:           "Now bring your face closer to the camera",
	msgVerifying:            "Verifying",
	msgSuccess:              "Liveness verified",
	msgStartSession:         "Press start to begin",
	InstructionFrontal:      "Face the center",
	InstructionLeftProfile:  "Turn your face to the right",
	InstructionRightProfile: "Turn your face to the left",
}

type messages map[string]string

func newMessages(overrides map[string]string) messages {
	m := make(messages, len(defaultMessages)+len(overrides))
	for k, v := range defaultMessages {
		m[k] = v
	}
	for k, v := range overrides {
		m[k] = v
	}
	return m
}

func (m messages) get(key string) string {
	return m[key]
}

func (m messages) reason(code ReasonCode) *Reason {
	r := NewReason(code)
	if msg, ok := m[string(code)]; ok {
		r.Message = msg
	}
	return r
}

// classificationCaption returns the guidance caption for a framing result.
func (m messages) classificationCaption(c geometry.Classification, zoom bool) string {
	switch c {
	case geometry.NoFace:
		return m.get(msgNoFace)
	case geometry.OffCenter:
		return m.get(msgNotCentered)
	case geometry.TooClose:
		return m.get(msgTooClose)
	case geometry.TooFar:
		if zoom {
			return m.get(msgMoveCloser)
		}
		return m.get(msgTooFar)
	case geometry.OK:
		return m.get(msgHoldStill)
	}
	return ""
}

// instructionClassification maps an instruction check status to a framing
// classification. A wrong pose still means the face is framed.
func instructionClassification(s verifier.InstructionStatus) geometry.Classification {
	switch s {
	case verifier.InstructionNoFace:
		return geometry.NoFace
	case verifier.InstructionNotCentered:
		return geometry.OffCenter
	case verifier.InstructionTooClose:
		return geometry.TooClose
	case verifier.InstructionTooFar:
		return geometry.TooFar
	case verifier.InstructionMatch, verifier.InstructionWrongPose:
		return geometry.OK
	}
	return geometry.NoFace
}

func maskFor(c geometry.Classification) MaskMode {
	switch c {
	case geometry.OK:
		return MaskMatch
	case geometry.NoFace, "":
		return MaskNeutral
	default:
		return MaskNoMatch
	}
}
