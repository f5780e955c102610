package liveness

// ReasonCode identifies why a session failed.
type ReasonCode string

const (
	ReasonTimeout             ReasonCode = "timeout"
	ReasonAnomaly             ReasonCode = "anomaly_detected"
	ReasonCameraFailure       ReasonCode = "camera_failure"
	ReasonConnectionFailed    ReasonCode = "connection_failed"
	ReasonAuthorizationFailed ReasonCode = "authorization_failed"
	ReasonRejected            ReasonCode = "rejected"
	ReasonAbruptClose         ReasonCode = "abrupt_close"
)

// Reason is a structured session failure.
type Reason struct {
	Code    ReasonCode `json:"code"`
	Message string     `json:"message"`
	Retry   bool       `json:"retry"`
}

func (r *Reason) Error() string {
	return string(r.Code) + ": " + r.Message
}

// User-facing failure messages
var reasonMessages = map[ReasonCode]string{
	ReasonTimeout:             "The session has expired. Please try again",
	ReasonAnomaly:             "The session was interrupted because the window lost focus",
	ReasonCameraFailure:       "The camera could not be accessed. Please check your camera connection",
	ReasonConnectionFailed:    "Could not communicate with the verification server",
	ReasonAuthorizationFailed: "The verification server rejected the credentials",
	ReasonRejected:            "The liveness check did not pass. Please try again",
	ReasonAbruptClose:         "The session was closed before it finished",
}

// GetReasonMessage returns the default message for a reason code.
func GetReasonMessage(code ReasonCode) string {
	if msg, ok := reasonMessages[code]; ok {
		return msg
	}
	return "The liveness session failed"
}

// NewReason creates a reason with its default message. Authorization
// failures need a configuration change, so they are not retryable.
func NewReason(code ReasonCode) *Reason {
	return &Reason{
		Code:    code,
		Message: GetReasonMessage(code),
		Retry:   code != ReasonAuthorizationFailed,
	}
}
