package control

import (
	"context"
	"fmt"
)

// StartCapability is the control-surface function a capture runtime must
// expose before any start command may be issued against it.
const StartCapability = "startCapture"

// StartRequest carries the parameters of a producer start command. The media
// selection and codec hint are opaque to the bridge and passed through to the
// capture runtime unchanged.
type StartRequest struct {
	SessionIndex int64  `json:"session_index"`
	Audio        bool   `json:"audio"`
	Video        bool   `json:"video"`
	MimeType     string `json:"mime_type,omitempty"`
	FrameSize    int    `json:"frame_size,omitempty"`
	Port         int    `json:"port"`
}

// Controller is the out-of-band control channel used to drive the external
// byte producer. All calls may fail; a Stop failure must never prevent
// transport teardown on the caller's side.
type Controller interface {
	// ProbeCapability reports whether the start capability is present on the
	// capture runtime. The probe is side-effecting only in that it touches
	// the control channel; it never starts production.
	ProbeCapability(ctx context.Context) (bool, error)

	// Start instructs the producer to begin capturing and to connect to the
	// TCP port named in the request.
	Start(ctx context.Context, req StartRequest) error

	// Stop instructs the producer addressed by the session index to stop
	// pushing bytes.
	Stop(ctx context.Context, sessionIndex int64) error
}

// ProducerStopError reports a failed Stop call during session teardown. It is
// surfaced as a warning; resource release proceeds regardless.
type ProducerStopError struct {
	SessionIndex int64
	Err          error
}

func (e *ProducerStopError) Error() string {
	return fmt.Sprintf("producer stop failed for session %d: %v", e.SessionIndex, e.Err)
}

func (e *ProducerStopError) Unwrap() error {
	return e.Err
}
