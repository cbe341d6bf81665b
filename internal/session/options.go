package session

import (
	"errors"
	"fmt"

	"github.com/noeRls/puppeteer-stream/internal/config"
)

// ErrInvalidOptions marks session requests rejected before any resource is
// allocated.
var ErrInvalidOptions = errors.New("invalid session options")

// Options is the recognized configuration of a session request. Zero-valued
// or omitted sections fall back to the service defaults.
type Options struct {
	Audio     bool   `json:"audio"`
	Video     bool   `json:"video"`
	MimeType  string `json:"mimeType,omitempty"`
	FrameSize int    `json:"frameSize,omitempty"`

	Retry        *RetryOptions        `json:"retry,omitempty"`
	Transmission *TransmissionOptions `json:"transmission,omitempty"`
	StreamConfig *StreamOptions       `json:"streamConfig,omitempty"`
}

// RetryOptions overrides the readiness polling policy for one session
type RetryOptions struct {
	Each  int `json:"each"`
	Times int `json:"times"`
}

// TransmissionOptions overrides the port derivation base for one session
type TransmissionOptions struct {
	BasePort int `json:"basePort"`
}

// StreamOptions overrides the output buffering behavior for one session
type StreamOptions struct {
	HighWaterMarkMB int   `json:"highWaterMarkMB"`
	ImmediateResume *bool `json:"immediateResume,omitempty"`
}

// Validate rejects malformed session requests. A request selecting neither
// audio nor video is refused before any network resource is touched.
func (o Options) Validate() error {
	if !o.Audio && !o.Video {
		return fmt.Errorf("%w: at least one of audio or video must be requested", ErrInvalidOptions)
	}

	if o.FrameSize < 0 {
		return fmt.Errorf("%w: frameSize cannot be negative, got %d", ErrInvalidOptions, o.FrameSize)
	}

	if o.Retry != nil {
		if o.Retry.Each <= 1 {
			return fmt.Errorf("%w: retry.each must be greater than 1 for exponential spacing, got %d", ErrInvalidOptions, o.Retry.Each)
		}
		if o.Retry.Times < 1 {
			return fmt.Errorf("%w: retry.times must be at least 1, got %d", ErrInvalidOptions, o.Retry.Times)
		}
	}

	if o.Transmission != nil {
		if o.Transmission.BasePort < 1024 || o.Transmission.BasePort > 65000 {
			return fmt.Errorf("%w: transmission.basePort must be between 1024 and 65000, got %d", ErrInvalidOptions, o.Transmission.BasePort)
		}
	}

	if o.StreamConfig != nil && o.StreamConfig.HighWaterMarkMB < 1 {
		return fmt.Errorf("%w: streamConfig.highWaterMarkMB must be at least 1, got %d", ErrInvalidOptions, o.StreamConfig.HighWaterMarkMB)
	}

	return nil
}

// resolved carries a session request with the service defaults applied
type resolved struct {
	audio     bool
	video     bool
	mimeType  string
	frameSize int

	retryEach  int
	retryTimes int

	basePort        int
	thresholdBytes  int
	immediateResume bool
}

// withDefaults merges a validated request with the service-wide capture
// defaults
func (o Options) withDefaults(defaults config.CaptureConfig) resolved {
	r := resolved{
		audio:     o.Audio,
		video:     o.Video,
		mimeType:  o.MimeType,
		frameSize: o.FrameSize,

		retryEach:  defaults.Retry.Each,
		retryTimes: defaults.Retry.Times,

		basePort:        defaults.BasePort,
		thresholdBytes:  defaults.HighWaterMarkBytes(),
		immediateResume: defaults.ImmediateResume,
	}

	if o.Retry != nil {
		r.retryEach = o.Retry.Each
		r.retryTimes = o.Retry.Times
	}

	if o.Transmission != nil {
		r.basePort = o.Transmission.BasePort
	}

	if o.StreamConfig != nil {
		r.thresholdBytes = o.StreamConfig.HighWaterMarkMB << 20
		if o.StreamConfig.ImmediateResume != nil {
			r.immediateResume = *o.StreamConfig.ImmediateResume
		}
	}

	return r
}

// mediaKind renders the audio/video selection for logs and session infos
func (r resolved) mediaKind() string {
	switch {
	case r.audio && r.video:
		return "audio+video"
	case r.audio:
		return "audio"
	default:
		return "video"
	}
}
