package types

import (
	"fmt"
	"strings"
)

// FacingMode selects which physical camera is requested.
type FacingMode string

const (
	FacingUser        FacingMode = "user"
	FacingEnvironment FacingMode = "environment"
)

func (m FacingMode) Valid() bool {
	return m == FacingUser || m == FacingEnvironment
}

// Toggle returns the other camera.
func (m FacingMode) Toggle() FacingMode {
	if m == FacingUser {
		return FacingEnvironment
	}
	return FacingUser
}

func ParseFacingMode(s string) (FacingMode, error) {
	m := FacingMode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case FacingUser, FacingEnvironment:
		return m, nil
	case "front":
		return FacingUser, nil
	case "back", "rear":
		return FacingEnvironment, nil
	}
	return "", fmt.Errorf("unknown facing mode %q", s)
}

// StreamConfig is replaced wholesale, never mutated in place.
type StreamConfig struct {
	FacingMode FacingMode `json:"facingMode"`
}

type PreviewMode string

const (
	PreviewLive   PreviewMode = "live"
	PreviewFrozen PreviewMode = "frozen"
)

// CaptureSource is where a still comes from.
type CaptureSource string

const (
	SourceFrame CaptureSource = "frame"
	SourcePhoto CaptureSource = "photo"
)

func ParseCaptureSource(s string) (CaptureSource, error) {
	switch CaptureSource(strings.ToLower(s)) {
	case SourceFrame:
		return SourceFrame, nil
	case SourcePhoto:
		return SourcePhoto, nil
	}
	return "", fmt.Errorf("unknown capture source %q", s)
}
