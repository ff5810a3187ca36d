package widget

import (
	"fmt"

	"snapcam/pkg/types"
)

// Event is a UI intent.
type Event interface {
	Name() string
}

// Events mirror the buttons of the capture UI. ShowImage switches the
// preview to the last still, HideImage goes back to the live feed, and a
// Capture with an empty Source uses the configured one.
type (
	ToggleFacingMode struct{}
	SetFacingMode    struct{ Mode types.FacingMode }
	SetActive        struct{ Active bool }
	ShowImage        struct{}
	HideImage        struct{}
	Capture          struct{ Source types.CaptureSource }
	ToggleTimer      struct{}
	CancelTimer      struct{}
)

func (ToggleFacingMode) Name() string { return "toggle_facing_mode" }
func (SetFacingMode) Name() string    { return "set_facing_mode" }
func (SetActive) Name() string        { return "set_active" }
func (ShowImage) Name() string        { return "show_image" }
func (HideImage) Name() string        { return "hide_image" }
func (Capture) Name() string          { return "capture" }
func (ToggleTimer) Name() string      { return "toggle_timer" }
func (CancelTimer) Name() string      { return "cancel_timer" }

// ParseEvent builds an event from its name and an optional argument.
func ParseEvent(name, arg string) (Event, error) {
	switch name {
	case ToggleFacingMode{}.Name():
		return ToggleFacingMode{}, nil
	case SetFacingMode{}.Name():
		mode, err := types.ParseFacingMode(arg)
		if err != nil {
			return nil, err
		}
		return SetFacingMode{Mode: mode}, nil
	case SetActive{}.Name():
		switch arg {
		case "true", "on", "1":
			return SetActive{Active: true}, nil
		case "false", "off", "0":
			return SetActive{Active: false}, nil
		}
		return nil, fmt.Errorf("bad active value %q", arg)
	case ShowImage{}.Name():
		return ShowImage{}, nil
	case HideImage{}.Name():
		return HideImage{}, nil
	case Capture{}.Name():
		if arg == "" {
			return Capture{}, nil
		}
		src, err := types.ParseCaptureSource(arg)
		if err != nil {
			return nil, err
		}
		return Capture{Source: src}, nil
	case ToggleTimer{}.Name():
		return ToggleTimer{}, nil
	case CancelTimer{}.Name():
		return CancelTimer{}, nil
	}
	return nil, fmt.Errorf("unknown event %q", name)
}
