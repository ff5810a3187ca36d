// Package camera owns the live stream: StreamController decides when a
// stream is acquired, adopted or released, and V4L2Device backs it with
// real video devices.
package camera

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"snapcam/pkg/types"
	"snapcam/pkg/utils"
)

const (
	DefaultUserDevice        = "/dev/video0"
	DefaultEnvironmentDevice = "/dev/video1"
	DefaultWidth             = 640
	DefaultHeight            = 480
)

var logger *zap.SugaredLogger

func init() {
	logger = utils.GetLogger().Named("camera")
}

// Devices maps each facing mode to a device path.
type Devices map[types.FacingMode]string

func DefaultDevices() Devices {
	return Devices{
		types.FacingUser:        DefaultUserDevice,
		types.FacingEnvironment: DefaultEnvironmentDevice,
	}
}

func (d Devices) String() string {
	var parts []string
	for mode, path := range d {
		parts = append(parts, fmt.Sprintf("%s=%s", mode, path))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// ParseDevices reads "user=/dev/video0,environment=/dev/video2".
func ParseDevices(s string) (Devices, error) {
	res := make(Devices)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("bad device mapping %q", part)
		}
		mode, err := types.ParseFacingMode(k)
		if err != nil {
			return nil, err
		}
		res[mode] = strings.TrimSpace(v)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("no devices in %q", s)
	}
	return res, nil
}
