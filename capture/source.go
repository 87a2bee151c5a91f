package capture

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// SourceType identifies the kind of capture source.
type SourceType int

const (
	SourceTypeUnknown     SourceType = iota
	SourceTypeCamera                 // V4L2 or other physical camera
	SourceTypeTestPattern            // Synthetic test pattern generator
	SourceTypeNetwork                // Network ingest (RTMP)
	SourceTypeCustom                 // Provider registered by the application
)

func (s SourceType) String() string {
	switch s {
	case SourceTypeCamera:
		return "Camera"
	case SourceTypeTestPattern:
		return "TestPattern"
	case SourceTypeNetwork:
		return "Network"
	case SourceTypeCustom:
		return "Custom"
	default:
		return "Unknown"
	}
}

// SourceConfig describes what an opened source actually delivers.
type SourceConfig struct {
	Width      int
	Height     int
	FPS        int
	Format     PixelFormat
	SourceType SourceType
}

// VideoSource produces frames from an opened device.
type VideoSource interface {
	io.Closer

	// Start begins capture. Frames are only available after Start.
	Start(ctx context.Context) error

	// Stop halts capture. It is safe to call more than once.
	Stop() error

	// ReadFrame blocks until the next frame, ctx is done, or the source fails.
	// The returned frame is valid until the next ReadFrame call or Close.
	ReadFrame(ctx context.Context) (*VideoFrame, error)

	// Config returns the negotiated configuration.
	Config() SourceConfig
}

// OpenRequest is the format a CaptureStream asks a provider for.
type OpenRequest struct {
	Width  int
	Height int
	FPS    int
	Format PixelFormat
}

// DeviceInfo describes a device a provider can open.
type DeviceInfo struct {
	DeviceID string
	Label    string
	Formats  []PixelFormat
}

// DeviceProvider opens devices for one identifier scheme.
//
// Open must return an error wrapping ErrDeviceUnavailable when the device is
// missing or busy, and ErrUnsupportedFormat when it cannot deliver req.
type DeviceProvider interface {
	ListDevices(ctx context.Context) ([]DeviceInfo, error)
	Open(ctx context.Context, deviceID string, req OpenRequest) (VideoSource, error)
}

type providerRegistry struct {
	mu        sync.RWMutex
	providers map[string]DeviceProvider
}

var globalProviders = &providerRegistry{providers: make(map[string]DeviceProvider)}

// RegisterDeviceProvider registers p for device identifiers of the form
// "<scheme>://...". A later registration for the same scheme replaces the
// earlier one, which is returned.
func RegisterDeviceProvider(scheme string, p DeviceProvider) DeviceProvider {
	globalProviders.mu.Lock()
	defer globalProviders.mu.Unlock()
	key := strings.ToLower(scheme)
	prev := globalProviders.providers[key]
	globalProviders.providers[key] = p
	return prev
}

// UnregisterDeviceProvider removes the provider for scheme.
func UnregisterDeviceProvider(scheme string) {
	globalProviders.mu.Lock()
	defer globalProviders.mu.Unlock()
	delete(globalProviders.providers, strings.ToLower(scheme))
}

// DeviceScheme returns the provider scheme of a device identifier.
// Bare /dev/video* paths belong to "v4l2".
func DeviceScheme(deviceID string) string {
	if strings.HasPrefix(deviceID, "/dev/") {
		return "v4l2"
	}
	if i := strings.Index(deviceID, "://"); i > 0 {
		return strings.ToLower(deviceID[:i])
	}
	return ""
}

// DeviceKey normalizes a device identifier for leasing, so that
// "v4l2:///dev/video0" and "/dev/video0" name the same device.
func DeviceKey(deviceID string) string {
	if DeviceScheme(deviceID) == "v4l2" {
		return "v4l2://" + strings.TrimPrefix(deviceID, "v4l2://")
	}
	return deviceID
}

func lookupProvider(deviceID string) (DeviceProvider, error) {
	scheme := DeviceScheme(deviceID)
	globalProviders.mu.RLock()
	p, ok := globalProviders.providers[scheme]
	globalProviders.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no provider for %q", ErrDeviceUnavailable, deviceID)
	}
	return p, nil
}

// ListDevices enumerates the devices of every registered provider, sorted by ID.
// Providers that fail to enumerate are skipped.
func ListDevices(ctx context.Context) []DeviceInfo {
	globalProviders.mu.RLock()
	providers := make([]DeviceProvider, 0, len(globalProviders.providers))
	for _, p := range globalProviders.providers {
		providers = append(providers, p)
	}
	globalProviders.mu.RUnlock()

	var devices []DeviceInfo
	for _, p := range providers {
		list, err := p.ListDevices(ctx)
		if err != nil {
			continue
		}
		devices = append(devices, list...)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	return devices
}
