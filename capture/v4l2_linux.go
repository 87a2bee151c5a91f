//go:build linux

package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// V4L2 ioctl requests (linux/videodev2.h, 64-bit layouts).
const (
	vidiocQueryCap  = 0x80685600
	vidiocSFmt      = 0xC0D05605
	vidiocReqBufs   = 0xC0145608
	vidiocQueryBuf  = 0xC0585609
	vidiocQBuf      = 0xC058560F
	vidiocDQBuf     = 0xC0585611
	vidiocStreamOn  = 0x40045612
	vidiocStreamOff = 0x40045613
	vidiocSParm     = 0xC0CC5616

	v4l2BufTypeVideoCapture = 1
	v4l2MemoryMmap          = 1
	v4l2FieldAny            = 0

	v4l2CapVideoCapture = 0x00000001
	v4l2CapStreaming    = 0x04000000
	v4l2CapDeviceCaps   = 0x80000000

	sizeofCapability = 104
	sizeofFormat     = 208
	sizeofReqBufs    = 20
	sizeofBuffer     = 88
	sizeofStreamParm = 204

	v4l2BufferCount = 4
	v4l2PollTimeout = 200 * time.Millisecond
)

func fourcc(s string) uint32 {
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24
}

var v4l2PixelFormats = map[PixelFormat]uint32{
	PixelFormatMJPEG: fourcc("MJPG"),
	PixelFormatH264:  fourcc("H264"),
	PixelFormatVP8:   fourcc("VP80"),
	PixelFormatVP9:   fourcc("VP90"),
	PixelFormatYUYV:  fourcc("YUYV"),
	PixelFormatI420:  fourcc("YU12"),
	PixelFormatNV12:  fourcc("NV12"),
}

var hostEndian = binary.NativeEndian

func init() {
	RegisterDeviceProvider("v4l2", v4l2Provider{})
}

type v4l2Provider struct{}

func (v4l2Provider) ListDevices(context.Context) ([]DeviceInfo, error) {
	nodes, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	var out []DeviceInfo
	for _, node := range nodes {
		fd, err := unix.Open(node, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			continue
		}
		label, caps, err := queryCap(fd)
		_ = unix.Close(fd)
		if err != nil || caps&v4l2CapVideoCapture == 0 {
			continue
		}
		out = append(out, DeviceInfo{DeviceID: node, Label: label})
	}
	return out, nil
}

func (v4l2Provider) Open(_ context.Context, deviceID string, req OpenRequest) (VideoSource, error) {
	path := strings.TrimPrefix(deviceID, "v4l2://")
	pixfmt, ok := v4l2PixelFormats[req.Format]
	if !ok {
		return nil, fmt.Errorf("%w: v4l2 has no fourcc for %s", ErrUnsupportedFormat, req.Format)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, path, err)
	}
	src := &v4l2Source{fd: fd, path: path, req: req}
	if err := src.configure(pixfmt); err != nil {
		_ = src.Close()
		return nil, err
	}
	return src, nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}

func queryCap(fd int) (string, uint32, error) {
	var buf [sizeofCapability]byte
	if err := ioctl(fd, vidiocQueryCap, unsafe.Pointer(&buf[0])); err != nil {
		return "", 0, err
	}
	card := string(buf[16:48])
	if i := strings.IndexByte(card, 0); i >= 0 {
		card = card[:i]
	}
	caps := hostEndian.Uint32(buf[84:])
	if caps&v4l2CapDeviceCaps != 0 {
		caps = hostEndian.Uint32(buf[88:])
	}
	return card, caps, nil
}

// v4l2Source captures through memory-mapped streaming I/O.
type v4l2Source struct {
	fd   int
	path string
	req  OpenRequest

	buffers [][]byte
	scratch []byte
	start   time.Time

	mu        sync.Mutex
	streaming bool
	closed    bool
}

func deviceErr(path, op string, err error) error {
	switch {
	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("%w: %s %s: %v", ErrDeviceUnavailable, op, path, err)
	case errors.Is(err, unix.EINVAL):
		return fmt.Errorf("%w: %s %s: %v", ErrUnsupportedFormat, op, path, err)
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}

func (s *v4l2Source) configure(pixfmt uint32) error {
	_, caps, err := queryCap(s.fd)
	if err != nil {
		return fmt.Errorf("%w: %s is not a V4L2 device: %v", ErrDeviceUnavailable, s.path, err)
	}
	if caps&v4l2CapVideoCapture == 0 || caps&v4l2CapStreaming == 0 {
		return fmt.Errorf("%w: %s cannot stream video capture", ErrUnsupportedFormat, s.path)
	}

	var f [sizeofFormat]byte
	hostEndian.PutUint32(f[0:], v4l2BufTypeVideoCapture)
	hostEndian.PutUint32(f[8:], uint32(s.req.Width))
	hostEndian.PutUint32(f[12:], uint32(s.req.Height))
	hostEndian.PutUint32(f[16:], pixfmt)
	hostEndian.PutUint32(f[20:], v4l2FieldAny)
	if err := ioctl(s.fd, vidiocSFmt, unsafe.Pointer(&f[0])); err != nil {
		return deviceErr(s.path, "set format", err)
	}
	gotW, gotH := int(hostEndian.Uint32(f[8:])), int(hostEndian.Uint32(f[12:]))
	if got := hostEndian.Uint32(f[16:]); got != pixfmt || gotW != s.req.Width || gotH != s.req.Height {
		return fmt.Errorf("%w: %s offers %dx%d fourcc %#x for requested %dx%d %s",
			ErrUnsupportedFormat, s.path, gotW, gotH, got, s.req.Width, s.req.Height, s.req.Format)
	}

	var p [sizeofStreamParm]byte
	hostEndian.PutUint32(p[0:], v4l2BufTypeVideoCapture)
	hostEndian.PutUint32(p[12:], 1)
	hostEndian.PutUint32(p[16:], uint32(s.req.FPS))
	if err := ioctl(s.fd, vidiocSParm, unsafe.Pointer(&p[0])); err != nil && !errors.Is(err, unix.ENOTTY) {
		return deviceErr(s.path, "set frame rate", err)
	}
	if num, den := hostEndian.Uint32(p[12:]), hostEndian.Uint32(p[16:]); num != 0 && (den+num/2)/num != uint32(s.req.FPS) {
		return fmt.Errorf("%w: %s runs at %d/%d fps, requested %d", ErrUnsupportedFormat, s.path, den, num, s.req.FPS)
	}

	var rb [sizeofReqBufs]byte
	hostEndian.PutUint32(rb[0:], v4l2BufferCount)
	hostEndian.PutUint32(rb[4:], v4l2BufTypeVideoCapture)
	hostEndian.PutUint32(rb[8:], v4l2MemoryMmap)
	if err := ioctl(s.fd, vidiocReqBufs, unsafe.Pointer(&rb[0])); err != nil {
		return deviceErr(s.path, "request buffers", err)
	}
	count := int(hostEndian.Uint32(rb[0:]))
	if count == 0 {
		return fmt.Errorf("%w: %s granted no buffers", ErrDeviceUnavailable, s.path)
	}

	for i := 0; i < count; i++ {
		b := newV4L2Buffer(uint32(i))
		if err := ioctl(s.fd, vidiocQueryBuf, unsafe.Pointer(&b[0])); err != nil {
			return deviceErr(s.path, "query buffer", err)
		}
		offset := hostEndian.Uint32(b[64:])
		length := hostEndian.Uint32(b[72:])
		mem, err := unix.Mmap(s.fd, int64(offset), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return deviceErr(s.path, "mmap buffer", err)
		}
		s.buffers = append(s.buffers, mem)
	}
	return nil
}

func newV4L2Buffer(index uint32) [sizeofBuffer]byte {
	var b [sizeofBuffer]byte
	hostEndian.PutUint32(b[0:], index)
	hostEndian.PutUint32(b[4:], v4l2BufTypeVideoCapture)
	hostEndian.PutUint32(b[60:], v4l2MemoryMmap)
	return b
}

func (s *v4l2Source) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSourceClosed
	}
	if s.streaming {
		return nil
	}
	for i := range s.buffers {
		b := newV4L2Buffer(uint32(i))
		if err := ioctl(s.fd, vidiocQBuf, unsafe.Pointer(&b[0])); err != nil {
			return deviceErr(s.path, "queue buffer", err)
		}
	}
	typ := uint32(v4l2BufTypeVideoCapture)
	if err := ioctl(s.fd, vidiocStreamOn, unsafe.Pointer(&typ)); err != nil {
		return deviceErr(s.path, "stream on", err)
	}
	s.streaming = true
	s.start = time.Now()
	return nil
}

func (s *v4l2Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming {
		return nil
	}
	s.streaming = false
	typ := uint32(v4l2BufTypeVideoCapture)
	return ioctl(s.fd, vidiocStreamOff, unsafe.Pointer(&typ))
}

func (s *v4l2Source) Close() error {
	stopErr := s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, mem := range s.buffers {
		_ = unix.Munmap(mem)
	}
	s.buffers = nil
	if err := unix.Close(s.fd); err != nil {
		return err
	}
	return stopErr
}

// ReadFrame polls in bounded slices so cancellation is observed within
// v4l2PollTimeout.
func (s *v4l2Source) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := unix.Poll(fds, int(v4l2PollTimeout/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, fmt.Errorf("poll %s: %w", s.path, err)
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return nil, fmt.Errorf("%w: %s reported poll error %#x", ErrSourceClosed, s.path, fds[0].Revents)
		}

		frame, err := s.dequeue()
		if errors.Is(err, unix.EAGAIN) {
			continue
		}
		return frame, err
	}
}

func (s *v4l2Source) dequeue() (*VideoFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming {
		return nil, ErrSourceClosed
	}

	b := newV4L2Buffer(0)
	if err := ioctl(s.fd, vidiocDQBuf, unsafe.Pointer(&b[0])); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil, err
		}
		return nil, fmt.Errorf("dequeue %s: %w", s.path, err)
	}
	index := hostEndian.Uint32(b[0:])
	used := hostEndian.Uint32(b[8:])
	mem := s.buffers[index]
	if int(used) > len(mem) {
		used = uint32(len(mem))
	}
	if cap(s.scratch) < int(used) {
		s.scratch = make([]byte, used)
	}
	data := s.scratch[:used]
	copy(data, mem[:used])

	requeue := newV4L2Buffer(index)
	if err := ioctl(s.fd, vidiocQBuf, unsafe.Pointer(&requeue[0])); err != nil {
		return nil, fmt.Errorf("requeue %s: %w", s.path, err)
	}

	return s.frameFrom(data)
}

func (s *v4l2Source) frameFrom(data []byte) (*VideoFrame, error) {
	w, h := s.req.Width, s.req.Height
	frame := &VideoFrame{
		Width:     w,
		Height:    h,
		Format:    s.req.Format,
		Timestamp: time.Since(s.start).Nanoseconds(),
		Duration:  int64(time.Second) / int64(max(s.req.FPS, 1)),
	}
	switch s.req.Format {
	case PixelFormatI420:
		ySize, cSize := w*h, (w/2)*(h/2)
		if len(data) < ySize+2*cSize {
			return nil, fmt.Errorf("short I420 frame from %s: %d bytes", s.path, len(data))
		}
		frame.Data = [][]byte{data[:ySize], data[ySize : ySize+cSize], data[ySize+cSize : ySize+2*cSize]}
		frame.Stride = []int{w, w / 2, w / 2}
	case PixelFormatNV12:
		if len(data) < w*h*3/2 {
			return nil, fmt.Errorf("short NV12 frame from %s: %d bytes", s.path, len(data))
		}
		frame.Data = [][]byte{data[:w*h], data[w*h:]}
		frame.Stride = []int{w, w}
	case PixelFormatYUYV:
		frame.Data = [][]byte{data}
		frame.Stride = []int{w * 2}
	default:
		frame.Data = [][]byte{data}
		frame.Stride = []int{0}
	}
	return frame, nil
}

func (s *v4l2Source) Config() SourceConfig {
	return SourceConfig{
		Width:      s.req.Width,
		Height:     s.req.Height,
		FPS:        s.req.FPS,
		Format:     s.req.Format,
		SourceType: SourceTypeCamera,
	}
}
