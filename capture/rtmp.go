package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"github.com/thesyncim/streamer/internal/logger"
)

func init() {
	RegisterDeviceProvider("rtmp", rtmpProvider{})
}

// rtmpProvider turns rtmp://host:port/app/key into a listening ingest
// endpoint. An encoder such as
//
//	ffmpeg -re -i in.mp4 -c:v libx264 -bf 0 -f flv rtmp://127.0.0.1:1935/live/cam
//
// publishing to that key becomes the frame source. Only H.264 is accepted.
type rtmpProvider struct{}

func (rtmpProvider) ListDevices(context.Context) ([]DeviceInfo, error) {
	return nil, nil
}

func (rtmpProvider) Open(_ context.Context, deviceID string, req OpenRequest) (VideoSource, error) {
	if req.Format != PixelFormatH264 {
		return nil, fmt.Errorf("%w: rtmp ingest only carries H264, requested %s", ErrUnsupportedFormat, req.Format)
	}
	u, err := url.Parse(deviceID)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: bad rtmp device %q", ErrInvalidConfig, deviceID)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "1935")
	}
	return &RTMPSource{
		addr:    host,
		key:     path.Base(u.Path),
		req:     req,
		frameCh: make(chan *VideoFrame, 30),
		closed:  make(chan struct{}),
	}, nil
}

// RTMPSource accepts one RTMP publisher and yields its H.264 access units in
// Annex-B form, with SPS/PPS prepended to every keyframe.
type RTMPSource struct {
	addr string
	key  string
	req  OpenRequest

	mu       sync.Mutex
	listener net.Listener
	server   *rtmp.Server
	start    time.Time
	sps, pps []byte

	frameCh chan *VideoFrame
	closed  chan struct{}
	once    sync.Once
}

// Addr returns the bound listen address once started.
func (s *RTMPSource) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *RTMPSource) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", ErrDeviceUnavailable, s.addr, err)
	}
	s.listener = ln
	s.start = time.Now()
	s.server = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{
				Handler: &rtmpIngestHandler{src: s},
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024,
				},
			}
		},
	})
	go func(srv *rtmp.Server) {
		_ = srv.Serve(ln)
	}(s.server)

	logger.Info("rtmp ingest listening", "addr", ln.Addr().String(), "key", s.key)
	return nil
}

func (s *RTMPSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	_ = s.server.Close()
	err := s.listener.Close()
	s.server = nil
	s.listener = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *RTMPSource) Close() error {
	err := s.Stop()
	s.once.Do(func() { close(s.closed) })
	return err
}

func (s *RTMPSource) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrSourceClosed
	case frame := <-s.frameCh:
		return frame, nil
	}
}

func (s *RTMPSource) Config() SourceConfig {
	return SourceConfig{
		Width:      s.req.Width,
		Height:     s.req.Height,
		FPS:        s.req.FPS,
		Format:     PixelFormatH264,
		SourceType: SourceTypeNetwork,
	}
}

// handleVideo parses an FLV video tag body.
func (s *RTMPSource) handleVideo(timestamp uint32, data []byte) {
	if len(data) < 5 {
		return
	}
	frameType := (data[0] >> 4) & 0x0F
	codecID := data[0] & 0x0F
	if codecID != 7 { // AVC
		return
	}

	avcType := data[1]
	avcData := data[5:]

	s.mu.Lock()
	defer s.mu.Unlock()
	switch avcType {
	case 0: // sequence header
		s.sps, s.pps = extractSPSPPS(avcData)
	case 1: // NALUs
		if s.sps == nil {
			return
		}
		nalus := parseAVCCNALUs(avcData)
		if len(nalus) == 0 {
			return
		}
		frame := &VideoFrame{
			Data:      [][]byte{buildAnnexB(nalus, s.sps, s.pps, frameType == 1)},
			Stride:    []int{0},
			Width:     s.req.Width,
			Height:    s.req.Height,
			Format:    PixelFormatH264,
			Timestamp: int64(timestamp) * int64(time.Millisecond),
		}
		select {
		case s.frameCh <- frame:
		default:
		}
	}
}

type rtmpIngestHandler struct {
	rtmp.DefaultHandler
	src      *RTMPSource
	accepted bool
}

func (h *rtmpIngestHandler) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	if h.src.key != "" && h.src.key != "." && h.src.key != "/" && cmd.PublishingName != h.src.key {
		return fmt.Errorf("unknown stream key %q", cmd.PublishingName)
	}
	h.accepted = true
	logger.Info("rtmp publisher connected", "key", cmd.PublishingName)
	return nil
}

func (h *rtmpIngestHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	if !h.accepted {
		return nil
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, payload); err != nil {
		return err
	}
	h.src.handleVideo(timestamp, buf.Bytes())
	return nil
}

func (h *rtmpIngestHandler) OnClose() {
	if h.accepted {
		logger.Info("rtmp publisher disconnected", "key", h.src.key)
	}
}

// extractSPSPPS reads the first SPS and PPS of an AVCDecoderConfigurationRecord.
func extractSPSPPS(data []byte) (sps, pps []byte) {
	if len(data) < 8 {
		return nil, nil
	}
	offset := 5
	numSPS := int(data[offset] & 0x1F)
	offset++
	for i := 0; i < numSPS && offset+2 <= len(data); i++ {
		n := int(data[offset])<<8 | int(data[offset+1])
		offset += 2
		if offset+n > len(data) {
			return nil, nil
		}
		if sps == nil {
			sps = append([]byte(nil), data[offset:offset+n]...)
		}
		offset += n
	}
	if offset >= len(data) {
		return sps, nil
	}
	numPPS := int(data[offset])
	offset++
	for i := 0; i < numPPS && offset+2 <= len(data); i++ {
		n := int(data[offset])<<8 | int(data[offset+1])
		offset += 2
		if offset+n > len(data) {
			break
		}
		if pps == nil {
			pps = append([]byte(nil), data[offset:offset+n]...)
		}
		offset += n
	}
	return sps, pps
}

// parseAVCCNALUs splits 4-byte length-prefixed NAL units.
func parseAVCCNALUs(data []byte) [][]byte {
	var nalus [][]byte
	for offset := 0; offset+4 <= len(data); {
		n := int(data[offset])<<24 | int(data[offset+1])<<16 | int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
		if n <= 0 || offset+n > len(data) {
			break
		}
		nalus = append(nalus, data[offset:offset+n])
		offset += n
	}
	return nalus
}

func buildAnnexB(nalus [][]byte, sps, pps []byte, isKey bool) []byte {
	sc := []byte{0, 0, 0, 1}
	var out []byte
	if isKey && sps != nil && pps != nil {
		out = append(out, sc...)
		out = append(out, sps...)
		out = append(out, sc...)
		out = append(out, pps...)
	}
	for _, nalu := range nalus {
		out = append(out, sc...)
		out = append(out, nalu...)
	}
	return out
}
