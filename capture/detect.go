package capture

// H.264 NAL unit types used for keyframe detection (ITU-T H.264 Table 7-1).
const (
	nalTypeSlice = 1
	nalTypeIDR   = 5
	nalTypeSEI   = 6
	nalTypeSPS   = 7
	nalTypePPS   = 8
	nalTypeAUD   = 9
)

// DetectVideoCodec guesses the codec of a single access unit.
// Returns VideoCodecUnknown if the codec cannot be determined.
func DetectVideoCodec(data []byte) VideoCodec {
	if len(data) < 4 {
		return VideoCodecUnknown
	}
	if startCodeLen(data) > 0 {
		if t := nalType(data[startCodeLen(data):]); (t >= 1 && t <= 12) || (t >= 19 && t <= 21) {
			return VideoCodecH264
		}
	}
	if isVP8Keyframe(data) {
		return VideoCodecVP8
	}
	if (data[0]>>6)&0x03 == 0x02 {
		return VideoCodecVP9
	}
	return VideoCodecUnknown
}

// DetectFrameType inspects the bitstream for a keyframe marker.
func DetectFrameType(codec VideoCodec, data []byte) FrameType {
	var key bool
	switch codec {
	case VideoCodecH264:
		key = isH264Keyframe(data)
	case VideoCodecVP8:
		key = isVP8Keyframe(data)
	case VideoCodecVP9:
		key = isVP9Keyframe(data)
	default:
		return FrameTypeUnknown
	}
	if key {
		return FrameTypeKey
	}
	return FrameTypeDelta
}

// startCodeLen returns 4 or 3 for an Annex-B start code at data[0], else 0.
func startCodeLen(data []byte) int {
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return 4
	}
	if len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return 3
	}
	return 0
}

func nalType(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & 0x1F
}

// SplitAnnexB returns the NAL units of an Annex-B access unit without start codes.
func SplitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	start := -1
	for i := 0; i+2 < len(data); {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if start >= 0 {
				end := i
				if end > start && data[end-1] == 0 {
					end--
				}
				if end > start {
					nalus = append(nalus, data[start:end])
				}
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(data) {
		nalus = append(nalus, data[start:])
	}
	return nalus
}

// isH264Keyframe reports whether the access unit contains an IDR slice or SPS.
func isH264Keyframe(data []byte) bool {
	for _, nalu := range SplitAnnexB(data) {
		switch nalType(nalu) {
		case nalTypeIDR, nalTypeSPS:
			return true
		}
	}
	return false
}

// isVP8Keyframe checks the frame tag (RFC 6386 Section 9.1): bit 0 clear
// plus the 0x9D 0x01 0x2A start code.
func isVP8Keyframe(data []byte) bool {
	if len(data) < 10 {
		return false
	}
	if data[0]&0x01 != 0 {
		return false
	}
	return data[3] == 0x9D && data[4] == 0x01 && data[5] == 0x2A
}

// isVP9Keyframe parses the start of the uncompressed header:
// frame_marker(2) profile_low(1) profile_high(1) [reserved(1) if profile 3]
// show_existing_frame(1) frame_type(1), where frame_type 0 is KEY_FRAME.
func isVP9Keyframe(data []byte) bool {
	if len(data) < 1 {
		return false
	}
	b := data[0]
	if (b>>6)&0x03 != 0x02 {
		return false
	}
	profile := (b>>5)&0x01 | ((b>>4)&0x01)<<1
	bit := 3
	if profile == 3 {
		bit--
	}
	if (b>>bit)&0x01 == 1 {
		return false
	}
	bit--
	return (b>>bit)&0x01 == 0
}
