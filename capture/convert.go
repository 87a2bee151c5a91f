package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
)

// frameConverter turns captured frames into I420 for a raw encoder.
type frameConverter func(*VideoFrame) (*VideoFrame, error)

func converterFor(format PixelFormat) (frameConverter, error) {
	switch format {
	case PixelFormatI420:
		return nil, nil
	case PixelFormatYUYV:
		return yuyvToI420, nil
	case PixelFormatNV12:
		return nv12ToI420, nil
	case PixelFormatMJPEG:
		return mjpegToI420, nil
	}
	return nil, fmt.Errorf("%w: no converter from %s to I420", ErrUnsupportedFormat, format)
}

func newI420Frame(src *VideoFrame, width, height int) *VideoFrame {
	cw, ch := (width+1)/2, (height+1)/2
	buf := make([]byte, I420Size(width, height))
	ySize := width * height
	return &VideoFrame{
		Data:      [][]byte{buf[:ySize], buf[ySize : ySize+cw*ch], buf[ySize+cw*ch:]},
		Stride:    []int{width, cw, cw},
		Width:     width,
		Height:    height,
		Format:    PixelFormatI420,
		Timestamp: src.Timestamp,
		Duration:  src.Duration,
	}
}

func yuyvToI420(src *VideoFrame) (*VideoFrame, error) {
	w, h := src.Width, src.Height
	stride := w * 2
	if len(src.Stride) > 0 && src.Stride[0] > 0 {
		stride = src.Stride[0]
	}
	if len(src.Data) == 0 {
		return nil, fmt.Errorf("yuyv frame has no data")
	}
	if len(src.Data[0]) < stride*(h-1)+w*2 {
		return nil, fmt.Errorf("yuyv frame too short: %d bytes for %dx%d", len(src.Data[0]), w, h)
	}
	in := src.Data[0]
	dst := newI420Frame(src, w, h)
	yp, up, vp := dst.Data[0], dst.Data[1], dst.Data[2]
	cw := dst.Stride[1]

	for y := 0; y < h; y++ {
		row := in[y*stride:]
		for x := 0; x+1 < w; x += 2 {
			yp[y*w+x] = row[x*2]
			yp[y*w+x+1] = row[x*2+2]
			if y%2 == 0 {
				up[(y/2)*cw+x/2] = row[x*2+1]
				vp[(y/2)*cw+x/2] = row[x*2+3]
			}
		}
	}
	return dst, nil
}

func nv12ToI420(src *VideoFrame) (*VideoFrame, error) {
	w, h := src.Width, src.Height
	if len(src.Data) < 2 {
		return nil, fmt.Errorf("nv12 frame needs 2 planes, got %d", len(src.Data))
	}
	dst := newI420Frame(src, w, h)
	for y := 0; y < h; y++ {
		copy(dst.Data[0][y*w:(y+1)*w], src.Data[0][y*src.Stride[0]:])
	}
	cw, ch := dst.Stride[1], (h+1)/2
	for y := 0; y < ch; y++ {
		row := src.Data[1][y*src.Stride[1]:]
		for x := 0; x < cw; x++ {
			dst.Data[1][y*cw+x] = row[x*2]
			dst.Data[2][y*cw+x] = row[x*2+1]
		}
	}
	return dst, nil
}

func mjpegToI420(src *VideoFrame) (*VideoFrame, error) {
	if len(src.Data) == 0 || len(src.Data[0]) == 0 {
		return nil, fmt.Errorf("empty mjpeg frame")
	}
	img, err := jpeg.Decode(bytes.NewReader(src.Data[0]))
	if err != nil {
		return nil, fmt.Errorf("decode mjpeg: %w", err)
	}
	b := img.Bounds()
	dst := newI420Frame(src, b.Dx(), b.Dy())

	ycc, ok := img.(*image.YCbCr)
	if ok && (ycc.SubsampleRatio == image.YCbCrSubsampleRatio420 || ycc.SubsampleRatio == image.YCbCrSubsampleRatio422) {
		copyYCbCr(dst, ycc)
		return dst, nil
	}
	copyGeneric(dst, img)
	return dst, nil
}

// copyYCbCr handles the 4:2:0 and 4:2:2 layouts webcams emit; 4:2:2 chroma
// rows are decimated vertically.
func copyYCbCr(dst *VideoFrame, src *image.YCbCr) {
	w, h := dst.Width, dst.Height
	for y := 0; y < h; y++ {
		copy(dst.Data[0][y*w:(y+1)*w], src.Y[y*src.YStride:y*src.YStride+w])
	}
	cw, ch := dst.Stride[1], (h+1)/2
	rowStep := 1
	if src.SubsampleRatio == image.YCbCrSubsampleRatio422 {
		rowStep = 2
	}
	for y := 0; y < ch; y++ {
		off := y * rowStep * src.CStride
		copy(dst.Data[1][y*cw:(y+1)*cw], src.Cb[off:off+cw])
		copy(dst.Data[2][y*cw:(y+1)*cw], src.Cr[off:off+cw])
	}
}

func copyGeneric(dst *VideoFrame, img image.Image) {
	b := img.Bounds()
	w := dst.Width
	cw := dst.Stride[1]
	for y := 0; y < dst.Height; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			yy, cb, cr := color.RGBToYCbCr(uint8(r>>8), uint8(g>>8), uint8(bl>>8))
			dst.Data[0][y*w+x] = yy
			if x%2 == 0 && y%2 == 0 {
				dst.Data[1][(y/2)*cw+x/2] = cb
				dst.Data[2][(y/2)*cw+x/2] = cr
			}
		}
	}
}

// encodeJPEG compresses an I420 frame as a baseline JPEG.
func encodeJPEG(frame *VideoFrame, quality int) ([]byte, error) {
	img := &image.YCbCr{
		Y:              frame.Data[0],
		Cb:             frame.Data[1],
		Cr:             frame.Data[2],
		YStride:        frame.Stride[0],
		CStride:        frame.Stride[1],
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, frame.Width, frame.Height),
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
