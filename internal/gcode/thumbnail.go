package gcode

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

// Thumbnail resolution the touchscreen preview expects.
const (
	ThumbnailWidth  = 240
	ThumbnailHeight = 160
)

// encodeThumbnail scales an image onto the 240x160 canvas (aspect preserved,
// centered, transparent margins), PNG-encodes it and returns it as base64.
func encodeThumbnail(src image.Image) (string, error) {
	dst := image.NewRGBA(image.Rect(0, 0, ThumbnailWidth, ThumbnailHeight))

	srcBounds := src.Bounds()
	if srcBounds.Dx() > 0 && srcBounds.Dy() > 0 {
		scale := float64(ThumbnailWidth) / float64(srcBounds.Dx())
		if s := float64(ThumbnailHeight) / float64(srcBounds.Dy()); s < scale {
			scale = s
		}
		newW := int(float64(srcBounds.Dx()) * scale)
		newH := int(float64(srcBounds.Dy()) * scale)
		if newW < 1 {
			newW = 1
		}
		if newH < 1 {
			newH = 1
		}
		offX := (ThumbnailWidth - newW) / 2
		offY := (ThumbnailHeight - newH) / 2
		target := image.Rect(offX, offY, offX+newW, offY+newH)
		draw.ApproxBiLinear.Scale(dst, target, src, srcBounds, draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return "", fmt.Errorf("png encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
