package mjpeg

import (
	"fmt"
	"io"

	"github.com/gin-gonic/gin"
)

const boundary = "FRAME"

// FrameSource hands out per-viewer subscriptions to complete JPEG frames.
type FrameSource interface {
	Subscribe() (<-chan []byte, func())
}

// StreamHandler serves a multipart/x-mixed-replace stream of JPEG frames.
// Each viewer gets its own subscription; a viewer disconnecting only ends
// its own loop and never disturbs the producer or other viewers.
func StreamHandler(src FrameSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		frames, unsubscribe := src.Subscribe()
		defer unsubscribe()

		c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
		c.Header("Cache-Control", "no-cache, private")
		c.Header("Pragma", "no-cache")

		w := c.Writer
		for {
			select {
			case <-c.Request.Context().Done():
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}
				if err := writePart(w, frame); err != nil {
					return
				}
				w.Flush()
			}
		}
	}
}

func writePart(w io.Writer, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
