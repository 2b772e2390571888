package mjpeg

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
)

// stubSource replays a fixed set of frames to every subscriber, then ends
// the subscription.
type stubSource struct {
	frames [][]byte

	mu     sync.Mutex
	unsubs int
}

func (s *stubSource) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, len(s.frames))
	for _, f := range s.frames {
		ch <- f
	}
	close(ch)
	return ch, func() {
		s.mu.Lock()
		s.unsubs++
		s.mu.Unlock()
	}
}

func newStreamServer(src FrameSource) *httptest.Server {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/stream", StreamHandler(src))
	return httptest.NewServer(router)
}

func TestStreamHandlerFramesParseAsMultipart(t *testing.T) {
	want := [][]byte{
		makeFrame(bytes.Repeat([]byte{0xAA}, 150)),
		makeFrame(bytes.Repeat([]byte{0xBB}, 250)),
	}
	src := &stubSource{frames: want}
	srv := newStreamServer(src)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := multipart.NewReader(resp.Body, boundary)
	for i, wantFrame := range want {
		part, err := reader.NextPart()
		if err != nil {
			t.Fatalf("part %d: %v", i, err)
		}
		if got := part.Header.Get("Content-Type"); got != "image/jpeg" {
			t.Errorf("part %d content type = %q", i, got)
		}
		if got := part.Header.Get("Content-Length"); got != fmt.Sprint(len(wantFrame)) {
			t.Errorf("part %d content length = %q, want %d", i, got, len(wantFrame))
		}
		body, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("part %d body: %v", i, err)
		}
		if !bytes.Equal(body, wantFrame) {
			t.Errorf("part %d not byte-identical to the published frame", i)
		}
	}
}

func TestStreamHandlerUnsubscribesOnDisconnect(t *testing.T) {
	src := &stubSource{frames: [][]byte{makeFrame(bytes.Repeat([]byte{0x11}, 120))}}
	srv := newStreamServer(src)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	src.mu.Lock()
	defer src.mu.Unlock()
	if src.unsubs != 1 {
		t.Errorf("expected exactly 1 unsubscribe after disconnect, got %d", src.unsubs)
	}
}
