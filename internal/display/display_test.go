package display

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"golang.org/x/image/font/basicfont"
)

type recordingPanel struct {
	mu     sync.Mutex
	frames int
	err    error
	last   image.Image
}

func (p *recordingPanel) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.frames++
	p.last = src
	return nil
}

func (p *recordingPanel) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func lit(img *image.Gray) int {
	n := 0
	for _, v := range img.Pix {
		if v >= 0x80 {
			n++
		}
	}
	return n
}

func TestDrawTextAndClear(t *testing.T) {
	is := is.New(t)
	s := NewScreen(&recordingPanel{}, Width, Height)

	is.Equal(lit(s.Frame()), 0)

	s.DrawText("hello", image.Pt(0, 0))
	is.True(lit(s.Frame()) > 0)

	s.Clear()
	is.Equal(lit(s.Frame()), 0)
}

func TestWrap(t *testing.T) {
	is := is.New(t)
	face := basicfont.Face7x13

	is.Equal(wrap(face, "", Width), []string(nil))
	is.Equal(wrap(face, "short", Width), []string{"short"})
	is.Equal(wrap(face, "nowtime: 2024-01-02 03:04:05", Width), []string{"nowtime:", "2024-01-02", "03:04:05"})
}

func TestMirrorRendersUTC(t *testing.T) {
	is := is.New(t)
	panel := &recordingPanel{}
	s := NewScreen(panel, Width, Height)

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("CST", 8*3600))
	m := NewMirror(s, fixedClock{at}, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	is.Equal(at.UTC().Format(TimeFormat), "nowtime: 2024-01-01 19:04:05")
	is.NoErr(m.Render())
	is.Equal(panel.count(), 1)
	is.True(lit(s.Frame()) > 0)
}

func TestMirrorStopsOnFlushFailure(t *testing.T) {
	panel := &recordingPanel{err: errors.New("i2c nack")}
	s := NewScreen(panel, Width, Height)
	m := NewMirror(s, fixedClock{time.Unix(0, 0)}, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := m.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "i2c nack") {
		t.Fatalf("Run() error = %v, want flush failure", err)
	}
}

func TestMirrorRejectsZeroInterval(t *testing.T) {
	panel := &recordingPanel{}
	s := NewScreen(panel, Width, Height)
	m := NewMirror(s, fixedClock{time.Unix(0, 0)}, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := m.Run(context.Background()); !errors.Is(err, ErrInterval) {
		t.Fatalf("Run() error = %v, want ErrInterval", err)
	}
	if panel.count() != 0 {
		t.Fatal("frame flushed with invalid interval")
	}
}

func TestMirrorReturnsNilOnCancel(t *testing.T) {
	panel := &recordingPanel{}
	s := NewScreen(panel, Width, Height)
	m := NewMirror(s, fixedClock{time.Unix(0, 0)}, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if panel.count() == 0 {
		t.Fatal("no frames flushed")
	}
}

func TestConsoleRendersFrame(t *testing.T) {
	var buf bytes.Buffer
	s := NewScreen(NewConsole(&buf), 16, 4)
	for i := 0; i < 16; i++ {
		s.img.Pix[i] = 0xFF
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	out := strings.TrimPrefix(buf.String(), "\x1b[H")
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4", len(lines))
	}
	if lines[0] != strings.Repeat("#", 16) || lines[1] != strings.Repeat(" ", 16) {
		t.Fatalf("unexpected frame:\n%s", out)
	}
}
