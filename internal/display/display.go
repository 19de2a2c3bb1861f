// Package display renders text into a monochrome frame buffer and pushes it to a
// panel.
package display

import (
	"bufio"
	"image"
	"image/color"
	"io"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Panel size of the 0.96" SSD1306 modules the agent targets.
const (
	Width  = 128
	Height = 64
)

// Panel receives a full frame on every flush. periph.io's ssd1306.Dev satisfies it.
type Panel interface {
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
}

// Screen is a frame buffer bound to a panel.
type Screen struct {
	panel Panel
	face  font.Face

	mu  sync.Mutex
	img *image.Gray
}

// NewScreen returns a cleared width x height buffer flushing to panel.
func NewScreen(panel Panel, width, height int) *Screen {
	return &Screen{
		panel: panel,
		face:  basicfont.Face7x13,
		img:   image.NewGray(image.Rect(0, 0, width, height)),
	}
}

// Clear turns every pixel off.
func (s *Screen) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.img.Pix {
		s.img.Pix[i] = 0
	}
}

// DrawText draws text with its top-left corner at at, wrapping on spaces at the right
// edge. Lines that fall below the bottom edge are clipped.
func (s *Screen) DrawText(text string, at image.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.face.Metrics()
	ascent := m.Ascent.Ceil()
	lineHeight := m.Height.Ceil()
	width := s.img.Bounds().Dx() - at.X

	d := &font.Drawer{Dst: s.img, Src: image.NewUniform(color.Gray{Y: 0xFF}), Face: s.face}
	for i, line := range wrap(s.face, text, width) {
		d.Dot = fixed.P(at.X, at.Y+i*lineHeight+ascent)
		d.DrawString(line)
	}
}

// Flush pushes the whole frame to the panel.
func (s *Screen) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.panel.Draw(s.img.Bounds(), s.img, image.Point{})
}

// Frame returns a copy of the current frame.
func (s *Screen) Frame() *image.Gray {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := image.NewGray(s.img.Bounds())
	copy(out.Pix, s.img.Pix)
	return out
}

func wrap(face font.Face, text string, width int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var lines []string
	line := words[0]
	for _, w := range words[1:] {
		candidate := line + " " + w
		if font.MeasureString(face, candidate).Ceil() > width {
			lines = append(lines, line)
			line = w
			continue
		}
		line = candidate
	}
	return append(lines, line)
}

// Console renders frames as text art, one character per pixel.
type Console struct {
	w io.Writer
}

// NewConsole returns a panel writing frames to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	bw := bufio.NewWriter(c.w)
	_, _ = bw.WriteString("\x1b[H")
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < r.Dx(); x++ {
			g := color.GrayModel.Convert(src.At(sp.X+x, sp.Y+y)).(color.Gray)
			if g.Y >= 0x80 {
				_ = bw.WriteByte('#')
			} else {
				_ = bw.WriteByte(' ')
			}
		}
		_ = bw.WriteByte('\n')
	}
	return bw.Flush()
}
