// Package icon renders tray badge icons for platforms that cannot show
// title text next to the tray icon (Linux, Windows).
//
// A badge is a filled shape with the compact count drawn in white:
//   - OK: green circle
//   - Loading: gray circle
//   - Error: red square (shape differs for color-blind users)
//   - Needs configuration: blue square
//
// Generated icons are 48×48 pixels for optimal display on KDE and GNOME.
package icon

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
	"unicode/utf8"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomonobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// Size is the standard system tray icon size (48×48 for KDE/GNOME).
const Size = 48

// maxRunes is the longest text drawn on a badge, e.g. "1.2k".
const maxRunes = 4

// Status selects the badge color and shape.
type Status int

// Badge statuses.
const (
	OK Status = iota
	Loading
	Error
	Configure
)

var (
	green = color.RGBA{40, 167, 69, 255}
	gray  = color.RGBA{108, 117, 125, 255}
	red   = color.RGBA{220, 53, 69, 255}
	blue  = color.RGBA{13, 110, 253, 255}
	white = color.RGBA{255, 255, 255, 255}
)

func (s Status) fill() color.RGBA {
	switch s {
	case Loading:
		return gray
	case Error:
		return red
	case Configure:
		return blue
	default:
		return green
	}
}

// Badge renders text on a badge for status as PNG.
// Text longer than four characters is truncated.
func Badge(text string, status Status) ([]byte, error) {
	if utf8.RuneCountInString(text) > maxRunes {
		text = string([]rune(text)[:maxRunes])
	}

	img := image.NewRGBA(image.Rect(0, 0, Size, Size))
	switch status {
	case Error, Configure:
		drawSquare(img, status.fill(), text)
	default:
		drawCircle(img, status.fill(), text)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func drawCircle(img *image.RGBA, fill color.RGBA, text string) {
	radius := float64(Size) / 2
	for py := range Size {
		for px := range Size {
			dx := float64(px) - radius + 0.5
			dy := float64(py) - radius + 0.5
			if math.Sqrt(dx*dx+dy*dy) <= radius {
				img.Set(px, py, fill)
			}
		}
	}
	drawBoldText(img, text, Size/2, Size/2)
}

func drawSquare(img *image.RGBA, fill color.RGBA, text string) {
	for py := range Size {
		for px := range Size {
			img.Set(px, py, fill)
		}
	}
	drawBoldText(img, text, Size/2, Size/2)
}

// fontSize shrinks the font so longer counts still fit the badge.
func fontSize(text string) float64 {
	switch utf8.RuneCountInString(text) {
	case 0, 1:
		return 32
	case 2:
		return 24
	case 3:
		return 17
	default:
		return 13
	}
}

var boldFont = sync.OnceValues(func() (*opentype.Font, error) {
	return opentype.Parse(gomonobold.TTF)
})

// drawBoldText renders centered text using Go's monospace bold font.
func drawBoldText(img *image.RGBA, text string, centerX, centerY int) {
	if text == "" {
		return
	}
	face, err := boldFont()
	if err != nil {
		return // badge without text
	}
	fontFace, err := opentype.NewFace(face, &opentype.FaceOptions{
		Size: fontSize(text),
		DPI:  72,
	})
	if err != nil {
		return
	}
	defer fontFace.Close() //nolint:errcheck // Close error is not critical for rendering

	bounds, advance := font.BoundString(fontFace, text)
	visualCenter := (bounds.Max.Y + bounds.Min.Y) / 2
	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(white),
		Face: fontFace,
		Dot:  fixed.Point26_6{X: fixed.I(centerX - advance.Ceil()/2), Y: fixed.I(centerY) - visualCenter},
	}
	drawer.DrawString(text)
}

const cacheLimit = 100

type badgeKey struct {
	text   string
	status Status
}

// Cache memoizes rendered badges. It is reset wholesale once it holds
// cacheLimit entries.
type Cache struct {
	icons map[badgeKey][]byte
	mu    sync.RWMutex
}

// NewCache creates an empty badge cache.
func NewCache() *Cache {
	return &Cache{icons: make(map[badgeKey][]byte)}
}

// Lookup returns a cached badge.
func (c *Cache) Lookup(text string, status Status) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.icons[badgeKey{text, status}]
	return data, ok
}

// Put stores a rendered badge.
func (c *Cache) Put(text string, status Status, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.icons) >= cacheLimit {
		clear(c.icons)
	}
	c.icons[badgeKey{text, status}] = data
}

// Render returns the cached badge for text and status, rendering it on a miss.
func (c *Cache) Render(text string, status Status) ([]byte, error) {
	if data, ok := c.Lookup(text, status); ok {
		return data, nil
	}
	data, err := Badge(text, status)
	if err != nil {
		return nil, err
	}
	c.Put(text, status, data)
	return data, nil
}
