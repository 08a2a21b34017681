package flarebypass

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pageWhite  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	widgetGray = color.RGBA{R: 200, G: 200, B: 200, A: 255}
)

// widgetPage draws a gray widget on a white page with an optional white
// checkbox cut into it.
func widgetPage(widget, checkbox image.Rectangle) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 800, 600))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: pageWhite}, image.Point{}, draw.Src)
	draw.Draw(img, widget, &image.Uniform{C: widgetGray}, image.Point{}, draw.Src)
	if !checkbox.Empty() {
		draw.Draw(img, checkbox, &image.Uniform{C: pageWhite}, image.Point{}, draw.Src)
	}
	return img
}

var (
	testWidget   = image.Rect(100, 100, 400, 180)
	testCheckbox = image.Rect(120, 125, 144, 149)
)

func assertInCheckbox(t *testing.T, p image.Point) {
	t.Helper()
	// The mask cleanup moves the checkbox edges by one pixel.
	area := image.Rect(testCheckbox.Min.X-1, testCheckbox.Min.Y-1, testCheckbox.Max.X+1, testCheckbox.Max.Y+1)
	assert.True(t, p.In(area), "point %v outside checkbox %v", p, testCheckbox)
}

func TestLocateClickPoint(t *testing.T) {
	img := widgetPage(testWidget, testCheckbox)

	p, ok := NewClickPointLocator(1).Locate(img)
	require.True(t, ok)
	assertInCheckbox(t, p)
}

func TestLocateClickPointSeeded(t *testing.T) {
	img := widgetPage(testWidget, testCheckbox)

	a, ok := NewClickPointLocator(7).Locate(img)
	require.True(t, ok)
	b, ok := NewClickPointLocator(7).Locate(img)
	require.True(t, ok)
	assert.Equal(t, a, b)

	l := NewClickPointLocator(7)
	for i := 0; i < 50; i++ {
		p, ok := l.Locate(img)
		require.True(t, ok)
		assertInCheckbox(t, p)
	}
}

func TestLocateClickPointSubImage(t *testing.T) {
	img := widgetPage(testWidget, testCheckbox)
	sub := img.SubImage(image.Rect(50, 50, 750, 550))

	p, ok := NewClickPointLocator(1).Locate(sub)
	require.True(t, ok)
	assertInCheckbox(t, p)
}

func TestLocateClickPointNone(t *testing.T) {
	tests := []struct {
		name string
		img  image.Image
	}{
		{name: "blank page", img: widgetPage(image.Rectangle{}, image.Rectangle{})},
		{name: "widget without checkbox", img: widgetPage(testWidget, image.Rectangle{})},
		{name: "hole too large", img: widgetPage(testWidget, image.Rect(120, 110, 200, 170))},
		{name: "hole too small", img: widgetPage(testWidget, image.Rect(120, 125, 128, 133))},
		{name: "empty image", img: image.NewRGBA(image.Rectangle{})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := NewClickPointLocator(1).Locate(tt.img)
			assert.False(t, ok)
		})
	}
}
