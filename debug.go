package flarebypass

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
)

var markColor = color.RGBA{R: 255, A: 255}

// debugShot saves a screenshot (img, or a fresh one when nil) and the DOM
// into the debug directory. Failures are logged and otherwise ignored.
func (r *solveRun) debugShot(ctx context.Context, driver BrowserDriver, label string, img image.Image, mark *image.Point) {
	dir := r.s.debugDir
	if dir == "" {
		return
	}

	r.mu.Lock()
	n := r.shots
	r.shots++
	r.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.log.Debug().Err(err).Msg("Failed to create debug directory")
		return
	}
	base := filepath.Join(dir, fmt.Sprintf("%s_%02d_%s", r.id[:8], n, label))

	var err error
	if img != nil {
		err = writePNG(base+".png", img)
	} else {
		err = driver.SaveScreenshot(ctx, base+".png")
	}
	if err != nil {
		r.log.Debug().Err(err).Str("label", label).Msg("Failed to save screenshot")
	}

	if img != nil && mark != nil {
		if err := writePNG(base+"_mark.png", markPoint(img, *mark)); err != nil {
			r.log.Debug().Err(err).Msg("Failed to save marked screenshot")
		}
	}

	dom, err := driver.DOM(ctx)
	if err == nil {
		err = os.WriteFile(base+".html", []byte(dom), 0o644)
	}
	if err != nil {
		r.log.Debug().Err(err).Str("label", label).Msg("Failed to save DOM")
	}

	r.log.Debug().Str("file", base).Msg("Screenshot saved")
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// markPoint returns a copy of img with a ring of radius 5 around p.
func markPoint(img image.Image, p image.Point) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	for dy := -7; dy <= 7; dy++ {
		for dx := -7; dx <= 7; dx++ {
			d2 := dx*dx + dy*dy
			if d2 >= 16 && d2 <= 36 {
				out.Set(p.X+dx, p.Y+dy, markColor)
			}
		}
	}
	return out
}
