package flarebypass

import (
	"image"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"
)

const (
	colorTolerance   = 15
	minRectSide      = 6
	maxRectShare     = 0.5
	minRectFill      = 0.8
	dedupeGap        = 0.5
	minCheckboxRatio = 0.01
	maxCheckboxRatio = 0.05
	clickInset       = 2
)

// ClickPointLocator finds the verification checkbox in a page screenshot.
type ClickPointLocator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewClickPointLocator creates a locator whose click jitter is drawn from seed.
func NewClickPointLocator(seed int64) *ClickPointLocator {
	return &ClickPointLocator{rnd: rand.New(rand.NewSource(seed))}
}

var defaultLocator = NewClickPointLocator(time.Now().UnixNano())

// LocateClickPoint runs the default locator on img.
func LocateClickPoint(img image.Image) (image.Point, bool) {
	return defaultLocator.Locate(img)
}

type rectContour struct {
	bounds image.Rectangle
	area   int
}

// Locate returns a point inside the checkbox drawn on img. The checkbox is
// recognised as a small near-rectangular shape, between 1% and 5% of the
// area of an enclosing near-rectangular shape. The point is random inside
// the checkbox with a small inset, so repeated clicks do not land on the
// same pixel.
func (l *ClickPointLocator) Locate(img image.Image) (image.Point, bool) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return image.Point{}, false
	}

	rects := rectContours(img)
	sort.SliceStable(rects, func(i, j int) bool { return rects[i].area < rects[j].area })

	// One drawn rectangle usually yields two contours (outer border and hole)
	// of close area; keep only the first of each such run.
	var packed []rectContour
	for _, r := range rects {
		if len(packed) == 0 {
			packed = append(packed, r)
			continue
		}
		prev := packed[len(packed)-1]
		if math.Abs(float64(r.area-prev.area))/float64(r.area) > dedupeGap {
			packed = append(packed, r)
		}
	}

	for i := range packed {
		inner := packed[i]
		for _, outer := range packed[i+1:] {
			ratio := float64(inner.area) / float64(outer.area)
			if ratio <= minCheckboxRatio || ratio >= maxCheckboxRatio {
				continue
			}
			tl := inner.bounds.Min
			if tl.X < outer.bounds.Min.X || tl.X > outer.bounds.Max.X ||
				tl.Y < outer.bounds.Min.Y || tl.Y > outer.bounds.Max.Y {
				continue
			}
			return l.pointIn(inner.bounds).Add(b.Min), true
		}
	}
	return image.Point{}, false
}

func (l *ClickPointLocator) pointIn(r image.Rectangle) image.Point {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Inclusive [min+inset, min+size-inset] on each axis.
	x := r.Min.X + clickInset + l.rnd.Intn(r.Dx()-2*clickInset+1)
	y := r.Min.Y + clickInset + l.rnd.Intn(r.Dy()-2*clickInset+1)
	return image.Point{X: x, Y: y}
}

// rectContours returns the near-rectangular contours of img, in coordinates
// relative to img.Bounds().Min.
func rectContours(img image.Image) []rectContour {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	imageArea := float64(w * h)

	mask := foregroundMask(img)
	mask = mask.dilate().erode()

	var out []rectContour
	for _, c := range mask.contours() {
		rw, rh := c.bounds.Dx(), c.bounds.Dy()
		if rw < minRectSide || rh < minRectSide {
			continue
		}
		boxArea := rw * rh
		if float64(boxArea)/imageArea > maxRectShare {
			continue
		}
		if c.area/float64(boxArea) <= minRectFill {
			continue
		}
		out = append(out, rectContour{bounds: c.bounds, area: boxArea})
	}
	return out
}

// bitmap is a binary image; pixels outside the bounds read as unset.
type bitmap struct {
	w, h int
	pix  []bool
}

func newBitmap(w, h int) *bitmap {
	return &bitmap{w: w, h: h, pix: make([]bool, w*h)}
}

func (m *bitmap) at(x, y int) bool {
	if x < 0 || y < 0 || x >= m.w || y >= m.h {
		return false
	}
	return m.pix[y*m.w+x]
}

func (m *bitmap) set(x, y int) {
	m.pix[y*m.w+x] = true
}

// foregroundMask marks the pixels whose colour leaves the ±colorTolerance
// band around the dominant colour.
func foregroundMask(img image.Image) *bitmap {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	rgb := make([]uint32, w*h)
	counts := make(map[uint32]int)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := packedRGB(img, b.Min.X+x, b.Min.Y+y)
			rgb[y*w+x] = c
			counts[c]++
		}
	}

	var dominant uint32
	best := -1
	for c, n := range counts {
		if n > best || (n == best && c < dominant) {
			dominant, best = c, n
		}
	}

	mask := newBitmap(w, h)
	for i, c := range rgb {
		if !withinBand(c, dominant) {
			mask.pix[i] = true
		}
	}
	return mask
}

func packedRGB(img image.Image, x, y int) uint32 {
	switch im := img.(type) {
	case *image.RGBA:
		i := im.PixOffset(x, y)
		return uint32(im.Pix[i])<<16 | uint32(im.Pix[i+1])<<8 | uint32(im.Pix[i+2])
	case *image.NRGBA:
		i := im.PixOffset(x, y)
		return uint32(im.Pix[i])<<16 | uint32(im.Pix[i+1])<<8 | uint32(im.Pix[i+2])
	}
	r, g, bl, _ := img.At(x, y).RGBA()
	return (r>>8)<<16 | (g>>8)<<8 | bl>>8
}

func withinBand(c, ref uint32) bool {
	for shift := 0; shift <= 16; shift += 8 {
		d := int((c>>shift)&0xff) - int((ref>>shift)&0xff)
		if d < -colorTolerance || d > colorTolerance {
			return false
		}
	}
	return true
}

// dilate applies a 3x3 square structuring element.
func (m *bitmap) dilate() *bitmap {
	out := newBitmap(m.w, m.h)
	for y := 0; y < m.h; y++ {
		for x := 0; x < m.w; x++ {
			if m.at(x-1, y-1) || m.at(x, y-1) || m.at(x+1, y-1) ||
				m.at(x-1, y) || m.at(x, y) || m.at(x+1, y) ||
				m.at(x-1, y+1) || m.at(x, y+1) || m.at(x+1, y+1) {
				out.set(x, y)
			}
		}
	}
	return out
}

// erode applies a 2x2 element anchored at its bottom-right cell. The image
// border does not erode.
func (m *bitmap) erode() *bitmap {
	in := func(x, y int) bool {
		if x < 0 || y < 0 {
			return true
		}
		return m.at(x, y)
	}
	out := newBitmap(m.w, m.h)
	for y := 0; y < m.h; y++ {
		for x := 0; x < m.w; x++ {
			if in(x, y) && in(x-1, y) && in(x, y-1) && in(x-1, y-1) {
				out.set(x, y)
			}
		}
	}
	return out
}

type contour struct {
	bounds image.Rectangle
	area   float64
}

// contours returns the outer border of every 8-connected foreground
// component and the border of every hole (4-connected background region not
// touching the image edge). Components nested inside holes are included.
func (m *bitmap) contours() []contour {
	var out []contour

	fg := m.label(true, neighbours8)
	for _, start := range fg.starts {
		id := fg.at(start)
		pts := traceBorder(start, func(x, y int) bool { return fg.in(x, y, id) })
		out = append(out, newContour(pts))
	}

	bg := m.label(false, neighbours4)
	for i, start := range bg.starts {
		if bg.touchesEdge[i] {
			continue
		}
		id := bg.at(start)
		pts := traceBorder(start, func(x, y int) bool { return bg.in(x, y, id) })
		out = append(out, newContour(pts))
	}
	return out
}

var (
	neighbours4 = []image.Point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}
	neighbours8 = []image.Point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}, {1, 1}, {-1, -1}, {1, -1}, {-1, 1}}
)

type labels struct {
	w, h        int
	ids         []int32
	starts      []image.Point
	touchesEdge []bool
}

func (l *labels) at(p image.Point) int32 {
	return l.ids[p.Y*l.w+p.X]
}

func (l *labels) in(x, y int, id int32) bool {
	if x < 0 || y < 0 || x >= l.w || y >= l.h {
		return false
	}
	return l.ids[y*l.w+x] == id
}

// label numbers the connected regions of pixels equal to value. starts holds
// the first pixel of each region in raster order, which is its top-left-most.
func (m *bitmap) label(value bool, nb []image.Point) *labels {
	l := &labels{w: m.w, h: m.h, ids: make([]int32, m.w*m.h)}
	var stack []image.Point
	var next int32 = 1
	for y := 0; y < m.h; y++ {
		for x := 0; x < m.w; x++ {
			i := y*m.w + x
			if m.pix[i] != value || l.ids[i] != 0 {
				continue
			}
			id := next
			next++
			edge := false
			l.ids[i] = id
			stack = append(stack[:0], image.Point{X: x, Y: y})
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if p.X == 0 || p.Y == 0 || p.X == m.w-1 || p.Y == m.h-1 {
					edge = true
				}
				for _, d := range nb {
					q := p.Add(d)
					if q.X < 0 || q.Y < 0 || q.X >= m.w || q.Y >= m.h {
						continue
					}
					j := q.Y*m.w + q.X
					if m.pix[j] == value && l.ids[j] == 0 {
						l.ids[j] = id
						stack = append(stack, q)
					}
				}
			}
			l.starts = append(l.starts, image.Point{X: x, Y: y})
			l.touchesEdge = append(l.touchesEdge, edge)
		}
	}
	return l
}

// Neighbour directions in rotational order: E, NE, N, NW, W, SW, S, SE.
var traceDirs = [8]image.Point{{1, 0}, {1, -1}, {0, -1}, {-1, -1}, {-1, 0}, {-1, 1}, {0, 1}, {1, 1}}

func dirIndex(d image.Point) int {
	for i, v := range traceDirs {
		if v == d {
			return i
		}
	}
	return 0
}

// traceBorder follows the outer border of the region containing start,
// which must be the region's first pixel in raster order.
func traceBorder(start image.Point, in func(x, y int) bool) []image.Point {
	pts := []image.Point{start}

	// The west neighbour of start is outside the region; turn from it the
	// other way round until a region pixel is met.
	var first image.Point
	found := false
	for k := 0; k < 8; k++ {
		q := start.Add(traceDirs[(4-k+8)%8])
		if in(q.X, q.Y) {
			first, found = q, true
			break
		}
	}
	if !found {
		return pts
	}

	prev, cur := first, start
	for limit := 0; limit < 1<<26; limit++ {
		d := dirIndex(prev.Sub(cur))
		var next image.Point
		for k := 1; k <= 8; k++ {
			q := cur.Add(traceDirs[(d+k)%8])
			if in(q.X, q.Y) {
				next = q
				break
			}
		}
		if next == start && cur == first {
			break
		}
		prev, cur = cur, next
		pts = append(pts, cur)
	}
	return pts
}

func newContour(pts []image.Point) contour {
	minX, minY := pts[0].X, pts[0].Y
	maxX, maxY := minX, minY
	var twice int
	for i, p := range pts {
		q := pts[(i+1)%len(pts)]
		twice += p.X*q.Y - q.X*p.Y
		minX = min(minX, p.X)
		minY = min(minY, p.Y)
		maxX = max(maxX, p.X)
		maxY = max(maxY, p.Y)
	}
	return contour{
		bounds: image.Rect(minX, minY, maxX+1, maxY+1),
		area:   math.Abs(float64(twice)) / 2,
	}
}
