package cv

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// MatchVerdict is the outcome of one template search. A fresh value is
// produced by every Locate call; Confidence is populated even when the
// template was not found so callers can log near misses.
type MatchVerdict struct {
	Found      bool
	Location   image.Point // top-left of the best match, valid only when Found
	Confidence float64     // best correlation observed, in [0,1]
}

// ErrInvalidInput is returned when Locate preconditions are violated.
// Callers must not retry without fixing the inputs.
var ErrInvalidInput = errors.New("cv: invalid input")

// Locate searches frame for template using grayscale normalized
// cross-correlation at a single scale and orientation. The global maximum
// correlation wins; when several positions tie exactly, the first one in
// raster order (row-major) is reported. The threshold is inclusive: a best
// score equal to threshold reports Found=true.
//
// A low-confidence result is a normal outcome, not an error; Locate never
// retries internally.
func Locate(frame, template *image.RGBA, threshold float64) (MatchVerdict, error) {
	if frame == nil || template == nil {
		return MatchVerdict{}, fmt.Errorf("%w: nil image", ErrInvalidInput)
	}
	if threshold < 0 || threshold > 1 {
		return MatchVerdict{}, fmt.Errorf("%w: threshold %.3f outside [0,1]", ErrInvalidInput, threshold)
	}

	fw, fh := frame.Bounds().Dx(), frame.Bounds().Dy()
	tw, th := template.Bounds().Dx(), template.Bounds().Dy()
	if fw == 0 || fh == 0 || tw == 0 || th == 0 {
		return MatchVerdict{}, fmt.Errorf("%w: empty image", ErrInvalidInput)
	}
	if tw > fw || th > fh {
		return MatchVerdict{}, fmt.Errorf("%w: template %dx%d larger than frame %dx%d",
			ErrInvalidInput, tw, th, fw, fh)
	}

	grayFrame := toGray(frame)
	grayTpl := toGray(template)

	// Template statistics are position-independent; compute them once.
	n := float64(tw * th)
	var sumT, sumTT float64
	for _, v := range grayTpl.pix {
		t := float64(v)
		sumT += t
		sumTT += t * t
	}
	denomT := math.Sqrt(sumTT - sumT*sumT/n)

	best := math.Inf(-1)
	var bestLoc image.Point

	for y := 0; y <= fh-th; y++ {
		for x := 0; x <= fw-tw; x++ {
			score := correlateAt(grayFrame, grayTpl, x, y, sumT, denomT, n)
			// Strict comparison keeps the first raster-order position on exact ties.
			if score > best {
				best = score
				bestLoc = image.Point{X: x, Y: y}
			}
		}
	}

	// Correlation is in [-1,1]; anti-correlated windows carry no confidence.
	confidence := best
	if confidence < 0 {
		confidence = 0
	}

	verdict := MatchVerdict{Confidence: confidence}
	if confidence >= threshold {
		verdict.Found = true
		verdict.Location = bestLoc
	}
	return verdict, nil
}

// grayImage is a single-channel intensity buffer scoped to one Locate call.
type grayImage struct {
	pix    []uint8
	width  int
	height int
}

func toGray(img *image.RGBA) *grayImage {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	g := &grayImage{pix: make([]uint8, w*h), width: w, height: h}

	for y := 0; y < h; y++ {
		rowIdx := (bounds.Min.Y+y)*img.Stride + bounds.Min.X*4
		for x := 0; x < w; x++ {
			idx := rowIdx + x*4
			r := int(img.Pix[idx])
			gr := int(img.Pix[idx+1])
			b := int(img.Pix[idx+2])
			// Luminance formula
			g.pix[y*w+x] = uint8((r*299 + gr*587 + b*114) / 1000)
		}
	}
	return g
}

// correlateAt computes the zero-mean normalized cross-correlation of the
// template against the frame window whose top-left corner is (x, y).
func correlateAt(frame, tpl *grayImage, x, y int, sumT, denomT, n float64) float64 {
	var sumF, sumFF, sumFT float64

	for ty := 0; ty < tpl.height; ty++ {
		frow := (y+ty)*frame.width + x
		trow := ty * tpl.width
		for tx := 0; tx < tpl.width; tx++ {
			f := float64(frame.pix[frow+tx])
			t := float64(tpl.pix[trow+tx])
			sumF += f
			sumFF += f * f
			sumFT += f * t
		}
	}

	numerator := sumFT - sumF*sumT/n
	denomF := math.Sqrt(sumFF - sumF*sumF/n)
	if denomF == 0 || denomT == 0 {
		// Flat window or flat template: correlation undefined, treat as none.
		return 0
	}
	return numerator / (denomF * denomT)
}
