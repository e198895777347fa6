package processing

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"time"

	_ "golang.org/x/image/tiff"
)

// Scene is one decoded source raster in the band order of a sensor profile.
// Values are raw digital numbers until Scale runs.
type Scene struct {
	ID         string
	AcquiredAt time.Time
	Width      int
	Height     int
	Bands      [][]float64
	Valid      []bool
}

// Pixels returns the number of pixels in the scene.
func (s Scene) Pixels() int { return s.Width * s.Height }

// DecodeScene decodes a TIFF, PNG or JPEG payload. Image channels map onto the
// profile bands in order (gray, or red/green/blue/alpha). When alpha is not
// consumed by a band, zero alpha marks the pixel invalid. Pixels equal to the
// profile's NoData value in every band are invalid too.
func DecodeScene(payload []byte, profile SensorProfile) (Scene, error) {
	img, format, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return Scene{}, fmt.Errorf("decode scene: %w", err)
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	gray := isGray(img)
	channels := 4
	if gray {
		channels = 1
	}
	if len(profile.Bands) > channels {
		return Scene{}, fmt.Errorf("decode scene: %s image has %d channels, sensor %s needs %d",
			format, channels, profile.ID, len(profile.Bands))
	}
	alphaIsBand := !gray && len(profile.Bands) == 4
	shift := uint(0)
	if is8Bit(img) {
		shift = 8
	}

	scene := Scene{
		Width:  w,
		Height: h,
		Bands:  make([][]float64, len(profile.Bands)),
		Valid:  make([]bool, w*h),
	}
	for b := range scene.Bands {
		scene.Bands[b] = make([]float64, w*h)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			raw := rawPixel(img, bounds.Min.X+x, bounds.Min.Y+y, gray)
			valid := alphaIsBand || raw[3] != 0
			allNoData := profile.NoData != nil
			for b := range scene.Bands {
				v := float64(raw[b] >> shift)
				scene.Bands[b][i] = v
				if allNoData && v != *profile.NoData {
					allNoData = false
				}
			}
			scene.Valid[i] = valid && !allNoData
		}
	}
	return scene, nil
}

// rawPixel returns 16-bit channel values without alpha premultiplication, so
// bands stored in fully transparent pixels keep their values.
func rawPixel(img image.Image, x, y int, gray bool) [4]uint32 {
	switch im := img.(type) {
	case *image.NRGBA:
		c := im.NRGBAAt(x, y)
		return [4]uint32{uint32(c.R) * 0x101, uint32(c.G) * 0x101, uint32(c.B) * 0x101, uint32(c.A) * 0x101}
	case *image.NRGBA64:
		c := im.NRGBA64At(x, y)
		return [4]uint32{uint32(c.R), uint32(c.G), uint32(c.B), uint32(c.A)}
	}
	c := img.At(x, y)
	if gray {
		g := color.Gray16Model.Convert(c).(color.Gray16)
		return [4]uint32{uint32(g.Y), 0, 0, 0xffff}
	}
	n := color.NRGBA64Model.Convert(c).(color.NRGBA64)
	return [4]uint32{uint32(n.R), uint32(n.G), uint32(n.B), uint32(n.A)}
}

func isGray(img image.Image) bool {
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		return true
	}
	return false
}

func is8Bit(img image.Image) bool {
	switch img.(type) {
	case *image.Gray16, *image.RGBA64, *image.NRGBA64:
		return false
	}
	return true
}
