package darknet

// Image is the runtime's image layout: planar CHW float32 values in [0, 1].
type Image struct {
	Width    int
	Height   int
	Channels int
	Data     []float32
}

// NewImage allocates a zeroed image.
func NewImage(w, h, c int) *Image {
	return &Image{
		Width:    w,
		Height:   h,
		Channels: c,
		Data:     make([]float32, w*h*c),
	}
}

// validate reports an *ImageError unless every dimension is positive and
// Data holds exactly Width*Height*Channels values.
func (m *Image) validate() error {
	if m == nil {
		return &ImageError{}
	}
	if m.Width <= 0 || m.Height <= 0 || m.Channels <= 0 || len(m.Data) != m.Width*m.Height*m.Channels {
		return &ImageError{Width: m.Width, Height: m.Height, Channels: m.Channels, Len: len(m.Data)}
	}
	return nil
}

func (m *Image) index(x, y, c int) int {
	return c*m.Width*m.Height + y*m.Width + x
}

// At returns the value of channel c at (x, y).
func (m *Image) At(x, y, c int) float32 {
	return m.Data[m.index(x, y, c)]
}

// Set stores v in channel c at (x, y).
func (m *Image) Set(x, y, c int, v float32) {
	m.Data[m.index(x, y, c)] = v
}
