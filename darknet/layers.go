package darknet

import "iter"

// Layers is a view over a network's ordered layer array. It borrows from the
// network: reads through it fail with ErrClosed once the network is closed.
type Layers struct {
	net *Network
	n   int
}

// Len returns the number of layers.
func (ls Layers) Len() int { return ls.n }

// At returns layer i, or false if i is out of range.
func (ls Layers) At(i int) (Layer, bool) {
	if i < 0 || i >= ls.n {
		return Layer{}, false
	}
	return Layer{net: ls.net, index: i}, true
}

// All yields the layers in order.
func (ls Layers) All() iter.Seq2[int, Layer] {
	return func(yield func(int, Layer) bool) {
		for i := 0; i < ls.n; i++ {
			if !yield(i, Layer{net: ls.net, index: i}) {
				return
			}
		}
	}
}

// Layer is a view of one entry in a network's layer array.
type Layer struct {
	net   *Network
	index int
}

// Index returns the layer's position in the network.
func (l Layer) Index() int { return l.index }

// Info reads the layer's fields.
func (l Layer) Info() (LayerInfo, error) {
	if l.net == nil {
		return LayerInfo{}, ErrClosed
	}
	return l.net.readLayer(l.index)
}

// Classes returns the layer's class count.
func (l Layer) Classes() (int, error) {
	info, err := l.Info()
	return info.Classes, err
}

// NMSKind returns the NMS variant the layer is configured with.
func (l Layer) NMSKind() (NMSKind, error) {
	info, err := l.Info()
	return info.NMSKind, err
}

// BetaNMS returns the beta parameter of DIoU NMS.
func (l Layer) BetaNMS() (float32, error) {
	info, err := l.Info()
	return info.BetaNMS, err
}
