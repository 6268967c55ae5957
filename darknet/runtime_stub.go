//go:build !(cgo && darknet)

package darknet

// DefaultRuntime stands in for the darknet C library when the binary is
// built without cgo or without the darknet build tag. It loads nothing, so
// Load reports an *InternalError.
var DefaultRuntime Runtime = unavailableRuntime{}

type unavailableRuntime struct{}

func (unavailableRuntime) LoadNetwork(string, string, bool) ForeignNetwork { return nil }
