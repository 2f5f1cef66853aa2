package views

// SurfaceSpec describes a surface the manager asks the host to create.
type SurfaceSpec struct {
	Ref       Ref
	Kind      Kind
	Partition string
	URL       string
}

// Surface is the host side of one content context.
type Surface interface {
	Load(url string) error
	URL() string
	Title() string
	SetBounds(Rect) error
	Show() error
	Hide() error
	SetZoom(factor float64) error
	Destroy() error
}

// Host creates surfaces and manages storage partitions. Navigation, title and
// new-window signals from a surface are delivered by the host implementation
// to whatever event sink it was built with, tagged with SurfaceSpec.Ref.
// Open is called with the registry locked: it should create the surface and
// start navigating to SurfaceSpec.URL without waiting for the load.
type Host interface {
	Open(spec SurfaceSpec) (Surface, error)
	ClearPartition(partition string) error
}
