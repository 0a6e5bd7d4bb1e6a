package filter

type Filter interface {
	// Keep reports whether the chunk is passed on to the sinks
	Keep(chunk string) bool

	Name() string
}
