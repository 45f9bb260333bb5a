package client

// ChunkSink consumes text fragments as they arrive.
type ChunkSink interface {
	OnChunk(fragment string) error
}

// SinkFunc adapts a function to ChunkSink.
type SinkFunc func(fragment string) error

// OnChunk calls f(fragment).
func (f SinkFunc) OnChunk(fragment string) error {
	return f(fragment)
}

// Discard is a sink that drops every fragment.
var Discard ChunkSink = SinkFunc(func(string) error { return nil })
