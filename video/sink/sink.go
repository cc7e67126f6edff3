package sink

// Sink receives encoded JPEG frames of a live stream, such as a preview page.
type Sink interface {
	// Active reports whether anyone is consuming frames. Producers may skip
	// encoding while it is false.
	Active() bool

	// Put publishes a frame. The sink copies what it keeps, so the caller may
	// reuse jpeg afterwards.
	Put(jpeg []byte)
}
