package framed

// ConnectResult describes the outcome of an asynchronous connect attempt.
// Exactly one result is delivered per DialAsync call.
type ConnectResult struct {
	// Connected reports whether the connection was established.
	Connected bool
	// Err holds the connect failure when Connected is false.
	Err error
}
