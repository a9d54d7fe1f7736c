// Package connections implements Core, a connection-lifecycle manager
// for outbound TCP connections.
//
// A Core owns every connection it opens.  Each connection moves
// strictly forward through
//
//	Pending → Connecting → Handshaking → Active → Draining → Closed
//
// and may drop to Failed from any non-terminal state.  All transitions
// happen inside Poll, which multiplexes readiness for every connection
// through one eventsource.Source and returns the events produced during
// that call.  Open, Send, Close and Stats may be called from any
// goroutine; they validate against the state published by the last
// Poll and hand their work to the poll goroutine through a command
// queue.
//
// A typical loop:
//
//	core, err := connections.New(config.DefaultCoreConfig())
//	...
//	h, err := core.Open(connections.Endpoint{Host: "example.com", Port: 80}, connections.ConnectionConfig{})
//	for {
//		events, err := core.Poll(100 * time.Millisecond)
//		...
//	}
package connections
