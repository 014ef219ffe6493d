// Package node ties the overlay engine together: it consumes decoded
// messages from the transport, dispatches them to membership, routing,
// reliable messaging and data exchange, drives every periodic activity,
// and publishes engine events on a single subscription stream.
package node
