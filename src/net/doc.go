// Package net implements the overlay transport: framed messages over a
// pluggable stream layer, connections keyed by peer ID once the identity
// preamble has been exchanged, and a consumer channel handing decoded
// messages to the node's dispatcher.
package net
