// Package contracts defines the wire-level message types exchanged over the
// broker. Producers and consumers in any language agree on these shapes, so
// changes here are breaking changes for every peer.
package contracts
