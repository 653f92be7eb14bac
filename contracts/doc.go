// Package contracts defines the product entity, the product event that flows
// over the bus, and the error taxonomy shared by the store, the consumer loop
// and the request/reply gateway.
//
// A ProductEvent is a self-contained description of a state transition. It
// carries the full post-state of the product, except for DELETED where only
// the id is meaningful.
//
// Versions are of the form "v<positive integer>" and are produced only by
// NextVersion.
package contracts
