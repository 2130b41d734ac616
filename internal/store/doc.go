// Package store groups the coordination store backends behind
// crawler.Store: redis for shared fleet state and memory for single-process
// runs and tests. The storetest subpackage holds the conformance suite every
// backend runs against.
package store
