// Package demo provides small example services and the named catalogs
// that scenario files run against.
//
// Actions are decoded from scenario arguments by kind with Decode. A
// Catalog installs fresh service instances into a Dispatcher, so every
// scenario run starts from initial state.
package demo
