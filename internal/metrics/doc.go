// Package metrics holds the prometheus collectors shared by the engine
// components and the optional HTTP exposition endpoint.
package metrics
