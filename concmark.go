// ABOUTME: Root concmark package providing version information and package documentation
// ABOUTME: Points at the marking, graph and heapdump packages that make up the marker

// Package concmark is a concurrent tri-color heap marker modeled on a
// JavaScript engine's background marking. Heaps are built with package
// graph or loaded from snapshots with package heapdump, and marked with
// marking.Collector.
package concmark

// Version is the semantic version of concmark
const Version = "0.1.0-dev"
