// Package router is the library entry point: it ties the registry, placement
// engine, metrics collector and rebalance controller together behind one
// handle.
package router
