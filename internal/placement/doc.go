// Package placement resolves keys to owners and replica sets, with an
// optional zone-diverse policy for replica selection.
package placement
