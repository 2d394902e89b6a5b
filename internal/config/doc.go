// Package config holds router configuration and parses node lists given on
// the command line.
package config
