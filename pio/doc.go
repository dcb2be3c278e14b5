// Package pio has common i/o functions used by the parser, the temporary file
// manager and the command.
package pio
