/*
Package app wires the command-line surface together: configuration
validation, logger construction, program loading, rebuilding, and optional
execution. The reconstruction core never depends on this package.
*/
package app
