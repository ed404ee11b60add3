// Package ipc provides JSON-RPC daemon control over a Unix domain socket
// for the recap command line client.
package ipc
