// Command recap is the operator CLI for the recap daemon: it launches and
// stops the daemon, inspects jobs and quotas over the IPC socket, and
// manages configuration files.
package main
