// Package browser provides functionality for running and brokering viewer
// processes ("browsers") for OCR-D workspaces.
//
// A Browser represents one external viewer bound to one port, one owning
// session and one workspace. It can be started, stopped, and reached over
// HTTP and WebSocket at its Address.
//
// A Factory creates Browsers bound to a port acquired from a PortPool. Two
// factories are provided: SubprocessFactory runs the viewer as an OS process
// and DockerFactory runs it as a container.
//
// A Registry tracks the running Browsers and ensures at most one Browser per
// owner and workspace.
package browser
