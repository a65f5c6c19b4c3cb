// Package gattd provides management of the gattd daemon process.
//
// gattd is the GATT proxy daemon that owns the Bluetooth adapter and
// exposes BLE operations over a local socket. This package manages gattd
// as a subprocess of the bridge, providing:
//
//   - Configuration-driven startup (no separate service unit required)
//   - Automatic restart on failure
//   - Health monitoring (adapter presence, process state, socket probe)
//   - Graceful shutdown coordination
//
// The gattd process is started with command-line arguments derived from
// the bridge's YAML configuration. When management is disabled, gattd is
// expected to be running externally and only the connection URL is used.
//
// Example configuration (in config.yaml):
//
//	gattd:
//	  daemon:
//	    managed: true
//	    binary: "/usr/local/bin/gattd"
//	    adapter: "hci0"
//	    listen_tcp: true
//	    tcp_port: 7120
package gattd
