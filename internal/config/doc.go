// Package config loads the daemon's JSON configuration: logging, journal
// storage, queue transport, protocol parameters, genesis bootstrap, chain
// connectivity, metrics and alert channels.
package config
