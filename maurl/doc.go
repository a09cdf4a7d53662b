// Package maurl converts multiaddrs into URLs.
//
// HTTP endpoints may be given either as URLs or as multiaddrs such as
// /dns4/example.com/tcp/443/https or /ip4/127.0.0.1/tcp/8080/http. Only the
// scheme, host and port are read from a multiaddr.
package maurl
