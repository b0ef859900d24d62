// Package gateway is the HTTP face of the bridge. Each request to
// POST /rpc/:domain/:action becomes one broker call through the shared
// bridge, and its replies, timeout or transport failure are mapped to an
// HTTP response.
package gateway
