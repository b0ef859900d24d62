// Package health runs named checks over the bridge and its broker
// connection and folds them into one status for the gateway's /healthz.
package health
