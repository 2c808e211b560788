// Package poller periodically fetches the caller's quota and live
// connections from the gateway REST API.
//
// The latest successful snapshot is kept in memory and served by the
// status server under /quota. A failed fetch keeps the previous values and
// is counted on the snapshot.
package poller
