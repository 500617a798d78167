// Package session runs FIX-style sessions over a transport.Connector.
//
// Ownership boundary:
// - outbound action queue (priority tiers + low-priority throttling)
// - sent ledger (sequence stamping, confirm trimming, gap fill)
// - supervisor/sender/receiver goroutines per session
// - initiator and acceptor logon roles, acceptor accept loop
//
// Every transport write happens on the live sender goroutine. The receiver
// and the public API only enqueue commands; the ledger is the one structure
// shared under a lock.
package session
