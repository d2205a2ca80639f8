// Package session tracks live realtime connections per user in Redis so that
// every server instance can tell whether a user still has a connection open
// anywhere in the cluster.
package session
