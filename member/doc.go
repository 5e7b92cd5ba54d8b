// Package member implements the participant side of an auction session.
//
// A Member connects to a host, registers, exchanges its evaluation port for
// the session configuration, waits for its turn to start the computation and
// finally runs its engine evaluation. The Registry runs many members at once,
// one per joined session, and hands each a port from a fixed pool.
//
// Local progress is published through Task snapshots, which are persisted with
// a TaskStore at every transition so that an API or UI can follow a session.
package member
