// Package mesh wires every other internal package into one running node:
// identity, the capability registry and semantic index, cost and
// reputation tracking, the router, the executor, the gossip engine, the
// approval gate, and internal/transport's sessions and listeners. It is
// the concrete type behind internal/daemon.Runtime and
// internal/transport.Verifier, the two seams those packages leave open so
// they don't have to import this one back.
package mesh
