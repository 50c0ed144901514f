/*
Package aura implements the authority state machine of a local-first
identity platform and the layer that makes replicas of it converge.

An account is a cryptographic authority jointly controlled by a set of
devices under a threshold policy, optionally backstopped by guardians. Its
membership lives in a ratchet tree (package tree) that only changes by
applying attested operations. The attestations are FROST threshold
signatures produced by ceremonies (package ceremony). Every accepted change
is a signed fact in a join-semilattice journal (package journal) which
replicas reconcile through bloom-filtered anti-entropy. Capabilities and
flow budgets (package capability) decide who may write what, channels
(package amp) derive per-message keys from epochs bound to the tree, and
guardians can grant recovery after a dispute window (package recovery).
Package node binds all of them to storage and transport.

This package holds the identifiers shared by all components, the
cryptographic suite and the error taxonomy.
*/
package aura
