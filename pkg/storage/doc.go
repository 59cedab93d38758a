/*
Package storage provides durable state persistence for Hutch.

The Store interface covers the four collections the control plane owns:
enrollment tokens, node certificates, capacity reservations, and audit
entries, plus the node records the registry serves and the encrypted CA
key material.

BoltStore is the production implementation, backed by BoltDB (bbolt).
Every mutating method runs its read-modify-write inside a single Update
transaction. BoltDB serializes write transactions, which is what makes
the single-use token consumption and the reservation state machine safe
under concurrent callers: the second of two racing writers always sees
the committed result of the first.

Secondary index buckets (token hash, certificates by node, reservations
by node) are maintained alongside the primary rows within the same
transaction.
*/
package storage
