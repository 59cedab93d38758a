/*
Package capacity implements race-safe reservation of node resource
slices.

A reservation moves through a one-way state machine: Active, then
exactly one of Claimed, Released, or Expired. The engine guarantees that
the sum of memory and disk across all reservations holding capacity on a
node never exceeds that node's configured ceiling, under any
interleaving of concurrent Reserve, Claim, and Release calls.

Two mechanisms carry that guarantee. Reserve holds a per-node mutex
around its availability read and reservation write, so racing Reserve
calls for the same node serialize. Claim and Release run their whole
read-check-write inside a single storage transaction, so of two racing
transitions the loser observes the winner's terminal state and fails
with the matching terminal-state error.

Expiry needs neither mechanism to be correct: a reservation past its
deadline stops counting against capacity immediately, and both Claim and
Release observe the passed deadline themselves. The background Sweeper
only converts that logical expiry into stored state and audit entries.
*/
package capacity
