/*
Package enrollment implements the single-use token flow that bootstraps
a machine's certificate identity.

A token's plaintext exists exactly once, in the CreateToken response;
only its SHA-256 hash is persisted. Consumption is a single atomic
storage transition, so N concurrent attempts with the same plaintext
produce exactly one winner. A token consumed by an enrollment whose
certificate issuance later fails is not refunded: the flow fails closed
instead of risking reuse.

All failure shapes a caller can trigger with a bad token collapse into
ErrInvalidToken so the API cannot be used to enumerate token state.
*/
package enrollment
