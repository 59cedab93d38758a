// Package api exposes the enrollment, certificate, capacity, and audit
// operations over a JSON HTTP surface. It sits behind a gateway that
// terminates TLS and authenticates callers; the server consumes the
// identity headers that layer injects and maps domain errors onto
// stable wire codes.
package api
