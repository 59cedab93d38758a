/*
Package security implements the certificate authority adapter for node
identity.

The CertAuthority signs node certificates with a self-managed RSA root
(10-year validity, key encrypted at rest with the cluster key). Node
certificates carry the node identifier in the subject common name and
are valid for exactly 90 days.

Renewal issues a fresh certificate while leaving the previous one valid
until its natural expiry or explicit revocation; the overlap keeps an
agent that fails over mid-rotation from being locked out.

Revocation is authoritative locally: RevokeCertificate updates the
in-memory revocation set immediately, and a background loop re-reads the
set from storage on a fixed interval so revocations made elsewhere
propagate within one interval. IsRevoked is an O(1) map lookup and sits
on the hot path of every authenticated agent request.
*/
package security
