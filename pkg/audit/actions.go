package audit

// Action codes for trust-sensitive operations. Dotted, lowercase, with
// the owning subsystem as prefix so queries can use wildcards such as
// "capacity.*".
const (
	ActionTokenCreated = "enrollment.token.created"
	ActionTokenRevoked = "enrollment.token.revoked"
	ActionEnrolled     = "enrollment.completed"
	ActionEnrollFailed = "enrollment.failed"

	ActionCertIssued   = "certificate.issued"
	ActionCertRenewed  = "certificate.renewed"
	ActionCertRevoked  = "certificate.revoked"
	ActionCertRejected = "certificate.rejected"

	ActionReserved = "capacity.reserved"
	ActionClaimed  = "capacity.claimed"
	ActionReleased = "capacity.released"
	ActionExpired  = "capacity.expired"
)

// Resource types recorded on audit entries
const (
	ResourceToken       = "enrollment_token"
	ResourceCertificate = "certificate"
	ResourceReservation = "reservation"
	ResourceNode        = "node"
)
