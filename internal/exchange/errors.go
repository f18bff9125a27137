package exchange

import "fmt"

// ErrorKind classifies token exchange failures. The kind decides retry and
// status-mapping behaviour upstream.
type ErrorKind int

const (
	// KindNetwork covers transport-level failures and 5xx responses from
	// the identity provider. Transient; safe to retry.
	KindNetwork ErrorKind = iota

	// KindRejected covers 4xx responses: the identity provider rejected the
	// exchange, typically because the subject token is invalid. Retrying is
	// pointless and retrying forever is a security risk.
	KindRejected

	// KindMalformed covers responses that cannot be parsed into a usable
	// token grant.
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network_failure"
	case KindRejected:
		return "identity_provider_rejected"
	case KindMalformed:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// Error is a classified token exchange failure. The wrapped error carries
// transport detail for logs; it never contains token material.
type Error struct {
	Kind     ErrorKind
	Audience string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("token exchange for audience %q failed (%s): %v", e.Audience, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient per policy: only
// network-level failures and identity provider 5xx are retried.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork
}
