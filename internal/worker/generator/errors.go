package generator

import "strings"

// ErrorClass buckets provider failures by the recovery they permit.
type ErrorClass int

const (
	// ErrClassRetryable covers transient failures: restart the generator
	// with backoff, up to the restart budget.
	ErrClassRetryable ErrorClass = iota

	// ErrClassUnrecoverable covers failures no retry or fallback can fix
	// (bad credentials, exhausted billing). The generator stops.
	ErrClassUnrecoverable

	// ErrClassTerminatedUpstream covers a dead provider conversation or
	// subprocess: run the fallback chain on alternate providers.
	ErrClassTerminatedUpstream

	// ErrClassStaleResume means the resume ID was rejected: clear it and
	// retry fresh on the same provider.
	ErrClassStaleResume
)

// unrecoverableSignatures identify failures no retry or fallback fixes on
// this host: bad credentials, exhausted billing, a provider binary that is
// not installed. The backlog stays in place for a fix plus restart.
var unrecoverableSignatures = []string{
	"invalid api key",
	"authentication_error",
	"not logged in",
	"please run /login",
	"credit balance is too low",
	"billing",
	"account is disabled",
	"permission denied",
	"executable file not found",
}

// terminatedUpstreamSignatures identify a provider conversation or process
// that is gone and cannot serve this session again.
var terminatedUpstreamSignatures = []string{
	"process exited",
	"signal: killed",
	"signal: terminated",
	"broken pipe",
	"connection refused",
	"upstream connect error",
}

// staleResumeSignatures identify a rejected resume: the conversation ID we
// held no longer exists upstream.
var staleResumeSignatures = []string{
	"no conversation found",
	"session not found",
	"conversation not found",
	"cannot resume",
	"session expired",
}

// Classify maps a provider error onto its recovery class. Matching is by
// substring against the lowercased error text; unknown errors default to
// retryable so a transient blip never kills a session outright.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrClassRetryable
	}
	msg := strings.ToLower(err.Error())

	for _, sig := range unrecoverableSignatures {
		if strings.Contains(msg, sig) {
			return ErrClassUnrecoverable
		}
	}
	for _, sig := range staleResumeSignatures {
		if strings.Contains(msg, sig) {
			return ErrClassStaleResume
		}
	}
	for _, sig := range terminatedUpstreamSignatures {
		if strings.Contains(msg, sig) {
			return ErrClassTerminatedUpstream
		}
	}
	return ErrClassRetryable
}

// String implements fmt.Stringer for log output.
func (c ErrorClass) String() string {
	switch c {
	case ErrClassUnrecoverable:
		return "unrecoverable"
	case ErrClassTerminatedUpstream:
		return "terminated-upstream"
	case ErrClassStaleResume:
		return "stale-resume"
	default:
		return "retryable"
	}
}
