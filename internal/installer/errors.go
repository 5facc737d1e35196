package installer

import (
	"fmt"
	"strings"

	"github.com/nimbus-ci/nimbus/internal/machine"
)

// NotApplicableError reports that a tool does not support the
// machine's operating system.  It is a logic branch, not a failure to
// alarm on: the setup orchestrator and callers treat it distinctly
// from real install failures.
type NotApplicableError struct {
	Tool string
	OS   machine.OS
}

func (e *NotApplicableError) Error() string {
	return fmt.Sprintf("%s is not applicable on %s", e.Tool, e.OS)
}

// NoAssetError reports that the release exists but contains no asset
// matching the platform and architecture tokens searched.  Carrying
// the tokens lets callers and operators see exactly what was looked
// for without string parsing.
type NoAssetError struct {
	Tool       string
	Version    string
	OSToken    string
	ArchTokens []string
}

func (e *NoAssetError) Error() string {
	return fmt.Sprintf("%s %s: no release asset matching os token %q and arch tokens [%s]",
		e.Tool, e.Version, e.OSToken, strings.Join(e.ArchTokens, ", "))
}

// HTTPError reports a non-200 response from the upstream release
// endpoint or asset download.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// RequestError reports a transport-level failure before any HTTP
// status was received.
type RequestError struct {
	URL string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// VerifyError reports that the binary is present but non-functional:
// it failed its help/version invocation after installation.
type VerifyError struct {
	Tool string
	Path string
	Err  error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verifying %s at %s: %v", e.Tool, e.Path, e.Err)
}

func (e *VerifyError) Unwrap() error { return e.Err }
