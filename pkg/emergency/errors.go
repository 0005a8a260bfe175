package emergency

import "fmt"

// AnalysisError describes a failure inside analysis. It is logged and
// never returned to callers of Analyze.
type AnalysisError struct {
	SessionID string
	Stage     string
	Cause     error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("emergency analysis failed at %s (session %q): %v", e.Stage, e.SessionID, e.Cause)
}

func (e *AnalysisError) Unwrap() error {
	return e.Cause
}
