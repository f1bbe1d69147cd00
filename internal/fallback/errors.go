package fallback

import "fmt"

// AllTrunksFailedError is the aggregate failure returned once every candidate
// trunk has been tried. SwitchUnreachable distinguishes a dead control plane
// from trunks that rejected the call.
type AllTrunksFailedError struct {
	Attempts          int
	LastError         string
	SwitchUnreachable bool
}

func (e *AllTrunksFailedError) Error() string {
	if e.SwitchUnreachable {
		return fmt.Sprintf("switch unreachable after %d trunk attempts: %s", e.Attempts, e.LastError)
	}
	return fmt.Sprintf("all %d trunks failed: %s", e.Attempts, e.LastError)
}
