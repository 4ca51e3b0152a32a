package patcher

// PatchResult is the sole outcome of ApplyPatch. It carries no partial state:
// either the module on disk was rewritten (Success) or it holds its original
// bytes. A write-back that fails partway is undone before the result returns.
type PatchResult struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	AppliedPattern string `json:"appliedPattern,omitempty"`
	Target         string `json:"target,omitempty"`
	Offset         int    `json:"offset"`
	Code           Kind   `json:"code"`
}

// Err returns the failure as an error, or nil on success.
func (r PatchResult) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Kind: r.Code, Op: "apply", Path: r.Target, Err: errorString(r.Message)}
}

type errorString string

func (e errorString) Error() string { return string(e) }

func failed(target string, err *Error) PatchResult {
	return PatchResult{
		Success: false,
		Message: err.Error(),
		Target:  target,
		Offset:  -1,
		Code:    err.Kind,
	}
}
