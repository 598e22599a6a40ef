package record

// Status is the terminal classification of an entity after processing.
type Status string

const (
	// StatusSuccess means the extractor produced rows (possibly zero) for the entity.
	StatusSuccess Status = "success"

	// StatusInvalid means the payload was structurally incomplete. Never retried.
	StatusInvalid Status = "invalid"

	// StatusFailed means the fetch or extraction failed.
	StatusFailed Status = "failed"
)

// Outcome is the result of processing exactly one entity.
type Outcome struct {
	ID     string
	Status Status
	Rows   []Record
	Reason string
	Err    error
}

// Success builds a success outcome.
func Success(id string, rows []Record) Outcome {
	return Outcome{ID: id, Status: StatusSuccess, Rows: rows}
}

// Invalid builds an invalid outcome.
func Invalid(id string, err error) Outcome {
	o := Outcome{ID: id, Status: StatusInvalid, Err: err}
	if err != nil {
		o.Reason = err.Error()
	}
	return o
}

// Failed builds a failed outcome.
func Failed(id string, err error) Outcome {
	o := Outcome{ID: id, Status: StatusFailed, Err: err}
	if err != nil {
		o.Reason = err.Error()
	}
	return o
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// FailureEntry is an entity that ended without a success, kept for operator follow-up.
type FailureEntry struct {
	ID     string
	Reason string
}
