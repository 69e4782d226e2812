package pipeline

import "errors"

var (
	// ErrNotFound is returned for missing entities, including tenant-scoped
	// lookups that resolve to another company's data. Cross-tenant access
	// must look identical to absence.
	ErrNotFound = errors.New("not found")

	// ErrPipelineNotFoundOrInactive is returned by Start when the pipeline
	// does not exist, belongs to another tenant, or is switched off.
	ErrPipelineNotFoundOrInactive = errors.New("pipeline not found or inactive")
)
