package api

import (
	"encoding/gob"
	"time"
)

func init() {
	// WaitAll hands out *FanIn, so a persisted aggregate decodes back to a pointer.
	gob.Register(&FanIn{})
	gob.Register(ChildResult{})
	gob.Register(ChildFailureRecord{})
}

// ChildSpec describes one child workflow execution.
type ChildSpec struct {
	// ID of the child instance. Defaults to "<parentID>/child-<seq>".
	ID       string
	Workflow string
	Input    any

	TaskQueue string

	// Retry applies to whole child runs. Defaults to a single attempt.
	Retry *RetryPolicy

	// ExecutionTimeout bounds each child run. Zero means no limit.
	ExecutionTimeout time.Duration

	// Key identifies the originating input in fan-in reports. Defaults to Input.
	Key any
}

// AggregationMode selects how failed children appear in a FanIn.
type AggregationMode int

const (
	// ReportFailures lists every failed child in FanIn.Failed.
	ReportFailures AggregationMode = iota
	// DropFailures omits failed children from FanIn.Failed. Counts still
	// include them.
	DropFailures
)

// FanOutOptions configure StartChildren.
type FanOutOptions struct {
	Mode AggregationMode

	// FailOnChildError makes WaitAll return a ChildFailure error when any
	// child failed. The aggregate is still returned.
	FailOnChildError bool
}

// ChildResult is a successful child in input order.
type ChildResult struct {
	Key     any
	ChildID string
	Result  any
}

// ChildFailureRecord is a failed child in input order.
type ChildFailureRecord struct {
	Key      any
	ChildID  string
	Error    string
	Type     string
	Category Category
}

// FanIn is the aggregate of a completed fan-out.
type FanIn struct {
	Total        int
	Succeeded    []ChildResult
	Failed       []ChildFailureRecord
	SuccessCount int
	FailureCount int
	// SuccessRate is SuccessCount/Total, 0 when Total is 0.
	SuccessRate float64
}

// FanOut tracks children started together.
type FanOut struct {
	opts    FanOutOptions
	specs   []ChildSpec
	futures []ChildFuture
}

// StartChildren starts every spec as an independent child workflow. A
// failing child never affects its siblings.
func StartChildren(ctx Context, specs []ChildSpec, opts FanOutOptions) *FanOut {
	fo := &FanOut{
		opts:    opts,
		specs:   make([]ChildSpec, len(specs)),
		futures: make([]ChildFuture, len(specs)),
	}
	for i, s := range specs {
		fo.specs[i] = s
		fo.futures[i] = ctx.StartChild(s)
	}
	return fo
}

// Futures exposes the per-child futures in input order.
func (fo *FanOut) Futures() []ChildFuture {
	return fo.futures
}

// WaitAll returns once every child is terminal. Results are reported in
// input order regardless of completion order. A suspension error is
// returned as-is while children are still running.
func (fo *FanOut) WaitAll() (*FanIn, error) {
	agg := &FanIn{Total: len(fo.specs)}
	for i, f := range fo.futures {
		spec := fo.specs[i]
		key := spec.Key
		if key == nil {
			key = spec.Input
		}

		res, err := f.Get()
		if err != nil {
			if _, ok := IsSuspended(err); ok {
				return nil, err
			}
			agg.FailureCount++
			if fo.opts.Mode == ReportFailures {
				agg.Failed = append(agg.Failed, failureRecord(key, f.ChildID(), err))
			}
			continue
		}
		agg.SuccessCount++
		agg.Succeeded = append(agg.Succeeded, ChildResult{Key: key, ChildID: f.ChildID(), Result: res})
	}
	if agg.Total > 0 {
		agg.SuccessRate = float64(agg.SuccessCount) / float64(agg.Total)
	}
	if fo.opts.FailOnChildError && agg.FailureCount > 0 {
		return agg, &Failure{
			Category: CategoryChildFailure,
			Type:     "FanOutFailed",
			Message:  "one or more child workflows failed",
		}
	}
	return agg, nil
}

func failureRecord(key any, childID string, err error) ChildFailureRecord {
	f := AsFailure(err)
	cause := f
	if f.Category == CategoryChildFailure && f.Cause != nil {
		cause = f.Cause
	}
	return ChildFailureRecord{
		Key:      key,
		ChildID:  childID,
		Error:    cause.Message,
		Type:     cause.Type,
		Category: cause.Category,
	}
}
