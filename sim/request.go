// Defines the InferRequest struct that models an individual inference request
// in the simulation, and BatchedRequest, an ordered sub-batch of requests
// bound to one platform for one stage.

package sim

import (
	"fmt"
)

// InferRequest models a single request's lifecycle in the simulation.
// Each request has:
// - an input (prompt) length and a pre-specified output length
// - progress tracking (tokens generated so far)
// - a DRAM channel assignment and the KV cache tensors pinned there
type InferRequest struct {
	ID         int
	InputSize  int
	OutputSize int
	Generated  int // 0..OutputSize

	// IsInitiated becomes true when the request is admitted and its KV cache
	// is allocated; it never reverts. Until then the query length equals
	// InputSize.
	IsInitiated bool

	// Channel is the DRAM channel holding this request's KV cache, or -1
	// while unallocated.
	Channel int

	KCache []*Tensor
	VCache []*Tensor

	// Allocator bookkeeping, set when the request is admitted.
	kvTiles    int // PIM tiles held by the KV cache
	mhaLatency int // estimated per-step MHA latency on PIM
}

// NewInferRequest creates a queued request. Output size must be positive:
// a request that generates nothing never completes.
func NewInferRequest(id, inputSize, outputSize int) *InferRequest {
	if inputSize < 0 {
		panic(fmt.Sprintf("NewInferRequest: inputSize must be >= 0, got %d", inputSize))
	}
	if outputSize <= 0 {
		panic(fmt.Sprintf("NewInferRequest: outputSize must be > 0, got %d", outputSize))
	}
	return &InferRequest{
		ID:         id,
		InputSize:  inputSize,
		OutputSize: outputSize,
		Channel:    -1,
	}
}

// QLen is the number of query rows this request contributes to dense compute:
// the full prompt until the request is admitted, one token afterwards.
func (r *InferRequest) QLen() int {
	if r.IsInitiated {
		return 1
	}
	return r.InputSize
}

// Done reports whether every output token has been generated.
func (r *InferRequest) Done() bool { return r.Generated == r.OutputSize }

func (r *InferRequest) String() string {
	return fmt.Sprintf("InferRequest(id=%d in=%d out=%d gen=%d ch=%d initiated=%v)",
		r.ID, r.InputSize, r.OutputSize, r.Generated, r.Channel, r.IsInitiated)
}

// BatchedRequest is an ordered list of requests scheduled together on one
// platform for one stage.
type BatchedRequest struct {
	Reqs []*InferRequest
}

// NewBatchedRequest wraps a request list. The slice is stored by reference.
func NewBatchedRequest(reqs []*InferRequest) *BatchedRequest {
	return &BatchedRequest{Reqs: reqs}
}

// NumRows is the total number of activation rows across the sub-batch.
func (b *BatchedRequest) NumRows() int {
	n := 0
	for _, r := range b.Reqs {
		n += r.QLen()
	}
	return n
}

// Empty reports whether the sub-batch holds no requests.
func (b *BatchedRequest) Empty() bool { return len(b.Reqs) == 0 }
