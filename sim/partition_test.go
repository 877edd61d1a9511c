package sim

import (
	"testing"
)

func reqList(startID, n int) []*InferRequest {
	reqs := make([]*InferRequest, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, NewInferRequest(startID+i, 16, 1))
	}
	return reqs
}

func assertDisjointCover(t *testing.T, queues [][]*InferRequest, breqs [][]*InferRequest) {
	t.Helper()
	total := 0
	for _, q := range queues {
		total += len(q)
	}
	seen := make(map[int]int)
	got := 0
	for b, breq := range breqs {
		got += len(breq)
		for _, req := range breq {
			if prev, dup := seen[req.ID]; dup {
				t.Errorf("request %d appears in sub-batches %d and %d", req.ID, prev, b)
			}
			seen[req.ID] = b
		}
	}
	if got != total {
		t.Errorf("sub-batch sizes sum to %d, want %d", got, total)
	}
}

func TestPartitionTwoWay_EvenSplit(t *testing.T) {
	queues := [][]*InferRequest{reqList(0, 4), reqList(4, 6)}
	breqs := partitionTwoWay(queues)

	assertDisjointCover(t, queues, breqs)
	if len(breqs[0]) != 5 || len(breqs[1]) != 5 {
		t.Errorf("even lists split unevenly: %d / %d", len(breqs[0]), len(breqs[1]))
	}
}

func TestPartitionTwoWay_OddListsAlternate(t *testing.T) {
	// Four channels with odd-length lists: ceil goes to sub-batch 1, then 2,
	// then 1 again, so the totals stay balanced.
	queues := [][]*InferRequest{reqList(0, 3), reqList(3, 3), reqList(6, 3), reqList(9, 3)}
	breqs := partitionTwoWay(queues)

	assertDisjointCover(t, queues, breqs)
	if len(breqs[0]) != 6 || len(breqs[1]) != 6 {
		t.Errorf("alternation failed: %d / %d", len(breqs[0]), len(breqs[1]))
	}
}

func TestPartitionTwoWay_SingleRequest(t *testing.T) {
	queues := [][]*InferRequest{reqList(0, 1)}
	breqs := partitionTwoWay(queues)

	assertDisjointCover(t, queues, breqs)
	if len(breqs[0]) != 1 || len(breqs[1]) != 0 {
		t.Errorf("single request must land in the first sub-batch: %d / %d",
			len(breqs[0]), len(breqs[1]))
	}
}

func TestPartitionThreeWay_OnePerSubBatch(t *testing.T) {
	queues := [][]*InferRequest{reqList(0, 3)}
	breqs := partitionThreeWay(queues)

	assertDisjointCover(t, queues, breqs)
	for b, breq := range breqs {
		if len(breq) != 1 {
			t.Errorf("sub-batch %d has %d requests, want 1", b, len(breq))
		}
	}
}

// The remainder rotation must keep the three sub-batches within one of each
// other over any prefix of channels, oscillating rather than accumulating.
func TestPartitionThreeWay_PrefixBalance(t *testing.T) {
	lengths := []int{4, 5, 1, 7, 2, 8, 5, 4, 1, 2}
	queues := make([][]*InferRequest, 0, len(lengths))
	id := 0
	for _, n := range lengths {
		queues = append(queues, reqList(id, n))
		id += n
	}

	for prefix := 1; prefix <= len(queues); prefix++ {
		breqs := partitionThreeWay(queues[:prefix])
		assertDisjointCover(t, queues[:prefix], breqs)

		minLen, maxLen := len(breqs[0]), len(breqs[0])
		for _, breq := range breqs[1:] {
			minLen = min(minLen, len(breq))
			maxLen = max(maxLen, len(breq))
		}
		if maxLen-minLen > 1 {
			t.Errorf("prefix %d: sub-batch sizes spread %d, want <= 1", prefix, maxLen-minLen)
		}
	}
}

func TestPartitionThreeWay_ContiguousPerChannel(t *testing.T) {
	queues := [][]*InferRequest{reqList(0, 7)}
	breqs := partitionThreeWay(queues)

	assertDisjointCover(t, queues, breqs)
	// Contiguity: concatenating the three parts restores channel order.
	idx := 0
	for _, breq := range breqs {
		for _, req := range breq {
			if req.ID != idx {
				t.Fatalf("split is not contiguous: got id %d at position %d", req.ID, idx)
			}
			idx++
		}
	}
}
