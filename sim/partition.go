// Sub-batch partitioner: splits each channel's active request list into two
// or three contiguous parts so that, across the whole channel set, the
// sub-batch sizes stay within one of each other.

package sim

// partitionTwoWay splits every channel's request list into two contiguous
// halves. For odd-length lists the extra request alternates between the first
// and second sub-batch from channel to channel, so the totals stay balanced.
func partitionTwoWay(channelQueues [][]*InferRequest) [][]*InferRequest {
	breqs := make([][]*InferRequest, 2)
	ceilTurn := true
	for _, queue := range channelQueues {
		sb1 := len(queue) / 2
		if len(queue)%2 != 0 {
			if ceilTurn {
				sb1 = (len(queue) + 1) / 2
			}
			ceilTurn = !ceilTurn
		}
		breqs[0] = append(breqs[0], queue[:sb1]...)
		breqs[1] = append(breqs[1], queue[sb1:]...)
	}
	return breqs
}

// partitionThreeWay splits every channel's request list into three contiguous
// parts of floor(n/3), with the n mod 3 remainder assigned by a rotating
// round-robin: channel extras go to sub-batches k, k+1 (mod 3) and k advances
// by the remainder, so over any prefix of channels the sub-batch sizes differ
// by at most one and the discrepancy oscillates rather than accumulates.
func partitionThreeWay(channelQueues [][]*InferRequest) [][]*InferRequest {
	breqs := make([][]*InferRequest, 3)
	k := 0
	for _, queue := range channelQueues {
		base := len(queue) / 3
		rem := len(queue) % 3

		sizes := [3]int{base, base, base}
		for i := 0; i < rem; i++ {
			sizes[(k+i)%3]++
		}
		k = (k + rem) % 3

		offset := 0
		for b := 0; b < 3; b++ {
			breqs[b] = append(breqs[b], queue[offset:offset+sizes[b]]...)
			offset += sizes[b]
		}
	}
	return breqs
}

// partitionSubBatches dispatches on the scheduling mode.
func partitionSubBatches(mode SubBatchMode, channelQueues [][]*InferRequest) [][]*InferRequest {
	if mode == ThreeWay {
		return partitionThreeWay(channelQueues)
	}
	return partitionTwoWay(channelQueues)
}
