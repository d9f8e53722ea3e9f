package core

import (
	"PerpVault/internal/observability"
	"fmt"
	"sort"
)

// SequenceValidator enforces gap-free source sequences per partition.
// Not thread-safe: only the processor goroutine touches it.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// ValidateSequence accepts exactly the next expected sequence. A stale
// sequence is fine for a duplicate and an error otherwise.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.expectedNextSeq[partition]

	switch {
	case sourceSequence == expected:
		sv.expectedNextSeq[partition] = expected + 1
		return nil

	case sourceSequence < expected:
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.CommandOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrOutOfOrder, partition, expected, sourceSequence)

	default:
		if sv.metrics != nil {
			sv.metrics.CommandSequenceGap.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrSequenceGap, partition, expected, sourceSequence)
	}
}

// ValidatePriceSequence admits newer price updates and skips stale ones.
// Gaps are tolerated. It reports whether the update should be applied.
func (sv *SequenceValidator) ValidatePriceSequence(asset string, priceSequence int64) bool {
	partition := "price:" + asset
	expected := sv.expectedNextSeq[partition]

	if priceSequence < expected {
		return false
	}
	if priceSequence > expected && sv.metrics != nil {
		sv.metrics.CommandSequenceGap.WithLabelValues(partition).Inc()
	}
	sv.expectedNextSeq[partition] = priceSequence + 1
	return true
}

func (sv *SequenceValidator) ExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// Partitions returns a copy of every partition's next expected sequence.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for p, seq := range sv.expectedNextSeq {
		out[p] = seq
	}
	return out
}

// Restore replaces the expected sequences, used on recovery.
func (sv *SequenceValidator) Restore(partitions map[string]int64) {
	sv.expectedNextSeq = make(map[string]int64, len(partitions))
	for p, seq := range partitions {
		sv.expectedNextSeq[p] = seq
	}
}

// PartitionNames lists known partitions in sorted order.
func (sv *SequenceValidator) PartitionNames() []string {
	names := make([]string, 0, len(sv.expectedNextSeq))
	for p := range sv.expectedNextSeq {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}
