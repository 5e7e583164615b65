package alerting

// compare applies cmp to v and threshold. Unknown comparators never breach;
// Compile rejects them before evaluation.
func compare(v float64, cmp Comparator, threshold float64) bool {
	switch cmp {
	case GT:
		return v > threshold
	case LT:
		return v < threshold
	case EQ:
		return v == threshold
	case NE:
		return v != threshold
	default:
		return false
	}
}
