package utils

// SliceMap applies a function to each element of a slice and returns a new
// slice with the results.
func SliceMap[Domain, Range any](slice []Domain, fn func(Domain) Range) []Range {
	if slice == nil {
		return nil
	}

	ans := make([]Range, len(slice))
	for idx, elt := range slice {
		ans[idx] = fn(elt)
	}

	return ans
}

// SliceMapE is SliceMap for functions that may fail. It stops at the first
// error and returns it.
func SliceMapE[Domain, Range any](slice []Domain, fn func(Domain) (Range, error)) ([]Range, error) {
	if slice == nil {
		return nil, nil
	}

	ans := make([]Range, len(slice))
	for idx, elt := range slice {
		mapped, err := fn(elt)
		if err != nil {
			return nil, err
		}
		ans[idx] = mapped
	}

	return ans, nil
}

// SumOf sums the results of applying fn to each element of the slice.
func SumOf[Domain any, Num int | int64 | float64](slice []Domain, fn func(Domain) Num) Num {
	var total Num
	for _, elt := range slice {
		total += fn(elt)
	}

	return total
}
