package search

// levenshtein returns the edit distance between a and b, or any value above
// maxDist once the distance provably exceeds it. Bounded so fuzzy expansion
// can abort early on most dictionary terms.
func levenshtein(a, b string, maxDist int) int {
	ar := []rune(a)
	br := []rune(b)

	diff := len(ar) - len(br)
	if diff < 0 {
		diff = -diff
	}
	if diff > maxDist {
		return maxDist + 1
	}

	prev := make([]int, len(br)+1)
	cur := make([]int, len(br)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ar); i++ {
		cur[0] = i
		rowMin := cur[0]
		for j := 1; j <= len(br); j++ {
			cost := 1
			if ar[i-1] == br[j-1] {
				cost = 0
			}
			d := prev[j-1] + cost
			if del := prev[j] + 1; del < d {
				d = del
			}
			if ins := cur[j-1] + 1; ins < d {
				d = ins
			}
			cur[j] = d
			if d < rowMin {
				rowMin = d
			}
		}
		if rowMin > maxDist {
			return maxDist + 1
		}
		prev, cur = cur, prev
	}
	return prev[len(br)]
}
