package loader

// Batch is the half-open row range [Start, End) of one load unit.
type Batch struct {
	Index int
	Start int
	End   int
}

// Len returns the number of rows in the batch.
func (b Batch) Len() int {
	return b.End - b.Start
}

// Partition splits n rows into consecutive batches of at most size rows.
// Every batch but the last holds exactly size rows.
func Partition(n, size int) []Batch {
	if n <= 0 {
		return nil
	}
	if size <= 0 {
		size = n
	}
	batches := make([]Batch, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		batches = append(batches, Batch{
			Index: len(batches),
			Start: start,
			End:   min(start+size, n),
		})
	}
	return batches
}
