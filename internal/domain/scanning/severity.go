package scanning

// SeverityCounts holds the number of findings per severity. Every counter is
// non-decreasing for the lifetime of a job.
type SeverityCounts struct {
	Critical int
	High     int
	Medium   int
	Low      int
	Info     int
}

// Total returns the number of findings across all severities.
func (c SeverityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low + c.Info
}

// regressesFrom reports whether any counter in c is lower than in prev.
func (c SeverityCounts) regressesFrom(prev SeverityCounts) bool {
	return c.Critical < prev.Critical ||
		c.High < prev.High ||
		c.Medium < prev.Medium ||
		c.Low < prev.Low ||
		c.Info < prev.Info
}

func (c SeverityCounts) hasNegative() bool {
	return c.Critical < 0 || c.High < 0 || c.Medium < 0 || c.Low < 0 || c.Info < 0
}
