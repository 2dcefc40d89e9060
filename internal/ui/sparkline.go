package ui

// sparkChars are the unicode block characters used for sparkline bars,
// eight levels from baseline to full.
var sparkChars = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// Sparkline keeps a rolling window of throughput samples and renders them
// as a row of block characters.
type Sparkline struct {
	samples []float64 // ring buffer
	head    int       // next write position
	count   int       // samples currently held, capped at capacity
	max     float64   // largest value in the buffer, for scaling
}

// NewSparkline creates a sparkline holding up to capacity samples.
func NewSparkline(capacity int) *Sparkline {
	if capacity <= 0 {
		capacity = 60
	}
	return &Sparkline{
		samples: make([]float64, capacity),
	}
}

// Add appends a sample, evicting the oldest once the window is full.
func (s *Sparkline) Add(value float64) {
	evicted := s.samples[s.head]
	s.samples[s.head] = value
	s.head = (s.head + 1) % len(s.samples)
	if s.count < len(s.samples) {
		s.count++
	}

	switch {
	case value >= s.max:
		s.max = value
	case evicted == s.max:
		// The scaling anchor left the window.
		s.recalcMax()
	}
}

func (s *Sparkline) recalcMax() {
	s.max = 0
	for _, v := range s.samples {
		if v > s.max {
			s.max = v
		}
	}
}

// Render returns the most recent samples as block characters, newest on the
// right. Positions without a sample yet render as the baseline bar. A width
// of zero or above capacity renders the full window.
func (s *Sparkline) Render(width int) string {
	if width <= 0 || width > len(s.samples) {
		width = len(s.samples)
	}

	shown := s.count
	if shown > width {
		shown = width
	}

	out := make([]rune, width)
	for i := 0; i < width-shown; i++ {
		out[i] = sparkChars[0]
	}

	// Index of the oldest sample that still fits.
	start := s.head - shown
	if start < 0 {
		start += len(s.samples)
	}
	for i := 0; i < shown; i++ {
		v := s.samples[(start+i)%len(s.samples)]
		out[width-shown+i] = sparkChars[s.level(v)]
	}

	return string(out)
}

// level scales a value to a bar height between 0 and 7.
func (s *Sparkline) level(v float64) int {
	if s.max <= 0 {
		return 0
	}
	idx := int(v / s.max * float64(len(sparkChars)-1))
	if idx < 0 {
		return 0
	}
	if idx >= len(sparkChars) {
		return len(sparkChars) - 1
	}
	return idx
}

// Clear resets the sparkline to empty.
func (s *Sparkline) Clear() {
	for i := range s.samples {
		s.samples[i] = 0
	}
	s.head = 0
	s.count = 0
	s.max = 0
}

// Count returns the number of samples currently held.
func (s *Sparkline) Count() int {
	return s.count
}

// Max returns the largest value in the window.
func (s *Sparkline) Max() float64 {
	return s.max
}
