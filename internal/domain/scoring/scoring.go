// Package scoring turns a judged answer and its response latency into points.
package scoring

const (
	// BasePoints is awarded for any correct answer.
	BasePoints = 1000
	// MaxSpeedBonus is the extra awarded for an instant correct answer.
	MaxSpeedBonus = 500
	// MaxLatencyMs is the latency at which the speed bonus reaches zero.
	MaxLatencyMs = 30000
)

// Points returns the score for one answer. Incorrect answers score 0; correct ones
// score BasePoints plus a bonus that shrinks linearly with latency.
func Points(correct bool, latencyMs int64) int {
	if !correct {
		return 0
	}
	effective := latencyMs
	if effective > MaxLatencyMs {
		effective = MaxLatencyMs
	}
	if effective < 0 {
		effective = 0
	}
	// Integer division floors for non-negative operands.
	bonus := (MaxLatencyMs - effective) * MaxSpeedBonus / MaxLatencyMs
	return BasePoints + int(bonus)
}
