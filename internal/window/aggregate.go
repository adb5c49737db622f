package window

// AggregateFunction is the build operator's aggregation contract (spec
// §4.F): reset produces the identity accumulator, lift folds one record's
// value into an accumulator, combine merges two accumulators (used both for
// cross-worker slice merge and for combining constituent slices of a sliding
// window), and lower projects the final accumulator to the output value.
type AggregateFunction interface {
	Reset() any
	Lift(acc any, value int64) any
	Combine(a, b any) any
	Lower(acc any) int64
}

// SumAggregate implements AggregateFunction over int64 values, the
// aggregate exercised by testable property 6 and scenarios S1/S2.
type SumAggregate struct{}

func (SumAggregate) Reset() any                  { return int64(0) }
func (SumAggregate) Lift(acc any, v int64) any    { return acc.(int64) + v }
func (SumAggregate) Combine(a, b any) any         { return a.(int64) + b.(int64) }
func (SumAggregate) Lower(acc any) int64          { return acc.(int64) }

// CountAggregate implements AggregateFunction as a record count, ignoring
// the record's value.
type CountAggregate struct{}

func (CountAggregate) Reset() any               { return int64(0) }
func (CountAggregate) Lift(acc any, _ int64) any { return acc.(int64) + 1 }
func (CountAggregate) Combine(a, b any) any      { return a.(int64) + b.(int64) }
func (CountAggregate) Lower(acc any) int64       { return acc.(int64) }

// MaxAggregate implements AggregateFunction as the running maximum.
type MaxAggregate struct{}

func (MaxAggregate) Reset() any { return int64(-1 << 63) }
func (MaxAggregate) Lift(acc any, v int64) any {
	if v > acc.(int64) {
		return v
	}
	return acc
}
func (MaxAggregate) Combine(a, b any) any {
	if a.(int64) > b.(int64) {
		return a
	}
	return b
}
func (MaxAggregate) Lower(acc any) int64 { return acc.(int64) }
