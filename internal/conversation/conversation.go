// Package conversation derives stable identifiers for two-party exchanges.
// The identifier is independent of which participant initiated the exchange,
// so both sides of a conversation always address the same history.
package conversation

// Address returns the conversation id for the two given user ids. The smaller
// id is packed into the high 32 bits and the larger into the low 32 bits, so
// Address(a, b) == Address(b, a) for every pair.
func Address(a, b int64) int64 {
	min, max := a, b
	if min > max {
		min, max = max, min
	}
	return (min << 32) | (max & 0xFFFFFFFF)
}
