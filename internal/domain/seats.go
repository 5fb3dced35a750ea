package domain

// SeatQuantity is a quantity of one seat type
type SeatQuantity struct {
	SeatType string `json:"seat_type"`
	Quantity int    `json:"quantity"`
}

// Seats is an ordered list of seat quantities
type Seats []SeatQuantity

// Total returns the sum of all quantities
func (s Seats) Total() int {
	total := 0
	for _, q := range s {
		total += q.Quantity
	}
	return total
}

// QuantityOf returns the quantity for a seat type, summing duplicates
func (s Seats) QuantityOf(seatType string) int {
	n := 0
	for _, q := range s {
		if q.SeatType == seatType {
			n += q.Quantity
		}
	}
	return n
}

// Clone returns an independent copy
func (s Seats) Clone() Seats {
	if s == nil {
		return nil
	}
	out := make(Seats, len(s))
	copy(out, s)
	return out
}
