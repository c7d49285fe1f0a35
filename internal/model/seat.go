package model

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidSeatID is returned by ParseSeatID for malformed identifiers.
var ErrInvalidSeatID = errors.New("invalid seat id")

// SeatID identifies one seat of one event.  The canonical string form is
// "<eventId>_<Row><Number>", e.g. "evt42_C7".  Rows are one or more
// upper-case letters, numbers start at 1.
type SeatID struct {
	EventID string
	Row     string
	Number  int
}

// NewSeatID builds a SeatID from its parts.
func NewSeatID(eventID, row string, number int) SeatID {
	return SeatID{EventID: eventID, Row: row, Number: number}
}

// Code returns the human readable seat code ("C7") used in messages.
func (s SeatID) Code() string {
	return s.Row + strconv.Itoa(s.Number)
}

// String returns the canonical identifier.
func (s SeatID) String() string {
	return s.EventID + "_" + s.Code()
}

// MarshalText implements encoding.TextMarshaler so SeatIDs travel as
// plain strings in JSON payloads.
func (s SeatID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SeatID) UnmarshalText(b []byte) error {
	parsed, err := ParseSeatID(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeatID parses the canonical identifier.  The event id may itself
// contain underscores; the seat code is everything after the last one.
func ParseSeatID(raw string) (SeatID, error) {
	i := strings.LastIndexByte(raw, '_')
	if i <= 0 || i == len(raw)-1 {
		return SeatID{}, fmt.Errorf("%w: %q", ErrInvalidSeatID, raw)
	}
	eventID, code := raw[:i], raw[i+1:]
	j := 0
	for j < len(code) && code[j] >= 'A' && code[j] <= 'Z' {
		j++
	}
	if j == 0 || j == len(code) {
		return SeatID{}, fmt.Errorf("%w: %q", ErrInvalidSeatID, raw)
	}
	n, err := strconv.Atoi(code[j:])
	if err != nil || n < 1 || code[j] == '0' {
		return SeatID{}, fmt.Errorf("%w: %q", ErrInvalidSeatID, raw)
	}
	return SeatID{EventID: eventID, Row: code[:j], Number: n}, nil
}

// ParseSeatIDs parses a list of identifiers, stopping at the first
// malformed one.
func ParseSeatIDs(raw []string) ([]SeatID, error) {
	out := make([]SeatID, 0, len(raw))
	for _, r := range raw {
		s, err := ParseSeatID(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// SeatIDStrings converts seats to their canonical strings.
func SeatIDStrings(seats []SeatID) []string {
	out := make([]string, len(seats))
	for i, s := range seats {
		out[i] = s.String()
	}
	return out
}

// SeatCodes converts seats to their short codes, e.g. ["A1","A2"].
func SeatCodes(seats []SeatID) []string {
	out := make([]string, len(seats))
	for i, s := range seats {
		out[i] = s.Code()
	}
	return out
}

// RowLabel returns the label of the zero-based row index: A..Z, AA..AZ, ...
func RowLabel(index int) string {
	label := ""
	for index >= 0 {
		label = string(rune('A'+index%26)) + label
		index = index/26 - 1
	}
	return label
}

// SortSeats orders seats by row label length, row label and number so
// that listings read A1, A2, ..., B1, ..., AA1.
func SortSeats(seats []SeatID) {
	sort.Slice(seats, func(i, j int) bool {
		a, b := seats[i], seats[j]
		if len(a.Row) != len(b.Row) {
			return len(a.Row) < len(b.Row)
		}
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Number < b.Number
	})
}

// Seat types offered by the catalog layout.
const (
	SeatRegular = "regular"
	SeatPremium = "premium"
	SeatVIP     = "vip"
)

// Catalog display statuses.
const (
	DisplayAvailable = "available"
	DisplayBooked    = "booked"
)

// Seat describes a seat of the event catalog together with its price,
// class and display status.
//
// Fields:
//  ID         – typed seat identifier.
//  PriceCents – price of this seat in cents.
//  SeatType   – class of the seat (regular, premium, vip).
//  Status     – catalog display status, updated from booking events.
type Seat struct {
	ID         SeatID `json:"id"`
	PriceCents int64  `json:"price"`
	SeatType   string `json:"type"`
	Status     string `json:"status"`
}
