package storage

import (
	"time"

	"github.com/google/uuid"
)

// generateID generates a new UUID
func generateID() string {
	return uuid.New().String()
}

// timeFormat is fixed-width so stored timestamps sort lexically
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// now returns the current time in the stored text format
func now() string {
	return time.Now().UTC().Format(timeFormat)
}

// FormatTime renders t in the stored text format; zero is empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

// ParseTime parses a stored timestamp; empty or invalid is zero.
func ParseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// pageLimit applies the default and maximum page size
func pageLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

// prepareReceipt fills generated fields before an upsert
func prepareReceipt(r *Receipt) {
	if r.ID == "" {
		r.ID = generateID()
	}
	ts := now()
	if r.CreatedAt == "" {
		r.CreatedAt = ts
	}
	r.UpdatedAt = ts
}

// trimPage drops the look-ahead row and sets the cursor
func trimPage(rows []Receipt, limit int) *PaginatedResult[Receipt] {
	result := &PaginatedResult[Receipt]{Data: rows}
	if len(rows) > limit {
		result.Data = rows[:limit]
		result.HasMore = true
		result.NextCursor = rows[limit-1].CreatedAt
	}
	if result.Data == nil {
		result.Data = []Receipt{}
	}
	return result
}
