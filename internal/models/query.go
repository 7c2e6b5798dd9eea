package models

import "fmt"

// SearchQuery is the body of POST /api/v1/semantic_search.
type SearchQuery struct {
	Q string `json:"q"`
	K int    `json:"k,omitempty"`
}

// Validate ensures the query is non-empty and applies the default and maximum k.
func (q *SearchQuery) Validate(defaultK, maxK int) error {
	if q.Q == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if q.K < 0 {
		return fmt.Errorf("k must be positive, got %d", q.K)
	}
	if q.K == 0 {
		q.K = defaultK
	}
	if maxK > 0 && q.K > maxK {
		q.K = maxK
	}
	return nil
}
