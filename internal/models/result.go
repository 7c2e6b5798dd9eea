package models

// SearchResult is a single semantic search hit.
type SearchResult struct {
	URL        string  `json:"url"`
	Similarity float64 `json:"similarity,omitempty"`
}

// SearchResponse is the response for a semantic search.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// PageResult is the display form of a stored page.
type PageResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Favicon string `json:"favicon"`
}

// ShowResultsResponse is the response for POST /api/v1/show_results.
type ShowResultsResponse struct {
	Results []PageResult `json:"results"`
}

// PageVisitResponse reports whether a visit was embedded as well as stored.
type PageVisitResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
}

const (
	StatusStoredAndEmbedded = "stored + embedded"
	StatusStored            = "stored"
)

// IndexStatus summarizes the vector index. Owners is only set in the
// operator view.
type IndexStatus struct {
	Vectors    int    `json:"vectors"`
	Owners     int    `json:"owners,omitempty"`
	Dimension  int    `json:"dimension"`
	Policy     string `json:"duplicate_policy"`
	Generation uint64 `json:"generation"`
}

// StatusResponse is the response for GET /api/v1/status. With User set, page
// and vector counts cover that user only and the global fields stay zero.
type StatusResponse struct {
	User           string      `json:"user,omitempty"`
	Pages          int64       `json:"pages"`
	Users          int64       `json:"users,omitempty"`
	Index          IndexStatus `json:"index"`
	DiskUsageBytes int64       `json:"disk_usage_bytes,omitempty"`
	EmbeddingModel string      `json:"embedding_model"`
}
