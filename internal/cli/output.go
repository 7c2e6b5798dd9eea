// Package cli renders command output for the revisit CLI.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hyperjump/revisit/internal/models"
	"github.com/hyperjump/revisit/internal/persist"
	"github.com/hyperjump/revisit/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat parses an --output flag value. Empty means text.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputText, "":
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (supported: text, json)", s)
	}
}

// SearchOutput is a search result list with the page titles resolved.
type SearchOutput struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

// SearchResult is one ranked page.
type SearchResult struct {
	Rank       int     `json:"rank"`
	URL        string  `json:"url"`
	Title      string  `json:"title,omitempty"`
	Similarity float64 `json:"similarity"`
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, out *SearchOutput, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, out)
	}
	fmt.Fprintf(w, "\nFound %d results for %q\n\n", len(out.Results), out.Query)
	for _, r := range out.Results {
		fmt.Fprintf(w, "%2d. [%.4f] %s\n", r.Rank, r.Similarity, r.URL)
		if r.Title != "" {
			fmt.Fprintf(w, "    %s\n", utils.Truncate(r.Title, 80))
		}
	}
	return nil
}

// WriteStatus writes an index and storage summary.
func WriteStatus(w io.Writer, st *models.StatusResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	if st.User != "" {
		fmt.Fprintf(w, "User:            %s\n", st.User)
		fmt.Fprintf(w, "Pages:           %d\n", st.Pages)
		fmt.Fprintf(w, "Vectors:         %d\n", st.Index.Vectors)
	} else {
		fmt.Fprintf(w, "Pages:           %d\n", st.Pages)
		fmt.Fprintf(w, "Users:           %d\n", st.Users)
		fmt.Fprintf(w, "Vectors:         %d (%d owners)\n", st.Index.Vectors, st.Index.Owners)
	}
	fmt.Fprintf(w, "Dimension:       %d\n", st.Index.Dimension)
	fmt.Fprintf(w, "Policy:          %s\n", st.Index.Policy)
	fmt.Fprintf(w, "Generation:      %d\n", st.Index.Generation)
	fmt.Fprintf(w, "Embedding model: %s\n", st.EmbeddingModel)
	if st.User == "" {
		fmt.Fprintf(w, "Disk usage:      %s\n", FormatBytes(st.DiskUsageBytes))
	}
	return nil
}

// WriteManifest writes the result of an index verification.
func WriteManifest(w io.Writer, man persist.Manifest, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, man)
	}
	if man.Generation == 0 {
		fmt.Fprintln(w, "index is empty (never saved)")
		return nil
	}
	fmt.Fprintf(w, "index OK: generation %d, %d vectors of dimension %d, written %s\n",
		man.Generation, man.Count, man.Dimension, man.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
