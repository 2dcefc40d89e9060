package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// StatusInfo is a point-in-time overview of the service state.
type StatusInfo struct {
	DataDir string `json:"data_dir,omitempty"`

	// Catalog
	CatalogItems int `json:"catalog_items"`
	Departments  int `json:"departments"`
	VectorDim    int `json:"vector_dim"`

	// Model registry
	ActiveModel string    `json:"active_model"`
	ModelOrigin string    `json:"model_origin,omitempty"` // "base", "finetuned", "backup"
	Backups     int       `json:"backups"`
	LastTrained time.Time `json:"last_trained,omitempty"`

	// Feedback log
	FeedbackExamples int `json:"feedback_examples"`
	FeedbackPending  int `json:"feedback_pending"` // unconsumed by training

	// Storage sizes (in bytes)
	CatalogSize  int64 `json:"catalog_size"`
	FeedbackSize int64 `json:"feedback_size"`
	ModelsSize   int64 `json:"models_size"`
	TotalSize    int64 `json:"total_size"`

	// Component status
	EmbedderBackend string `json:"embedder_backend"`         // "onnx" or "static"
	EmbedderStatus  string `json:"embedder_status"`          // "ready", "offline", "error"
	WatcherStatus   string `json:"watcher_status,omitempty"` // "running", "stopped"
}

// StatusRenderer displays the service overview.
type StatusRenderer struct {
	out     io.Writer
	styles  Styles
	noColor bool
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{
		out:     out,
		styles:  GetStyles(noColor),
		noColor: noColor,
	}
}

// Render displays status info on the terminal.
func (r *StatusRenderer) Render(info StatusInfo) error {
	header := "Service Status"
	if info.DataDir != "" {
		header += ": " + info.DataDir
	}
	_, _ = fmt.Fprintf(r.out, "%s\n\n", r.styles.Header.Render(header))

	// Catalog
	_, _ = fmt.Fprintln(r.out, "  Catalog:")
	_, _ = fmt.Fprintf(r.out, "    Items:       %d\n", info.CatalogItems)
	_, _ = fmt.Fprintf(r.out, "    Departments: %d\n", info.Departments)
	if info.VectorDim > 0 {
		_, _ = fmt.Fprintf(r.out, "    Vector dim:  %d\n", info.VectorDim)
	}
	_, _ = fmt.Fprintln(r.out)

	// Model registry
	_, _ = fmt.Fprintln(r.out, "  Model:")
	active := info.ActiveModel
	if info.ModelOrigin != "" {
		active = fmt.Sprintf("%s (%s)", info.ActiveModel, info.ModelOrigin)
	}
	_, _ = fmt.Fprintf(r.out, "    Active:       %s\n", active)
	_, _ = fmt.Fprintf(r.out, "    Backups:      %d\n", info.Backups)
	if !info.LastTrained.IsZero() {
		_, _ = fmt.Fprintf(r.out, "    Last trained: %s\n", formatTime(info.LastTrained))
	}
	_, _ = fmt.Fprintln(r.out)

	// Feedback log
	_, _ = fmt.Fprintf(r.out, "  Feedback: %d examples (%d awaiting training)\n",
		info.FeedbackExamples, info.FeedbackPending)
	_, _ = fmt.Fprintln(r.out)

	// Storage sizes
	_, _ = fmt.Fprintln(r.out, "  Storage:")
	_, _ = fmt.Fprintf(r.out, "    Catalog:  %s\n", FormatBytes(info.CatalogSize))
	_, _ = fmt.Fprintf(r.out, "    Feedback: %s\n", FormatBytes(info.FeedbackSize))
	_, _ = fmt.Fprintf(r.out, "    Models:   %s\n", FormatBytes(info.ModelsSize))
	_, _ = fmt.Fprintf(r.out, "    Total:    %s\n", FormatBytes(info.TotalSize))
	_, _ = fmt.Fprintln(r.out)

	// Embedder status
	_, _ = fmt.Fprintln(r.out, "  Embedder:")
	_, _ = fmt.Fprintf(r.out, "    Backend: %s\n", info.EmbedderBackend)
	_, _ = fmt.Fprintf(r.out, "    Status:  %s\n", r.renderStatus(info.EmbedderStatus))
	_, _ = fmt.Fprintln(r.out)

	// Registry watcher status
	if info.WatcherStatus != "" && info.WatcherStatus != "n/a" {
		_, _ = fmt.Fprintf(r.out, "  Watcher: %s\n", r.renderStatus(info.WatcherStatus))
	}

	return nil
}

// RenderJSON outputs status as JSON.
func (r *StatusRenderer) RenderJSON(info StatusInfo) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(info)
}

// renderStatus formats a status string with color.
func (r *StatusRenderer) renderStatus(status string) string {
	switch status {
	case "ready", "running":
		return r.styles.Success.Render(status)
	case "offline", "stopped":
		return r.styles.Warning.Render(status)
	case "error":
		return r.styles.Error.Render(status)
	default:
		return status
	}
}

// formatTime formats a time for display.
func formatTime(t time.Time) string {
	now := time.Now()
	diff := now.Sub(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("2006-01-02 15:04")
	}
}

// FormatBytes formats bytes to a human-readable size.
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
