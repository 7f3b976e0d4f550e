// Package deps reports availability of the external binaries Fathom shells
// out to. yt-dlp is required for probing and audio download; WeasyPrint is
// optional and only gates PDF export.
package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"fathom/internal/config"
)

// Requirement defines an external dependency Fathom relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// Requirements returns the binary dependencies for the given configuration.
func Requirements(cfg *config.Config) []Requirement {
	if cfg == nil {
		return nil
	}
	return []Requirement{
		{
			Name:        "yt-dlp",
			Command:     cfg.DownloaderBinary(),
			Description: "Probes video metadata and downloads audio",
		},
		{
			Name:        "WeasyPrint",
			Command:     cfg.PDFBinary(),
			Description: "Renders summary PDFs",
			Optional:    true,
		},
	}
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Available = false
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Available = false
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// Check resolves and evaluates the configured requirements in one step.
func Check(cfg *config.Config) []Status {
	return CheckBinaries(Requirements(cfg))
}
