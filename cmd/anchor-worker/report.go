package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehr/anchor/internal/domain/anchor"
)

// anchorResult is the report written by the anchor command.
type anchorResult struct {
	Success        bool              `json:"success" yaml:"success"`
	Skipped        bool              `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Error          string            `json:"error,omitempty" yaml:"error,omitempty"`
	LastAnchoredAt *time.Time        `json:"last_anchored_at,omitempty" yaml:"last_anchored_at,omitempty"`
	Export         *anchor.Export    `json:"export,omitempty" yaml:"export,omitempty"`
	Report         *anchor.RunReport `json:"report,omitempty" yaml:"report,omitempty"`
	Backlog        *anchor.RunReport `json:"backlog,omitempty" yaml:"backlog,omitempty"`
}

func (r *anchorResult) fail(err error) (*anchorResult, error) {
	r.Success = false
	r.Error = err.Error()
	return r, err
}

func encodeReport(w io.Writer, v interface{}, format string) error {
	switch format {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown report format %q (want json or yaml)", format)
	}
}

// writeReport encodes v to path, or to stdout when path is empty or "-".
func writeReport(path, format string, v interface{}) error {
	if path == "" || path == "-" {
		return encodeReport(os.Stdout, v, format)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	if err := encodeReport(f, v, format); err != nil {
		f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	return f.Close()
}
