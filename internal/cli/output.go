package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// emit writes v as indented JSON in json format, or text otherwise.
func emit(w io.Writer, opts *RootOptions, text string, v any) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}
