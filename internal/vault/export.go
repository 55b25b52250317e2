package vault

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"
)

var csvHeaders = []string{"Service", "Username", "Created At"}

// WriteCSV writes the entry list to w. Secrets are never exported.
func WriteCSV(w io.Writer, entries []PasswordEntry) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(csvHeaders); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	for i, e := range entries {
		record := []string{e.Service, e.Username, e.CreatedAt.UTC().Format(time.RFC3339)}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}

	writer.Flush()
	return writer.Error()
}
