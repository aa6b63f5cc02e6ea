package processing

import (
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/momohq/momo/pkg/types"
)

// csvRowsPerChunk is how many data rows one CSV chunk carries. The header
// row repeats in every chunk so each one reads standalone.
const csvRowsPerChunk = 50

// CSVChunker splits tabular data into row batches.
type CSVChunker struct{}

// ChunkDocument implements Chunker.
func (CSVChunker) ChunkDocument(doc *types.Document, _ Options) ([]string, error) {
	reader := csv.NewReader(strings.NewReader(doc.Content))
	reader.FieldsPerRecord = -1 // ragged rows are common in the wild

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := joinRow(records[0])
	rows := records[1:]
	if len(rows) == 0 {
		return []string{header}, nil
	}

	var chunks []string
	for start := 0; start < len(rows); start += csvRowsPerChunk {
		end := start + csvRowsPerChunk
		if end > len(rows) {
			end = len(rows)
		}
		var b strings.Builder
		b.WriteString(header)
		for _, row := range rows[start:end] {
			b.WriteString("\n")
			b.WriteString(joinRow(row))
		}
		chunks = append(chunks, b.String())
	}
	return chunks, nil
}

func joinRow(fields []string) string {
	return strings.Join(fields, ", ")
}
