package tool

import (
	"encoding/json"
	"fmt"
)

// NormalizeOutput converts an arbitrary tool output into Document records.
//
// Recognized shapes, in order:
//   - []Document or *Document/Document: passed through
//   - a JSON-marshalable slice of objects with document fields
//   - a single JSON-marshalable object: one document with the object as body
//   - a plain string: one document with the string as body
//
// The tool name becomes the document source; IDs are assigned positionally
// when the output carries none.
func NormalizeOutput(toolName string, output interface{}) []Document {
	if output == nil {
		return nil
	}

	var docs []Document
	switch v := output.(type) {
	case []Document:
		docs = v
	case Document:
		docs = []Document{v}
	case *Document:
		docs = []Document{*v}
	case string:
		docs = []Document{{Body: v}}
	default:
		docs = decodeDocuments(v)
	}

	for i := range docs {
		if docs[i].ID == "" {
			docs[i].ID = fmt.Sprintf("%s-%d", toolName, i)
		}
		if docs[i].Source == "" {
			docs[i].Source = "tool:" + toolName
		}
		if docs[i].RelevanceScore == 0 {
			// Tool output was requested explicitly; treat it as relevant
			// until reranking says otherwise.
			docs[i].RelevanceScore = 1.0
		}
	}
	return docs
}

// decodeDocuments round-trips v through JSON to extract document fields.
func decodeDocuments(v interface{}) []Document {
	raw, err := json.Marshal(v)
	if err != nil {
		return []Document{{Body: fmt.Sprintf("%v", v)}}
	}

	var many []Document
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many
	}

	var one Document
	if err := json.Unmarshal(raw, &one); err == nil && (one.Body != "" || one.Title != "") {
		return []Document{one}
	}

	return []Document{{Body: string(raw)}}
}
