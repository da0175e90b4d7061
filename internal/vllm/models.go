package vllm

import (
	"encoding/json"
	"fmt"
	"io"
)

// modelList mirrors the OpenAI-shaped /v1/models envelope vLLM serves:
// {"object": "list", "data": [{"id": "...", ...}]}.
type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ParseModelIDs extracts the advertised model ids from a /v1/models body.
func ParseModelIDs(r io.Reader) ([]string, error) {
	var list modelList
	if err := json.NewDecoder(r).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode models envelope: %w", err)
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}
