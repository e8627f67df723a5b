package config

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
)

type selectionChecksumPayload struct {
	TaskType            TaskType       `json:"task_type"`
	Benchmark           string         `json:"benchmark"`
	Tools               []string       `json:"tools"`
	TaskProfileIDs      []string       `json:"task_profile_ids"`
	ContainerProfileIDs []string       `json:"container_profile_ids"`
	ToolParams          string         `json:"tool_params,omitempty"`
	ToolTag             string         `json:"tool_tag,omitempty"`
	Filter              FilterSettings `json:"filter"`
	Runs                int            `json:"runs"`
}

// SelectionChecksum returns a short, stable checksum of what an invocation
// selects to run, independent of execution flags such as parallelism or
// output locations.
//
// It computes MD5 over a canonical JSON representation and returns the first 6 hex
// characters (equivalent to `md5sum | cut -c1-6`).
func SelectionChecksum(s *Settings) (string, error) {
	if s == nil {
		return "", nil
	}

	// Tool order does not change the set of runs, only their order.
	tools := append([]string(nil), s.Tools...)
	sort.Strings(tools)

	payload := selectionChecksumPayload{
		TaskType:            s.TaskType,
		Benchmark:           s.Benchmark,
		Tools:               tools,
		TaskProfileIDs:      s.TaskProfileIDs,
		ContainerProfileIDs: s.ContainerProfileIDs,
		ToolParams:          s.ToolParams,
		ToolTag:             s.ToolTag,
		Filter:              s.Filter,
		Runs:                s.Runs,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(b)
	hexStr := hex.EncodeToString(sum[:])
	if len(hexStr) > 6 {
		hexStr = hexStr[:6]
	}
	return hexStr, nil
}
