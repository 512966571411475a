package kie

import (
	"bytes"
	"encoding/json"
	"strings"
)

// JobState is the lifecycle of a remote job as seen by this bot.
type JobState string

const (
	JobSubmitted JobState = "submitted"
	JobPolling   JobState = "polling"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobTimedOut  JobState = "timed_out"
)

// StateTimeout is reported when the poll budget runs out.
const StateTimeout = "timeout"

var (
	successStates = map[string]struct{}{"success": {}, "succeeded": {}, "complete": {}, "completed": {}}
	failureStates = map[string]struct{}{"failed": {}, "error": {}, "canceled": {}, "cancelled": {}}
)

// JobResult is the normalized terminal view of a job. State keeps the
// provider's wording; Phase maps it onto JobState.
type JobResult struct {
	State     string
	Phase     JobState
	ImageURLs []string
}

// RemoteJob tracks a submitted job through polling.
type RemoteJob struct {
	ID        string
	State     JobState
	ImageURLs []string
}

func NewRemoteJob(id string) *RemoteJob {
	return &RemoteJob{ID: id, State: JobSubmitted}
}

// Finish records the terminal result. Calls after the job left polling are ignored.
func (j *RemoteJob) Finish(result *JobResult) {
	if j.State != JobSubmitted && j.State != JobPolling {
		return
	}
	j.State = result.Phase
	j.ImageURLs = result.ImageURLs
}

type recordInfoResponse struct {
	Data recordInfoData `json:"data"`
}

type recordInfoData struct {
	State       json.RawMessage `json:"state"`
	Status      json.RawMessage `json:"status"`
	ResultJSON  json.RawMessage `json:"resultJson"`
	ResultURLs  json.RawMessage `json:"resultUrls"`
	ResultURLs2 json.RawMessage `json:"result_urls"`
}

// decode classifies the state and, for success states, extracts the image list.
// The bool reports whether the state is terminal.
func (d recordInfoData) decode() (*JobResult, bool) {
	state := firstPresentText(d.State, d.Status)
	key := strings.ToLower(state)

	if _, ok := successStates[key]; ok {
		return &JobResult{State: state, Phase: JobSucceeded, ImageURLs: d.imageURLs()}, true
	}
	if _, ok := failureStates[key]; ok {
		return &JobResult{State: state, Phase: JobFailed, ImageURLs: []string{}}, true
	}
	return &JobResult{State: state, Phase: JobPolling}, false
}

// imageURLs walks the accepted field names in priority order:
// resultJson.{resultUrls,result_urls,images}, data.{resultUrls,result_urls},
// then a bare list encoded in the resultJson string.
func (d recordInfoData) imageURLs() []string {
	object, list := decodeResultJSON(d.ResultJSON)

	candidates := []json.RawMessage{
		object["resultUrls"],
		object["result_urls"],
		object["images"],
		d.ResultURLs,
		d.ResultURLs2,
	}
	for _, candidate := range candidates {
		if present(candidate) {
			return normalize(candidate)
		}
	}
	if present(list) {
		return normalize(list)
	}
	return []string{}
}

// decodeResultJSON accepts resultJson as an object or as a string holding
// an object or a list. Anything else yields nothing.
func decodeResultJSON(raw json.RawMessage) (map[string]json.RawMessage, json.RawMessage) {
	switch kindOf(raw) {
	case kindObject:
		var object map[string]json.RawMessage
		if json.Unmarshal(raw, &object) == nil {
			return object, nil
		}
	case kindString:
		var encoded string
		if json.Unmarshal(raw, &encoded) != nil {
			return nil, nil
		}
		inner := json.RawMessage(strings.TrimSpace(encoded))
		if !json.Valid(inner) {
			return nil, nil
		}
		switch kindOf(inner) {
		case kindObject:
			var object map[string]json.RawMessage
			if json.Unmarshal(inner, &object) == nil {
				return object, nil
			}
		case kindArray:
			return nil, inner
		}
	}
	return nil, nil
}

// normalize turns a string, a list or any other scalar into a list of strings.
func normalize(raw json.RawMessage) []string {
	switch kindOf(raw) {
	case kindString:
		return []string{text(raw)}
	case kindArray:
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return []string{}
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, text(item))
		}
		return out
	default:
		return []string{text(raw)}
	}
}

type jsonKind int

const (
	kindNull jsonKind = iota
	kindString
	kindArray
	kindObject
	kindScalar
)

func kindOf(raw json.RawMessage) jsonKind {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return kindNull
	}
	switch trimmed[0] {
	case '"':
		return kindString
	case '[':
		return kindArray
	case '{':
		return kindObject
	default:
		return kindScalar
	}
}

// present reports whether a value carries data: null, "", [], {}, false and 0 do not.
func present(raw json.RawMessage) bool {
	switch kindOf(raw) {
	case kindNull:
		return false
	case kindString:
		return text(raw) != ""
	case kindArray:
		var items []json.RawMessage
		return json.Unmarshal(raw, &items) == nil && len(items) > 0
	case kindObject:
		var object map[string]json.RawMessage
		return json.Unmarshal(raw, &object) == nil && len(object) > 0
	default:
		trimmed := string(bytes.TrimSpace(raw))
		if trimmed == "false" {
			return false
		}
		var number float64
		if json.Unmarshal(raw, &number) == nil {
			return number != 0
		}
		return true
	}
}

// text renders a JSON value as a plain string: strings are unquoted, other values keep their JSON text.
func text(raw json.RawMessage) string {
	if kindOf(raw) == kindString {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	}
	return string(bytes.TrimSpace(raw))
}

func firstPresentText(values ...json.RawMessage) string {
	for _, v := range values {
		if present(v) {
			return text(v)
		}
	}
	return ""
}
