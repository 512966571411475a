package kie

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeData(t *testing.T, body string) (*JobResult, bool) {
	t.Helper()
	var resp recordInfoResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	return resp.Data.decode()
}

func TestDecodeImageURLs(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "result urls object",
			body: `{"data":{"state":"success","resultJson":{"resultUrls":["a.png"]}}}`,
			want: []string{"a.png"},
		},
		{
			name: "result json string with images",
			body: `{"data":{"state":"success","resultJson":"{\"images\":[\"b.png\"]}"}}`,
			want: []string{"b.png"},
		},
		{
			name: "snake case beats images",
			body: `{"data":{"state":"success","resultJson":{"result_urls":"c.png","images":["d.png"]}}}`,
			want: []string{"c.png"},
		},
		{
			name: "empty field falls through",
			body: `{"data":{"state":"success","resultJson":{"resultUrls":[],"images":["e.png"]}}}`,
			want: []string{"e.png"},
		},
		{
			name: "top level result urls",
			body: `{"data":{"state":"completed","resultUrls":["f.png","g.png"]}}`,
			want: []string{"f.png", "g.png"},
		},
		{
			name: "top level snake case",
			body: `{"data":{"state":"complete","result_urls":"h.png"}}`,
			want: []string{"h.png"},
		},
		{
			name: "bare list in result json string",
			body: `{"data":{"state":"succeeded","resultJson":"[\"i.png\"]"}}`,
			want: []string{"i.png"},
		},
		{
			name: "object field wins over bare list fallback",
			body: `{"data":{"state":"success","resultJson":"[\"j.png\"]","resultUrls":["k.png"]}}`,
			want: []string{"k.png"},
		},
		{
			name: "scalar normalizes to text",
			body: `{"data":{"state":"success","resultJson":{"images":42}}}`,
			want: []string{"42"},
		},
		{
			name: "mixed list items",
			body: `{"data":{"state":"success","resultJson":{"images":["l.png",7]}}}`,
			want: []string{"l.png", "7"},
		},
		{
			name: "nothing recognizable",
			body: `{"data":{"state":"success","resultJson":{"other":"x"}}}`,
			want: []string{},
		},
		{
			name: "result json is not json",
			body: `{"data":{"state":"success","resultJson":"not-json"}}`,
			want: []string{},
		},
		{
			name: "result json is a number",
			body: `{"data":{"state":"success","resultJson":5}}`,
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, terminal := decodeData(t, tt.body)
			require.True(t, terminal)
			assert.Equal(t, JobSucceeded, result.Phase)
			if diff := cmp.Diff(tt.want, result.ImageURLs); diff != "" {
				t.Errorf("image urls mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeStates(t *testing.T) {
	tests := []struct {
		body     string
		state    string
		phase    JobState
		terminal bool
	}{
		{body: `{"data":{"state":"waiting"}}`, state: "waiting", phase: JobPolling},
		{body: `{"data":{"status":"ERROR"}}`, state: "ERROR", phase: JobFailed, terminal: true},
		{body: `{"data":{"state":"","status":"failed"}}`, state: "failed", phase: JobFailed, terminal: true},
		{body: `{"data":{"state":"canceled"}}`, state: "canceled", phase: JobFailed, terminal: true},
		{body: `{"data":{}}`, state: "", phase: JobPolling},
		{body: `{}`, state: "", phase: JobPolling},
	}
	for _, tt := range tests {
		result, terminal := decodeData(t, tt.body)
		assert.Equal(t, tt.terminal, terminal, tt.body)
		assert.Equal(t, tt.state, result.State, tt.body)
		assert.Equal(t, tt.phase, result.Phase, tt.body)
	}
}

func TestRemoteJobFinishOnce(t *testing.T) {
	job := NewRemoteJob("task-1")
	job.Finish(&JobResult{Phase: JobSucceeded, ImageURLs: []string{"a.png"}})
	job.Finish(&JobResult{Phase: JobFailed})
	assert.Equal(t, JobSucceeded, job.State)
	assert.Equal(t, []string{"a.png"}, job.ImageURLs)
}
