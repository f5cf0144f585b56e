package models

import (
	"encoding/json"
	"errors"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// Queue names. Search pages feed the parse queue.
const (
	QueueSearchPages   = "search-pages"
	QueueParseListings = "parse-listings"
)

// QueueMessage is the structure stored in the queue.
// Keep it simple - just enough to route the job.
type QueueMessage struct {
	JobID   string          `json:"job_id"`
	Type    string          `json:"type"`    // Queue/job type for worker routing
	Payload json.RawMessage `json:"payload"` // Job-specific data (passed through)
}

// JobPayload is the payload carried by both search-page and parse-listing jobs
type JobPayload struct {
	URL       string `json:"url"`
	SourceTag string `json:"sourceTag,omitempty"`
}

// NewJobMessage builds a queue message for a URL job
func NewJobMessage(jobID, jobType, url, sourceTag string) (QueueMessage, error) {
	payload, err := json.Marshal(JobPayload{URL: url, SourceTag: sourceTag})
	if err != nil {
		return QueueMessage{}, err
	}
	return QueueMessage{JobID: jobID, Type: jobType, Payload: payload}, nil
}
