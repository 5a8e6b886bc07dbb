package job

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Namespace is the key prefix for persisted jobs in the shared store.
const Namespace = "job"

// Action identifies what a job asks a worker to do.
type Action string

const (
	ActionStatus    Action = "status"
	ActionTerminate Action = "terminate"
	ActionChat      Action = "chat"
	ActionGenerate  Action = "generate"
	ActionEmbed     Action = "embed"
)

// ParseAction validates an action string against the known set.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionStatus, ActionTerminate, ActionChat, ActionGenerate, ActionEmbed:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown job action %q", s)
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Payload carries the requested action and its arguments, plus the
// routing fields the notifier needs to deliver the result back to the
// original requester.
type Payload struct {
	Action    Action    `json:"action"`
	Prompt    string    `json:"prompt,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
	Input     string    `json:"input,omitempty"`
	Model     string    `json:"model,omitempty"`
	ChannelID string    `json:"channelId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
}

// Job is immutable after creation. Completion is modeled as deletion of
// the stored record, so the persisted job set always equals pending plus
// in-flight work.
type Job struct {
	ID        string  `json:"jobId"`
	Data      Payload `json:"data"`
	Engine    string  `json:"engine"`
	Priority  int     `json:"priority"`  // lower sorts first
	CreatedAt int64   `json:"createdAt"` // unix milliseconds
}

// New assigns a fresh id and creation timestamp. Priority defaults to 0
// when callers pass it through unset.
func New(data Payload, engine string, priority int) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Data:      data,
		Engine:    engine,
		Priority:  priority,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// Key derives the storage key: job:{jobId}:{priority}:{createdAt}. It is
// both the persistence key and the sortable assignment key.
func (j *Job) Key() string {
	return fmt.Sprintf("%s:%s:%d:%d", Namespace, j.ID, j.Priority, j.CreatedAt)
}

// KeyPrefix matches every key for the given job id; workers do not know
// the priority/timestamp suffix in advance.
func KeyPrefix(jobID string) string {
	return fmt.Sprintf("%s:%s:*", Namespace, jobID)
}

// MarshalBinary implements encoding.BinaryMarshaler for the store.
func (j *Job) MarshalBinary() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for the store.
func (j *Job) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, j)
}

// ParsedKey is the scheduling view of one storage key.
type ParsedKey struct {
	Key       string
	JobID     string
	Priority  int
	CreatedAt int64
}

// ParseKey splits a storage key into job id, priority and creation
// timestamp. A key missing any field, or with a non-numeric priority or
// timestamp, is malformed.
func ParseKey(key string) (ParsedKey, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != Namespace || parts[1] == "" {
		return ParsedKey{}, fmt.Errorf("malformed job key %q", key)
	}
	priority, err := strconv.Atoi(parts[2])
	if err != nil {
		return ParsedKey{}, fmt.Errorf("malformed priority in job key %q", key)
	}
	createdAt, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return ParsedKey{}, fmt.Errorf("malformed timestamp in job key %q", key)
	}
	return ParsedKey{Key: key, JobID: parts[1], Priority: priority, CreatedAt: createdAt}, nil
}

// SortListByKeys parses keys, drops malformed ones, and orders the rest
// by priority then creation time. Comparison is numeric, not
// lexicographic, so priority 9 sorts before priority 10.
func SortListByKeys(keys []string) []ParsedKey {
	parsed := make([]ParsedKey, 0, len(keys))
	for _, k := range keys {
		pk, err := ParseKey(k)
		if err != nil {
			continue
		}
		parsed = append(parsed, pk)
	}
	sort.Slice(parsed, func(i, j int) bool {
		if parsed[i].Priority != parsed[j].Priority {
			return parsed[i].Priority < parsed[j].Priority
		}
		return parsed[i].CreatedAt < parsed[j].CreatedAt
	})
	return parsed
}
