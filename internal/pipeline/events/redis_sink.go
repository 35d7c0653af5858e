package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// Message is the wire shape published to Redis, mirroring the SSE events a
// browser-facing driver forwards to clients.
type Message struct {
	Kind       string `json:"kind"` // job_start|step_start|step_complete|step_error|job_complete|job_error
	JobID      string `json:"job_id"`
	JobType    string `json:"job_type,omitempty"`
	StepName   string `json:"step_name,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	At         int64  `json:"at"`
}

// RedisSink publishes pipeline lifecycle events to a single Redis channel,
// adapted from internal/clients/redis.sseBus. Publish errors are logged and
// swallowed: a missed event notification must never fail a pipeline step.
type RedisSink struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewRedisSink(rdb *goredis.Client, channel string, baseLog *logger.Logger) *RedisSink {
	if channel == "" {
		channel = "pipeline-events"
	}
	return &RedisSink{log: baseLog.With("service", "PipelineRedisSink"), rdb: rdb, channel: channel}
}

func (s *RedisSink) publish(msg Message) {
	msg.At = time.Now().UTC().UnixMilli()
	raw, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("pipeline event: marshal failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.rdb.Publish(ctx, s.channel, raw).Err(); err != nil {
		s.log.Warn("pipeline event: publish failed", "kind", msg.Kind, "job_id", msg.JobID, "error", err)
	}
}

func (s *RedisSink) JobStart(jobID, jobType string) {
	s.publish(Message{Kind: "job_start", JobID: jobID, JobType: jobType})
}

func (s *RedisSink) StepStart(jobID, stepName string) {
	s.publish(Message{Kind: "step_start", JobID: jobID, StepName: stepName})
}

func (s *RedisSink) StepComplete(jobID, stepName string, durationMs int64) {
	s.publish(Message{Kind: "step_complete", JobID: jobID, StepName: stepName, DurationMs: durationMs})
}

func (s *RedisSink) StepError(jobID, stepName string, err error) {
	s.publish(Message{Kind: "step_error", JobID: jobID, StepName: stepName, Error: errString(err)})
}

func (s *RedisSink) JobComplete(jobID string) {
	s.publish(Message{Kind: "job_complete", JobID: jobID})
}

func (s *RedisSink) JobError(jobID string, err error) {
	s.publish(Message{Kind: "job_error", JobID: jobID, Error: errString(err)})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}
