package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"simrun.engine/internal/core/domain"
	"simrun.engine/internal/core/logger"
	"simrun.engine/internal/core/ports"
)

var (
	_ ports.EventPublisher = (*Publisher)(nil)
	_ ports.EventPublisher = Noop{}
)

const publishTimeout = 5 * time.Second

// StatusEvent is the payload published on <prefix>/jobs/<id>.
type StatusEvent struct {
	Type       string           `json:"type"`
	JobID      string           `json:"job_id"`
	Status     domain.JobStatus `json:"status"`
	SweepID    *string          `json:"sweep_id,omitempty"`
	ExitCode   *int             `json:"exit_code,omitempty"`
	Error      string           `json:"error,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

func newStatusEvent(job *domain.Job) StatusEvent {
	return StatusEvent{
		Type:       "job_update",
		JobID:      job.ID,
		Status:     job.Status,
		SweepID:    job.SweepID,
		ExitCode:   job.ExitCode,
		Error:      job.Error,
		OccurredAt: job.UpdatedAt,
	}
}

// Publisher sends job status changes to an MQTT broker. Delivery is best
// effort: failures are logged and never block a transition.
type Publisher struct {
	client mqtt.Client
	prefix string
	log    *slog.Logger
}

// NewPublisher connects to brokerURL.
func NewPublisher(brokerURL, prefix string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("simrun-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return newPublisher(client, prefix), nil
}

func newPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "simrun"
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		log:    logger.Get().With("component", "mqtt"),
	}
}

// Topic returns the topic a job's events are published on.
func (p *Publisher) Topic(jobID string) string {
	return fmt.Sprintf("%s/jobs/%s", p.prefix, jobID)
}

func (p *Publisher) PublishStatus(ctx context.Context, job *domain.Job) {
	payload, err := json.Marshal(newStatusEvent(job))
	if err != nil {
		p.log.Error("Failed to encode job event", "job_id", job.ID, "error", err)
		return
	}

	token := p.client.Publish(p.Topic(job.ID), 1, false, payload)
	// Waited for in the background so a slow broker never stalls a worker.
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			p.log.Warn("Timed out publishing job event", "job_id", job.ID, "status", job.Status)
			return
		}
		if err := token.Error(); err != nil {
			p.log.Warn("Failed to publish job event", "job_id", job.ID, "status", job.Status, "error", err)
		}
	}()
}

// Close disconnects after letting in-flight messages drain.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

// Noop drops every event. Used when no broker is configured.
type Noop struct{}

func (Noop) PublishStatus(context.Context, *domain.Job) {}
