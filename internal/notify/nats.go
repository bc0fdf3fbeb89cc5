// Package notify announces finished ingestion runs over NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/i474232898/utility-data-ingestion/internal/ingestion"
)

// Publisher is the subset of *nats.Conn used here.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS with reconnects enabled.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("utility-data-ingestion"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// RunEvent is the payload published for each finished run.
type RunEvent struct {
	Type         string              `json:"type"`
	RunID        string              `json:"runId"`
	SourceID     string              `json:"sourceId"`
	Status       ingestion.RunStatus `json:"status"`
	StartedAt    time.Time           `json:"startedAt"`
	EndedAt      *time.Time          `json:"endedAt,omitempty"`
	RowsUpserted int                 `json:"rowsUpserted"`
	ErrorSummary string              `json:"errorSummary,omitempty"`
}

// RunPublisher implements ingestion.RunListener. Publish failures are logged
// and never affect the run.
type RunPublisher struct {
	pub    Publisher
	prefix string
	logger *zap.Logger
}

func NewRunPublisher(pub Publisher, subjectPrefix string, logger *zap.Logger) *RunPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	subjectPrefix = strings.TrimSuffix(subjectPrefix, ".")
	if subjectPrefix == "" {
		subjectPrefix = "ingestion.run"
	}
	return &RunPublisher{pub: pub, prefix: subjectPrefix, logger: logger}
}

// Subject returns the subject for a source.
func (p *RunPublisher) Subject(sourceID string) string {
	return p.prefix + "." + strings.ToLower(sourceID)
}

func (p *RunPublisher) RunSkipped(string) {}

func (p *RunPublisher) RunFinished(_ context.Context, run ingestion.Run) {
	data, err := json.Marshal(RunEvent{
		Type:         "ingestion.run.finished",
		RunID:        run.ID.String(),
		SourceID:     run.SourceID,
		Status:       run.Status,
		StartedAt:    run.StartedAt,
		EndedAt:      run.EndedAt,
		RowsUpserted: run.RowsUpserted,
		ErrorSummary: run.ErrorSummary,
	})
	if err != nil {
		p.logger.Error("marshal run event", zap.Error(err))
		return
	}
	subject := p.Subject(run.SourceID)
	if err := p.pub.Publish(subject, data); err != nil {
		p.logger.Warn("publish run event failed", zap.String("subject", subject), zap.Error(err))
	}
}
