package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/i474232898/utility-data-ingestion/internal/ingestion"
)

type capture struct {
	subject string
	data    []byte
	err     error
}

func (c *capture) Publish(subject string, data []byte) error {
	c.subject = subject
	c.data = data
	return c.err
}

func TestRunPublisherPublishesFinishedRun(t *testing.T) {
	c := &capture{}
	p := NewRunPublisher(c, "ingestion.run.", nil)

	run := ingestion.NewRun("CENSUS_ACS", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	_ = run.Finish(ingestion.RunStatusSuccess, 42, "", run.StartedAt.Add(time.Minute))
	p.RunFinished(context.Background(), run)

	if c.subject != "ingestion.run.census_acs" {
		t.Fatalf("unexpected subject %q", c.subject)
	}
	var evt RunEvent
	if err := json.Unmarshal(c.data, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.RunID != run.ID.String() || evt.Status != ingestion.RunStatusSuccess || evt.RowsUpserted != 42 {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestRunPublisherSwallowsPublishErrors(t *testing.T) {
	c := &capture{err: errors.New("nats: connection closed")}
	p := NewRunPublisher(c, "", nil)
	run := ingestion.NewRun("EIA", time.Now())
	_ = run.Finish(ingestion.RunStatusFailed, 0, "boom", time.Now())

	p.RunFinished(context.Background(), run)
	if c.subject != "ingestion.run.eia" {
		t.Fatalf("unexpected subject %q", c.subject)
	}
}
