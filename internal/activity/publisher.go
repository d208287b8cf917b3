// Package activity publishes moderation-relevant user actions to a
// JetStream stream.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamName is the stream holding every litfinder.> subject.
const StreamName = "LITFINDER"

type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type Publisher struct {
	nc     *nats.Conn
	js     streamPublisher
	source string
	now    func() time.Time
}

func NewPublisher(natsURL, source string) (*Publisher, error) {
	nc, err := nats.Connect(natsURL, nats.Name(source))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"litfinder.>"},
		Retention: jetstream.LimitsPolicy,
		MaxMsgs:   1000000,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		MaxAge:    30 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		slog.Warn("failed to create LITFINDER stream (may already exist)", "error", err)
	}

	return &Publisher{
		nc:     nc,
		js:     js,
		source: source,
		now:    time.Now,
	}, nil
}

func (p *Publisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func (p *Publisher) newMetadata(entityID, actor string) Metadata {
	return Metadata{
		RecordID:  uuid.NewString(),
		EntityID:  entityID,
		Timestamp: p.now().Unix(),
		Source:    p.source,
		Actor:     actor,
	}
}

func (p *Publisher) publish(ctx context.Context, subject string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish record: %w", err)
	}

	slog.Debug("published activity", "subject", subject)
	return nil
}

func (p *Publisher) EventCreated(ctx context.Context, eventID, owner, name string) error {
	return p.publish(ctx, "litfinder.event."+eventID+".created", EventCreated{
		Metadata: p.newMetadata(eventID, owner),
		EventID:  eventID,
		Name:     name,
		Owner:    owner,
	})
}

func (p *Publisher) EventDeleted(ctx context.Context, eventID, actor string) error {
	return p.publish(ctx, "litfinder.event."+eventID+".deleted", EventDeleted{
		Metadata: p.newMetadata(eventID, actor),
		EventID:  eventID,
	})
}

func (p *Publisher) PromotionRequested(ctx context.Context, eventID, requester string) error {
	return p.publish(ctx, "litfinder.promotion."+eventID+".requested", PromotionRequested{
		Metadata:  p.newMetadata(eventID, requester),
		EventID:   eventID,
		Requester: requester,
	})
}

func (p *Publisher) ReportFiled(ctx context.Context, eventID, reporter, reason string) error {
	return p.publish(ctx, "litfinder.report."+eventID+".filed", ReportFiled{
		Metadata: p.newMetadata(eventID, reporter),
		EventID:  eventID,
		Reporter: reporter,
		Reason:   reason,
	})
}
