// Package ingest forwards validated sensor payloads from authenticated
// devices to downstream consumers.
package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cropwatch/device-auth/internal/domain"
)

// Kind names the endpoint a reading arrived on.
type Kind string

const (
	KindAmbient Kind = "ambient"
	KindCapture Kind = "capture"
	KindLog     Kind = "log"
)

// Reading is a payload stamped with the identity of the device that sent it.
type Reading struct {
	Kind       Kind      `json:"kind"`
	DeviceID   int64     `json:"deviceId"`
	PlantID    *int64    `json:"plantId,omitempty"`
	CropID     *int64    `json:"cropId,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
	Payload    any       `json:"payload"`
}

// NewReading stamps payload with the caller identity.
func NewReading(kind Kind, id *domain.DeviceIdentityContext, receivedAt time.Time, payload any) Reading {
	return Reading{
		Kind:       kind,
		DeviceID:   id.DeviceID,
		PlantID:    id.PlantID,
		CropID:     id.CropID,
		ReceivedAt: receivedAt.UTC(),
		Payload:    payload,
	}
}

// Sink accepts readings.
type Sink interface {
	Publish(ctx context.Context, r Reading) error
}

// LogSink writes readings to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.L()
	}
	return &LogSink{logger: logger.Named("ingest")}
}

func (s *LogSink) Publish(_ context.Context, r Reading) error {
	s.logger.Info("reading received",
		zap.String("kind", string(r.Kind)),
		zap.Int64("device_id", r.DeviceID),
		zap.Time("received_at", r.ReceivedAt),
		zap.Any("payload", r.Payload),
	)
	return nil
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, r Reading) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
