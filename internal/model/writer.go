package model

import "context"

// EventWriter delivers events to the ingestion pipeline.
type EventWriter interface {
	Write(ctx context.Context, events ...Event) error
}

type EventWriteCloser interface {
	EventWriter
	Close() error
}
