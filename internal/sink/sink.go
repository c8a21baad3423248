package sink

import (
	"context"

	"codeberg.org/mutker/upsplusd/internal/errors"
	"codeberg.org/mutker/upsplusd/internal/upsplus"
)

// Sink consumes completed samples. Implementations own their backing
// resource and must tolerate a single Close after the loop stops.
type Sink interface {
	Record(ctx context.Context, sample upsplus.Sample) error
	Close() error
}

// Multi fans one sample out to every configured sink. Record attempts all
// sinks even after a failure so one broken sink cannot starve the others;
// the collected errors are returned joined.
type Multi []Sink

func (m Multi) Record(ctx context.Context, sample upsplus.Sample) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, sample); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
