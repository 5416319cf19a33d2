package link

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsbridge/internal/gps"
	"github.com/shaunagostinho/gpsbridge/internal/transport"
)

type chunk struct {
	data []byte
	err  error
	at   time.Time
}

// read runs the session's reader until the stream fails, goes silent, or
// the session is torn down. It reports a failure at most once.
func (s *Supervisor) read(ctx context.Context, gen uint64, deviceID string, stream transport.Stream) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan chunk)
	go s.readLoop(ctx, stream, chunks)

	var lines gps.LineBuffer
	lastActivity := time.Now()
	rate := s.RefreshRate()
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	fail := func(op string, err error) {
		_ = stream.Close()
		s.handleFailedConnection(ctx, gen, &transport.Error{Op: op, Device: deviceID, Err: err})
	}

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-chunks:
			if len(c.data) > 0 {
				lastActivity = c.at
				if out := lines.Feed(c.data); len(out) > 0 {
					s.sink.Data(ctx, out)
				}
			}
			if c.err != nil {
				if ctx.Err() != nil {
					return
				}
				fail("read", c.err)
				return
			}

		case now := <-ticker.C:
			limit := time.Duration(s.cfg.MaxActivityTimeout) * s.RefreshRate()
			if silent := now.Sub(lastActivity); silent > limit {
				s.log.Warn("link: receiver silent",
					zap.String("device", deviceID),
					zap.Duration("silent", silent),
					zap.Duration("limit", limit),
					zap.Int("dropped", lines.Dropped()))
				fail("silence", fmt.Errorf("no data for %s", silent.Round(time.Millisecond)))
				return
			}
			if r := s.RefreshRate(); r != rate {
				rate = r
				ticker.Reset(rate)
			}
		}
	}
}

// readLoop blocks on the stream and forwards what it reads, pausing one
// refresh interval after each read. Closing the stream ends it.
func (s *Supervisor) readLoop(ctx context.Context, stream transport.Stream, out chan<- chunk) {
	for {
		buf := make([]byte, s.cfg.ReadBufferSize)
		n, err := stream.Read(buf)
		if n == 0 && err == nil {
			// Serial read timeout; not activity.
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		select {
		case out <- chunk{data: buf[:n], err: err, at: time.Now()}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.RefreshRate()):
		}
	}
}
