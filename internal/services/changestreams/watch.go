package changestreamsvc

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/changeflo/internal/changestream"
	logpkg "github.com/rzbill/changeflo/pkg/log"
)

// Watch opens a cursor and pushes its documents to sink until the stream
// ends, the sink's context is cancelled, or the cursor fails. A stream that
// ends after an invalidating event returns nil.
func (s *Service) Watch(req WatchRequest, sink WatchSink) error {
	ctx := sink.Context()
	cur, n, err := s.open(ctx, req)
	if err != nil {
		return err
	}
	defer cur.Close()
	// Commit transport headers once the cursor is open.
	if err := sink.Flush(); err != nil {
		return errors.Wrap(err, "watch: flush")
	}
	s.logger.Debug("watch started", logpkg.Tenant(req.Tenant))

	// Per-watcher async writer to decouple slow transports.
	outCh := make(chan changestream.Document, s.sinkBufLen)
	var (
		wg      sync.WaitGroup
		sendMu  sync.Mutex
		sendErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		pending := 0
		var ticker *time.Timer
		if s.flushWindow > 0 {
			ticker = time.NewTimer(s.flushWindow)
			defer ticker.Stop()
		}
		var tick <-chan time.Time
		if ticker != nil {
			tick = ticker.C
		}
		fail := func(err error) {
			sendMu.Lock()
			if sendErr == nil {
				sendErr = err
			}
			sendMu.Unlock()
		}
		flush := func() {
			if pending > 0 {
				if err := sink.Flush(); err != nil {
					fail(err)
				}
				pending = 0
			}
		}
		for {
			select {
			case doc, ok := <-outCh:
				if !ok {
					flush()
					return
				}
				if err := sink.Send(doc); err != nil {
					fail(err)
				}
				pending++
				if s.flushWindow == 0 || pending >= 64 {
					flush()
					if ticker != nil {
						if !ticker.Stop() {
							select {
							case <-ticker.C:
							default:
							}
						}
						ticker.Reset(s.flushWindow)
					}
				}
			case <-ctx.Done():
				return
			case <-tick:
				flush()
				ticker.Reset(s.flushWindow)
			}
		}
	}()
	defer func() { close(outCh); wg.Wait() }()

	for {
		sendMu.Lock()
		err := sendErr
		sendMu.Unlock()
		if err != nil {
			return errors.Wrap(err, "watch: send")
		}
		ok, err := cur.HasNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !ok {
			s.logger.Debug("watch ended", logpkg.Tenant(req.Tenant), logpkg.Stringer("state", cur.State()))
			return nil
		}
		for i := 0; i < n; i++ {
			ev, err := cur.TryNext(ctx)
			if err != nil {
				return err
			}
			if ev == nil {
				break
			}
			select {
			case outCh <- cur.Document(*ev):
			case <-ctx.Done():
				return nil
			}
		}
	}
}
