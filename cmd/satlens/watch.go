package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/satlens/annotate"
	"github.com/hazyhaar/satlens/idgen"
	"github.com/hazyhaar/satlens/mutation"
)

// runWatch follows a domwatch stream: every snapshot is parsed and
// scanned, every batch is applied to the current tree and its new nodes
// go through the incremental controller. Scan results are written to out
// as "scan" envelopes; at the end of the stream the annotated document
// is written as a "snapshot" envelope.
func runWatch(ctx context.Context, in io.Reader, out io.Writer, cfg *annotate.Config, rate float64, opts []annotate.Option, logger *slog.Logger) error {
	opts = append([]annotate.Option{annotate.WithLogger(logger)}, opts...)
	e, err := annotate.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := e.SetRate(rate); err != nil {
		return err
	}
	wr := mutation.NewWriter(out)

	watchCtx, stopWatch := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.Watch(watchCtx)
	}()
	defer func() {
		stopWatch()
		wg.Wait()
	}()

	events := make(chan mutation.Event)
	errc := make(chan error, 1)
	go func() {
		dec := mutation.NewDecoder(in)
		for {
			ev, err := dec.Next()
			if err != nil {
				errc <- err
				return
			}
			select {
			case events <- ev:
			case <-watchCtx.Done():
				return
			}
		}
	}()

	var pageURL string
	var lastSeq uint64
	waiting := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errc:
			if !errors.Is(err, io.EOF) {
				return err
			}
			stopWatch()
			wg.Wait()
			return finish(e, wr, pageURL, rate)

		case ev := <-events:
			switch {
			case ev.Snapshot != nil:
				root, err := html.Parse(bytes.NewReader(ev.Snapshot.HTML))
				if err != nil {
					logger.Warn("satlens: bad snapshot", "page_url", ev.Snapshot.PageURL, "error", err)
					continue
				}
				pageURL, waiting, lastSeq = ev.Snapshot.PageURL, false, 0
				e.SetContext(&annotate.FrameContext{URL: pageURL})
				res := e.Scan(root, rate)
				if err := wr.Write(mutation.TypeScan, res); err != nil {
					return err
				}

			case ev.Batch != nil:
				b := ev.Batch
				if waiting {
					logger.Debug("satlens: batch before snapshot dropped", "seq", b.Seq)
					continue
				}
				if lastSeq != 0 && b.Seq != lastSeq+1 {
					logger.Warn("satlens: batch gap", "after", lastSeq, "got", b.Seq)
				}
				lastSeq = b.Seq
				res := e.Apply(b)
				if res.Reset {
					waiting = true
					logger.Info("satlens: document reset, waiting for snapshot", "page_url", b.PageURL)
				}
				logger.Debug("satlens: batch applied",
					"seq", b.Seq, "applied", res.Applied, "skipped", res.Skipped, "inserted", res.Inserted)
			}
		}
	}
}

// finish rescans the final tree, catching nodes still waiting in the
// controller, and emits it.
func finish(e *annotate.Engine, wr *mutation.Writer, pageURL string, rate float64) error {
	root := e.Root()
	if root == nil {
		return nil
	}
	res := e.Scan(root, rate)
	if err := wr.Write(mutation.TypeScan, res); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := renderDoc(&buf, root); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	return wr.Write(mutation.TypeSnapshot, mutation.Snapshot{
		ID:        idgen.New(),
		PageURL:   pageURL,
		HTML:      buf.Bytes(),
		HTMLHash:  mutation.HashHTML(buf.Bytes()),
		Timestamp: time.Now().UnixMilli(),
	})
}
