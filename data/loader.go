package data

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
)

// Loader hands out training batches. Next blocks until a batch is ready or
// the context is done; io.EOF signals exhaustion.
type Loader interface {
	Next(ctx context.Context) (*Batch, error)
}

// FileLoader reads packed uint16 token files sequentially, slicing them into
// [batchSize, seqLen+1] windows. The file is a flat little-endian token
// stream with no framing; document boundary metadata, when present, lives in
// a sidecar consumed elsewhere.
type FileLoader struct {
	f         *os.File
	batchSize int
	seqLen    int
	buf       []byte
}

func NewFileLoader(path string, batchSize, seqLen int) (*FileLoader, error) {
	if batchSize <= 0 || seqLen <= 0 {
		return nil, fmt.Errorf("data: batch size %d and sequence length %d must be positive", batchSize, seqLen)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("data: opening token file: %w", err)
	}
	return &FileLoader{
		f:         f,
		batchSize: batchSize,
		seqLen:    seqLen,
		buf:       make([]byte, 2*(seqLen+1)),
	}, nil
}

func (l *FileLoader) Close() error {
	return l.f.Close()
}

// Next reads the next batch. A partial window at the end of the file is
// discarded and reported as io.EOF.
func (l *FileLoader) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch := &Batch{IDs: make([][]int32, l.batchSize)}
	for i := range batch.IDs {
		if _, err := io.ReadFull(l.f, l.buf); err != nil {
			if err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("data: reading token file: %w", err)
		}
		row := make([]int32, l.seqLen+1)
		for j := range row {
			row[j] = int32(binary.LittleEndian.Uint16(l.buf[2*j:]))
		}
		batch.IDs[i] = row
	}
	return batch, nil
}

// Prefetcher wraps a Loader and keeps up to depth batches decoded ahead of
// the consumer. Close the returned loader's context to stop the background
// reader.
type Prefetcher struct {
	ch     chan *Batch
	g      *errgroup.Group
	cancel context.CancelFunc
}

func NewPrefetcher(ctx context.Context, src Loader, depth int) *Prefetcher {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	p := &Prefetcher{
		ch:     make(chan *Batch, depth),
		g:      g,
		cancel: cancel,
	}
	g.Go(func() error {
		defer close(p.ch)
		for {
			b, err := src.Next(ctx)
			if err != nil {
				return err
			}
			select {
			case p.ch <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	return p
}

// Next returns the next prefetched batch, or the background reader's error
// once the channel drains.
func (p *Prefetcher) Next(ctx context.Context) (*Batch, error) {
	select {
	case b, ok := <-p.ch:
		if !ok {
			return nil, p.g.Wait()
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop cancels the background reader and waits for it to exit.
func (p *Prefetcher) Stop() {
	p.cancel()
	_ = p.g.Wait()
}
