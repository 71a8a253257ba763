package coord

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/cp-cp/Computer-Graphics/master/pool"
	"github.com/cp-cp/Computer-Graphics/shared/comms"
	"github.com/cp-cp/Computer-Graphics/shared/frame"
	"github.com/cp-cp/Computer-Graphics/shared/state"
)

// These constants are the coordinator's defaults.
const (
	DefaultTraceTimeout   = 10 * time.Second // How long a worker may take over one band.
	DefaultAttempts       = 3                // How many workers a band is tried on before the frame fails.
	DefaultBandsPerWorker = 2
)

// Coordinator splits frames into bands and farms them out to the system's workers.
type Coordinator struct {
	sys           *System
	width, height int

	TraceTimeout   time.Duration
	Attempts       int
	BandsPerWorker int
}

// NewCoordinator creates a coordinator for frames of the given size.
func NewCoordinator(sys *System, width, height int) *Coordinator {
	return &Coordinator{
		sys:            sys,
		width:          width,
		height:         height,
		TraceTimeout:   DefaultTraceTimeout,
		Attempts:       DefaultAttempts,
		BandsPerWorker: DefaultBandsPerWorker,
	}
}

// RenderFrame has the workers trace the frame numbered n with the per-frame state m.
// A band whose worker fails is retried on other workers; if it fails Attempts times, so does the frame.
func (c *Coordinator) RenderFrame(ctx context.Context, n uint64, m state.EnvMutables) (*frame.Framebuffer, error) {
	// Find the number of workers.
	// This number might change while assigning tasks, so this is just a heuristic for partitioning.
	numWorkers := c.sys.Workers.Size()
	if numWorkers == 0 {
		return nil, errors.Wrapf(pool.ErrNoWorkers, "frame %d", n)
	}

	// Encode the frame's state once for every band.
	diff, err := comms.EncodeMutables(m)
	if err != nil {
		return nil, err
	}

	fb := frame.New(c.width, c.height)
	group, ctx := errgroup.WithContext(ctx)
	for _, band := range frame.Bands(c.width, c.height, numWorkers*max(c.BandsPerWorker, 1)) {
		order := &comms.WorkOrder{
			X:      uint32(band.X),
			Y:      uint32(band.Y),
			Width:  uint32(band.Width),
			Height: uint32(band.Height),
			Frame:  n,
			Diff:   diff,
		}
		group.Go(func() error {
			return c.renderBand(ctx, fb, band, order)
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return fb, nil
}

// renderBand traces one band into fb, trying a different worker after each failure.
func (c *Coordinator) renderBand(ctx context.Context, fb *frame.Framebuffer, band frame.Region, order *comms.WorkOrder) error {
	var tried []string
	var lastErr error
	for attempt := 0; attempt < max(c.Attempts, 1); attempt++ {
		resultCh, err := c.sys.Workers.Assign(ctx, order, c.TraceTimeout, tried...)
		if err != nil {
			return err
		}
		result := <-resultCh
		if result.Err == nil {
			lastErr = c.place(fb, band, order, result.Results)
			if lastErr == nil {
				return nil
			}
		} else {
			lastErr = result.Err
		}

		// Don't bother retrying once the frame is abandoned.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("Band at row %d of frame %d failed on %s (attempt %d): %v.\n", band.Y, order.Frame, result.Address, attempt+1, lastErr)
		tried = append(tried, result.Address)
	}
	return errors.Wrapf(lastErr, "band at row %d of frame %d failed %d times", band.Y, order.Frame, max(c.Attempts, 1))
}

// place checks a worker's results against the band it was given and copies them into fb.
func (c *Coordinator) place(fb *frame.Framebuffer, band frame.Region, order *comms.WorkOrder, results *comms.TraceResults) error {
	if results.Frame != order.Frame {
		return errors.Errorf("results are for frame %d, not %d", results.Frame, order.Frame)
	}
	pixels, err := comms.UnpackPixels(results.GetPixels())
	if err != nil {
		return err
	}
	// The bands are disjoint, so they may be blitted concurrently.
	return fb.Blit(band, pixels)
}
