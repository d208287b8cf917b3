package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"eddisonso.com/litfinder/internal/store"
)

// WatchID identifies an active device watch.
type WatchID int64

// Fix is one position report from the device.
type Fix struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy,omitempty"`
}

// WatchOptions are passed through to the device.
type WatchOptions struct {
	HighAccuracy bool          `json:"enableHighAccuracy"`
	MaximumAge   time.Duration `json:"-"`
	Timeout      time.Duration `json:"-"`
}

// DefaultWatchOptions matches what the browser client asks for.
var DefaultWatchOptions = WatchOptions{
	HighAccuracy: true,
	MaximumAge:   5 * time.Second,
	Timeout:      10 * time.Second,
}

// Device is the geolocation source. WatchPosition returns an apperr
// DeviceUnavailable error when positions cannot be obtained at all.
// Callbacks must not run before WatchPosition has returned.
type Device interface {
	WatchPosition(onFix func(Fix), onErr func(error), opts WatchOptions) (WatchID, error)
	ClearWatch(id WatchID)
}

// Publisher writes the viewer's position to locations/{uid} for as long
// as it runs. Start and Stop bracket one session.
type Publisher struct {
	store  store.Store
	device Device

	// ClearOnStop deletes the location record on Stop so peers see the
	// user go offline.
	ClearOnStop bool

	mu       sync.Mutex
	uid      string
	watch    WatchID
	watching bool
	ctx      context.Context
	cancel   context.CancelFunc
	// writes tracks the store writes of the current run. Stop waits for
	// them before clearing the record.
	writes *sync.WaitGroup
}

func NewPublisher(st store.Store, device Device) *Publisher {
	return &Publisher{store: st, device: device, ClearOnStop: true}
}

// Start begins publishing for uid. It is a no-op while already running.
// When the device is unavailable the error is returned and nothing runs.
func (p *Publisher) Start(ctx context.Context, uid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watching {
		return nil
	}

	pctx, cancel := context.WithCancel(ctx)
	id, err := p.device.WatchPosition(
		func(f Fix) { p.publish(pctx, uid, f) },
		func(err error) { slog.Warn("geolocation error", "uid", uid, "error", err) },
		DefaultWatchOptions,
	)
	if err != nil {
		cancel()
		slog.Warn("location publishing not started", "uid", uid, "error", err)
		return err
	}

	p.uid = uid
	p.watch = id
	p.watching = true
	p.ctx = pctx
	p.cancel = cancel
	p.writes = &sync.WaitGroup{}
	slog.Info("location publishing started", "uid", uid)
	return nil
}

// publish merges one fix into the location record. Fixes that arrive
// after Stop are dropped. The write runs without the lock held.
func (p *Publisher) publish(ctx context.Context, uid string, f Fix) {
	p.mu.Lock()
	if !p.watching || p.ctx != ctx || ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	writes := p.writes
	writes.Add(1)
	p.mu.Unlock()
	defer writes.Done()

	err := p.store.UpsertMerge(ctx, store.Locations, uid, store.Document{
		"uid":     uid,
		"lat":     f.Lat,
		"lng":     f.Lng,
		"updated": store.ServerTimestamp,
	})
	if err != nil && ctx.Err() == nil {
		slog.Warn("publish location", "uid", uid, "error", err)
	}
}

// Stop clears the device watch. Writes still in flight are cancelled and
// waited for, so the record is deleted last. Calling it again is a no-op.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.watching {
		p.mu.Unlock()
		return nil
	}
	watch, cancel, writes, uid := p.watch, p.cancel, p.writes, p.uid
	p.watching = false
	p.uid = ""
	p.mu.Unlock()

	p.device.ClearWatch(watch)
	cancel()
	writes.Wait()
	slog.Info("location publishing stopped", "uid", uid)

	if p.ClearOnStop {
		if err := p.store.Delete(ctx, store.Locations, uid); err != nil {
			return err
		}
	}
	return nil
}

// Active reports whether a watch is running.
func (p *Publisher) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watching
}
