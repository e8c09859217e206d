package epg

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"ziggotv-proxy/work/config"
	"ziggotv-proxy/work/logger"
	"ziggotv-proxy/work/store"
	"ziggotv-proxy/work/types"

	"github.com/maypok86/otter/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

const (
	epgFile        = "epg.json"
	windowDuration = 6 * time.Hour
	retention      = 5 * 24 * time.Hour
	timestampForm  = "20060102150405"
)

// Fetcher retrieves one raw EPG segment by its yyyymmddhhMMSS timestamp.
type Fetcher func(timestamp string) ([]byte, error)

// DetailFetcher retrieves the long-form metadata for an event.
type DetailFetcher func(eventID string) (types.EventDetails, error)

// Window is one 6-hour-aligned UTC interval of guide data. Start is the
// aligned Unix time; no two windows share a start.
type Window struct {
	Start     int64 `json:"start"`
	End       int64 `json:"end"`
	Processed bool  `json:"processed"`
}

// persisted is the on-disk shape of the guide.
type persisted struct {
	Windows  []Window                 `json:"windows"`
	Channels map[string][]types.Event `json:"channels"`
}

// Guide is the segmented EPG store: events keyed by channel, grouped
// into 6-hour windows, persisted to the profile directory. Window
// fetches run on a bounded worker pool, rate limited against the
// operator; event details are cached with a TTL.
type Guide struct {
	st      *store.Store
	fetch   Fetcher
	fetchD  DetailFetcher
	pool    *ants.Pool
	rl      ratelimit.Limiter
	details *otter.Cache[string, types.EventDetails]

	mu       sync.Mutex
	windows  []Window
	channels *xsync.MapOf[string, *EventList]
}

// New builds the guide, restores persisted windows and evicts anything
// older than the retention period.
func New(cfg *config.Config, st *store.Store, fetch Fetcher, fetchDetails DetailFetcher) (*Guide, error) {
	pool, err := ants.NewPool(cfg.EPGWorkers, ants.WithPreAlloc(true))
	if err != nil {
		return nil, fmt.Errorf("create EPG worker pool: %w", err)
	}

	g := &Guide{
		st:       st,
		fetch:    fetch,
		fetchD:   fetchDetails,
		pool:     pool,
		rl:       ratelimit.New(cfg.EPGRequestsPerSec),
		channels: xsync.NewMapOf[string, *EventList](),
		details: otter.Must(&otter.Options[string, types.EventDetails]{
			MaximumSize:      500,
			ExpiryCalculator: otter.ExpiryWriting[string, types.EventDetails](time.Hour),
		}),
	}
	g.load()
	return g, nil
}

// Close releases the worker pool.
func (g *Guide) Close() {
	g.pool.Release()
}

// AlignWindowStart floors t to the enclosing window boundary: UTC with
// the hour floored to a multiple of 6 and minutes and seconds zeroed.
func AlignWindowStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour()-u.Hour()%6, 0, 0, 0, time.UTC)
}

// Timestamp formats a window start the way the segment endpoint expects.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampForm)
}

// ObtainEvents fetches the current window unless it was already
// processed.
func (g *Guide) ObtainEvents() error {
	now := time.Now()
	return g.ObtainEventsInWindow(now, now)
}

// ObtainEventsInWindow fetches every aligned window covering
// [start, end]. Windows already processed are skipped; the remaining
// ones are fetched concurrently on the worker pool.
func (g *Guide) ObtainEventsInWindow(start, end time.Time) error {
	first := AlignWindowStart(start)
	last := AlignWindowStart(end)

	var pending []time.Time
	g.mu.Lock()
	for ws := first; !ws.After(last); ws = ws.Add(windowDuration) {
		if !g.processedLocked(ws.Unix()) {
			pending = append(pending, ws)
		}
	}
	g.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, ws := range pending {
		ws := ws
		wg.Add(1)
		if err := g.pool.Submit(func() {
			defer wg.Done()
			if err := g.fetchWindow(ws); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}); err != nil {
			wg.Done()
			errMu.Lock()
			errs = append(errs, err)
			errMu.Unlock()
		}
	}
	wg.Wait()

	g.persist()
	return errors.Join(errs...)
}

func (g *Guide) processedLocked(start int64) bool {
	for i := range g.windows {
		if g.windows[i].Start == start {
			return g.windows[i].Processed
		}
	}
	return false
}

// segmentEntry mirrors one channel's slice of the operator's segment
// response.
type segmentEntry struct {
	ChannelID string        `json:"channelId"`
	Events    []types.Event `json:"events"`
}

type segmentResponse struct {
	Entries []segmentEntry `json:"entries"`
}

// fetchWindow retrieves and processes one window's segment.
func (g *Guide) fetchWindow(ws time.Time) error {
	g.rl.Take()

	data, err := g.fetch(Timestamp(ws))
	if err != nil {
		return fmt.Errorf("fetch EPG window %s: %w", Timestamp(ws), err)
	}

	var seg segmentResponse
	if err := json.Unmarshal(data, &seg); err != nil {
		return fmt.Errorf("parse EPG window %s: %w", Timestamp(ws), err)
	}

	inserted := 0
	for _, entry := range seg.Entries {
		list, _ := g.channels.LoadOrCompute(entry.ChannelID, func() *EventList {
			return &EventList{}
		})
		for _, ev := range entry.Events {
			if list.Insert(ev) {
				inserted++
			}
		}
	}

	g.mu.Lock()
	g.markProcessedLocked(ws.Unix())
	g.mu.Unlock()

	logger.Debug("{epg - fetchWindow} window %s: %d channels, %d new events",
		Timestamp(ws), len(seg.Entries), inserted)
	return nil
}

func (g *Guide) markProcessedLocked(start int64) {
	for i := range g.windows {
		if g.windows[i].Start == start {
			g.windows[i].Processed = true
			return
		}
	}
	g.windows = append(g.windows, Window{
		Start:     start,
		End:       start + int64(windowDuration/time.Second),
		Processed: true,
	})
}

// Windows returns a copy of the stored window list.
func (g *Guide) Windows() []Window {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Window, len(g.windows))
	copy(out, g.windows)
	return out
}

// Events returns a channel's events ordered by start time.
func (g *Guide) Events(channelID string) []types.Event {
	list, ok := g.channels.Load(channelID)
	if !ok {
		return nil
	}
	return list.All()
}

// EventsBetween returns a channel's events overlapping [start, end).
func (g *Guide) EventsBetween(channelID string, start, end time.Time) []types.Event {
	list, ok := g.channels.Load(channelID)
	if !ok {
		return nil
	}
	return list.Between(start.Unix(), end.Unix())
}

// Details returns an event's long-form metadata, fetching it lazily and
// caching the result for an hour.
func (g *Guide) Details(eventID string) (types.EventDetails, error) {
	if d, ok := g.details.GetIfPresent(eventID); ok {
		return d, nil
	}

	g.rl.Take()
	d, err := g.fetchD(eventID)
	if err != nil {
		return types.EventDetails{}, err
	}
	g.details.Set(eventID, d)
	return d, nil
}

// load restores the persisted guide and evicts windows older than the
// retention period, together with the events they carried.
func (g *Guide) load() {
	var p persisted
	if err := g.st.Load(epgFile, &p); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("{epg - load} discarding unreadable guide state: %v", err)
		}
		return
	}

	cutoff := time.Now().Add(-retention).Unix()

	g.mu.Lock()
	g.windows = g.windows[:0]
	for _, w := range p.Windows {
		if w.Start >= cutoff {
			g.windows = append(g.windows, w)
		}
	}
	g.mu.Unlock()

	for ch, events := range p.Channels {
		list := &EventList{}
		for _, ev := range events {
			list.Insert(ev)
		}
		list.prune(cutoff)
		g.channels.Store(ch, list)
	}
}

// persist writes the whole guide as one atomic file replacement.
func (g *Guide) persist() {
	g.mu.Lock()
	snapshot := persisted{
		Windows:  make([]Window, len(g.windows)),
		Channels: map[string][]types.Event{},
	}
	copy(snapshot.Windows, g.windows)
	g.mu.Unlock()

	g.channels.Range(func(ch string, list *EventList) bool {
		snapshot.Channels[ch] = list.All()
		return true
	})

	if err := g.st.Save(epgFile, &snapshot); err != nil {
		logger.Warn("{epg - persist} failed to persist guide: %v", err)
	}
}
