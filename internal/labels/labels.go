package labels

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultLabels are the friendly station names of the monitoring network.
var DefaultLabels = map[string]string{
	"S1_PMTHVD": "Colegio Parnaso",
	"S2_PMTHVD": "GRB_LLenadero Ppal",
	"S3_PMTHVD": "Barrio Yariguies",
	"S4_PMTHVD": "GRB_B. Rosario",
	"S5_PMTHVD": "GRB_PTAR",
	"S6_PMTHVD": "ICPET",
}

// Source loads device labels from an external store.
type Source interface {
	Load(ctx context.Context) (map[string]string, error)
}

// Directory maps device ids to human-readable labels for reporting. Labels
// never affect what is stored. Safe for concurrent use.
type Directory struct {
	mu     sync.RWMutex
	static map[string]string
	labels map[string]string
	source Source
}

// NewDirectory layers overrides on DefaultLabels. source may be nil.
func NewDirectory(overrides map[string]string, source Source) *Directory {
	static := make(map[string]string, len(DefaultLabels)+len(overrides))
	for id, label := range DefaultLabels {
		static[id] = label
	}
	for id, label := range overrides {
		static[id] = label
	}

	return &Directory{
		static: static,
		labels: copyMap(static),
		source: source,
	}
}

// Refresh reloads labels from the source. Source entries win over static
// ones. On error the current labels are kept.
func (d *Directory) Refresh(ctx context.Context) error {
	if d.source == nil {
		return nil
	}

	loaded, err := d.source.Load(ctx)
	if err != nil {
		return err
	}

	merged := copyMap(d.static)
	for id, label := range loaded {
		if label != "" {
			merged[id] = label
		}
	}

	d.mu.Lock()
	d.labels = merged
	d.mu.Unlock()
	return nil
}

// Watch refreshes every interval until ctx is done. Failures go to onErr
// and the previous labels stay in place.
func (d *Directory) Watch(ctx context.Context, clock clockwork.Clock, interval time.Duration, onErr func(error)) {
	if d.source == nil || interval <= 0 {
		return
	}

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := d.Refresh(ctx); err != nil && onErr != nil && ctx.Err() == nil {
				onErr(err)
			}
		}
	}
}

// Label returns the friendly name of deviceID, or deviceID itself.
func (d *Directory) Label(deviceID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if label, ok := d.labels[deviceID]; ok {
		return label
	}
	return deviceID
}

func (d *Directory) All() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyMap(d.labels)
}

// Devices returns known device ids in sorted order.
func (d *Directory) Devices() []string {
	d.mu.RLock()
	ids := make([]string, 0, len(d.labels))
	for id := range d.labels {
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
