package throughput

import (
	"encoding/json"
	"sync"
	"time"
)

const interval time.Duration = time.Second

// maximum number of per-interval samples kept for the digest
const maxWindows = 60

// Throughput counts units (bytes, frames) observed per one-second window
type Throughput struct {
	unit string

	lock  sync.Mutex
	count int
	total int
	start time.Time
	stop  time.Time
	data  []int
}

type snapshot struct {
	Unit  string    `json:"unit"`
	Total int       `json:"total"`
	Start time.Time `json:"start"`
	Stop  time.Time `json:"stop"`
	Data  []int     `json:"data"`
}

func New(unit string, done <-chan struct{}) *Throughput {
	now := time.Now().UTC()
	t := &Throughput{
		unit:  unit,
		start: now,
		stop:  now,
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				t.roll(time.Now().UTC())
			}
		}
	}()

	return t
}

func (t *Throughput) roll(now time.Time) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.stop = now
	t.total += t.count
	t.data = append(t.data, t.count)
	if len(t.data) > maxWindows {
		t.data = t.data[len(t.data)-maxWindows:]
	}

	// empty out our current window
	t.count = 0
}

func (t *Throughput) Count(n int) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.count += n
}

func (t *Throughput) Reset() {
	t.lock.Lock()
	defer t.lock.Unlock()

	now := time.Now().UTC()
	t.count = 0
	t.total = 0
	t.start = now
	t.stop = now
	t.data = []int{}
}

// Total includes the window still being counted
func (t *Throughput) Total() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.total + t.count
}

func (t *Throughput) String() json.RawMessage {
	t.lock.Lock()
	s := snapshot{
		Unit:  t.unit,
		Total: t.total + t.count,
		Start: t.start,
		Stop:  t.stop,
		Data:  append([]int{}, t.data...),
	}
	t.lock.Unlock()

	// nothing in snapshot can fail to marshal
	bytes, _ := json.Marshal(s)
	return bytes
}
