// Package cache implements the sector buffer cache sitting between the
// inode/directory layers and a device.Device: a fixed set of cache lines,
// LRU eviction with synchronous write-back of dirty lines, a periodic
// flusher, and a bounded read-ahead producer/consumer queue.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"

	"github.com/blockfs/go-blockfs/device"
)

const (
	// NumLines is the number of sector-sized cache lines held in memory.
	NumLines = 64

	// ReadAheadQueueSize bounds the producer/consumer read-ahead queue.
	ReadAheadQueueSize = 64

	// FlushInterval is how often the background flusher writes back dirty
	// lines, mirroring the original 5-second flush cycle.
	FlushInterval = 5 * time.Second
)

// line is one cache slot. Every field is guarded by mu; mu's invariant
// checker enforces that a valid line is never left with a zero device.
type line struct {
	mu syncutil.InvariantMutex

	valid      bool
	dirty      bool
	dev        device.Device
	sector     uint32
	lastAccess time.Time
	buf        [device.SectorSize]byte
}

func (l *line) checkInvariants() {
	if l.valid && l.dev == nil {
		panic("cache: valid line has nil device")
	}
	if !l.valid && l.dirty {
		panic("cache: invalid line marked dirty")
	}
}

// readAheadRequest is one pending prefetch.
type readAheadRequest struct {
	dev    device.Device
	sector uint32
}

// Cache is a fixed-size sector buffer cache shared by every open device.
type Cache struct {
	clock  timeutil.Clock
	log    *logrus.Logger
	lines  [NumLines]*line

	raMu      sync.Mutex
	raNotFull *sync.Cond
	raNotEmpty *sync.Cond
	raQueue   []readAheadRequest
	raClosed  bool

	flushStop chan struct{}
	flushDone chan struct{}
	raDone    chan struct{}
}

// New creates a cache using clock for LRU timestamps and log for
// eviction/flush/read-ahead diagnostics. It starts the background flusher
// and read-ahead worker goroutines; call Close to stop them.
func New(clock timeutil.Clock, log *logrus.Logger) *Cache {
	if log == nil {
		log = logrus.New()
	}
	c := &Cache{
		clock:     clock,
		log:       log,
		flushStop: make(chan struct{}),
		flushDone: make(chan struct{}),
		raDone:    make(chan struct{}),
	}
	for i := range c.lines {
		l := &line{}
		l.mu = syncutil.NewInvariantMutex(l.checkInvariants)
		c.lines[i] = l
	}
	c.raNotFull = sync.NewCond(&c.raMu)
	c.raNotEmpty = sync.NewCond(&c.raMu)

	go c.flushLoop()
	go c.readAheadLoop()
	return c
}

// Close stops the background flusher and read-ahead worker, then flushes any
// remaining dirty lines.
func (c *Cache) Close() error {
	close(c.flushStop)
	<-c.flushDone

	c.raMu.Lock()
	c.raClosed = true
	c.raNotEmpty.Broadcast()
	c.raMu.Unlock()
	<-c.raDone

	return c.Flush()
}

// Read copies one sector from the cache (loading it from dev on a miss) into
// buf, and enqueues the following sector for read-ahead.
func (c *Cache) Read(dev device.Device, sector uint32, buf []byte) error {
	if len(buf) != device.SectorSize {
		return fmt.Errorf("cache: read buffer must be exactly %d bytes, got %d", device.SectorSize, len(buf))
	}
	l, err := c.findOrLoad(dev, sector)
	if err != nil {
		return err
	}
	defer l.mu.Unlock()

	copy(buf, l.buf[:])
	l.lastAccess = c.clock.Now()

	c.enqueueReadAhead(dev, sector+1)
	return nil
}

// Write copies buf into the cached sector and marks the line dirty. On a
// miss it installs a fresh line without reading dev first: a whole-sector
// write never needs the sector's prior contents. The write is not forced to
// disk synchronously; it is picked up by the next flush.
func (c *Cache) Write(dev device.Device, sector uint32, buf []byte) error {
	if len(buf) != device.SectorSize {
		return fmt.Errorf("cache: write buffer must be exactly %d bytes, got %d", device.SectorSize, len(buf))
	}
	l, err := c.findOrInstall(dev, sector)
	if err != nil {
		return err
	}
	defer l.mu.Unlock()

	copy(l.buf[:], buf)
	l.dirty = true
	l.lastAccess = c.clock.Now()
	return nil
}

// Flush writes back every dirty line, synchronously, then checks that no two
// lines ended up caching the same (device, sector) pair.
func (c *Cache) Flush() error {
	for _, l := range c.lines {
		l.mu.Lock()
		err := c.writeBackLocked(l)
		l.mu.Unlock()
		if err != nil {
			return err
		}
	}
	c.checkNoDuplicateLines()
	return nil
}

// checkNoDuplicateLines is the cache-wide half of spec Invariant 2: no two
// lines are ever valid for the same (device, sector) at once. Unlike a
// line's own InvariantMutex, which only ever sees its own state, this method
// can see every line, so it is the one place that can actually catch a
// duplicate. It locks every line in ascending index order, matching the
// order find and choose already use, so it cannot deadlock against them.
func (c *Cache) checkNoDuplicateLines() {
	type key struct {
		dev    device.Device
		sector uint32
	}
	for _, l := range c.lines {
		l.mu.Lock()
	}
	seen := make(map[key]bool, len(c.lines))
	for _, l := range c.lines {
		if !l.valid {
			continue
		}
		k := key{l.dev, l.sector}
		if seen[k] {
			panic(fmt.Sprintf("cache: sector %d duplicated across lines", l.sector))
		}
		seen[k] = true
	}
	for i := len(c.lines) - 1; i >= 0; i-- {
		c.lines[i].mu.Unlock()
	}
}

// findOrLoad returns the line holding (dev, sector), loading it from disk on
// a miss, with the line's mutex held for the caller to release.
func (c *Cache) findOrLoad(dev device.Device, sector uint32) (*line, error) {
	if l := c.find(dev, sector); l != nil {
		return l, nil
	}
	l, err := c.chooseAndEvict()
	if err != nil {
		return nil, err
	}
	if err := dev.ReadSector(sector, l.buf[:]); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("cache: load sector %d: %w", sector, err)
	}
	c.install(l, dev, sector)
	return l, nil
}

// findOrInstall returns the line holding (dev, sector); on a miss it
// allocates a line for the sector without reading dev, since the caller is
// about to overwrite the whole sector anyway.
func (c *Cache) findOrInstall(dev device.Device, sector uint32) (*line, error) {
	if l := c.find(dev, sector); l != nil {
		return l, nil
	}
	l, err := c.chooseAndEvict()
	if err != nil {
		return nil, err
	}
	c.install(l, dev, sector)
	return l, nil
}

// chooseAndEvict picks a line to reuse and writes back its contents if
// dirty, returning it locked.
func (c *Cache) chooseAndEvict() (*line, error) {
	l, err := c.choose()
	if err != nil {
		return nil, err
	}
	if err := c.writeBackLocked(l); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	return l, nil
}

// install marks l resident for (dev, sector), discarding whatever it held
// before. l must already be locked and written back.
func (c *Cache) install(l *line, dev device.Device, sector uint32) {
	l.dev = dev
	l.sector = sector
	l.valid = true
	l.dirty = false
	l.lastAccess = c.clock.Now()
}

// find scans every line for (dev, sector), returning it locked on a hit.
// Non-matching lines are released as they are examined, as in the original
// linear scan.
func (c *Cache) find(dev device.Device, sector uint32) *line {
	for _, l := range c.lines {
		l.mu.Lock()
		if l.valid && l.dev == dev && l.sector == sector {
			return l
		}
		l.mu.Unlock()
	}
	return nil
}

// choose picks a line to (re)use: the first invalid line, or else the one
// with the oldest lastAccess. Returns it locked.
func (c *Cache) choose() (*line, error) {
	var oldest *line
	for _, l := range c.lines {
		l.mu.Lock()
		if !l.valid {
			if oldest != nil {
				oldest.mu.Unlock()
			}
			return l, nil
		}
		if oldest == nil || l.lastAccess.Before(oldest.lastAccess) {
			if oldest != nil {
				oldest.mu.Unlock()
			}
			oldest = l
			continue
		}
		l.mu.Unlock()
	}
	if oldest == nil {
		return nil, fmt.Errorf("cache: no lines available for eviction")
	}
	return oldest, nil
}

// writeBackLocked flushes l to disk if dirty. l must be locked by the
// caller, who retains the lock on return.
func (c *Cache) writeBackLocked(l *line) error {
	if !l.valid || !l.dirty {
		return nil
	}
	c.log.WithFields(logrus.Fields{"sector": l.sector}).Debug("cache: evicting dirty line")
	if err := l.dev.WriteSector(l.sector, l.buf[:]); err != nil {
		return fmt.Errorf("cache: write back sector %d: %w", l.sector, err)
	}
	l.dirty = false
	return nil
}

func (c *Cache) flushLoop() {
	defer close(c.flushDone)
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.flushStop:
			return
		case <-ticker.C:
			c.log.Trace("cache: periodic flush starting")
			if err := c.Flush(); err != nil {
				c.log.WithError(err).Warn("cache: periodic flush failed")
			}
			c.log.Trace("cache: periodic flush done")
		}
	}
}

// enqueueReadAhead schedules sector on dev for background prefetch, dropping
// the request if the queue is full or the sector is out of range.
func (c *Cache) enqueueReadAhead(dev device.Device, sector uint32) {
	if sector >= dev.Size() {
		c.log.WithField("sector", sector).Trace("cache: read-ahead sector out of range, dropping request")
		return
	}
	c.raMu.Lock()
	defer c.raMu.Unlock()
	if c.raClosed {
		return
	}
	if len(c.raQueue) >= ReadAheadQueueSize {
		c.log.WithField("sector", sector).Trace("cache: read-ahead queue full, dropping request")
		return
	}
	c.raQueue = append(c.raQueue, readAheadRequest{dev: dev, sector: sector})
	c.raNotEmpty.Signal()
}

// readAheadLoop is the read-ahead consumer: it pops the most recently
// queued request (LIFO, as in the original) and loads it into the cache if
// not already resident.
func (c *Cache) readAheadLoop() {
	defer close(c.raDone)
	for {
		c.raMu.Lock()
		for len(c.raQueue) == 0 && !c.raClosed {
			c.raNotEmpty.Wait()
		}
		if len(c.raQueue) == 0 && c.raClosed {
			c.raMu.Unlock()
			return
		}
		last := len(c.raQueue) - 1
		req := c.raQueue[last]
		c.raQueue = c.raQueue[:last]
		c.raNotFull.Signal()
		c.raMu.Unlock()

		if req.sector >= req.dev.Size() {
			continue
		}
		if l := c.find(req.dev, req.sector); l != nil {
			l.mu.Unlock()
			continue
		}
		l, err := c.chooseAndEvict()
		if err != nil {
			c.log.WithError(err).Trace("cache: read-ahead has no line to use")
			continue
		}
		if err := req.dev.ReadSector(req.sector, l.buf[:]); err != nil {
			c.log.WithError(err).Trace("cache: read-ahead load failed")
			l.mu.Unlock()
			continue
		}
		c.install(l, req.dev, req.sector)
		l.mu.Unlock()
	}
}
