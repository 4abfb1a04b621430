package channel

import (
	"sync"

	"lbankflow/logger"
)

// Frames is the bounded inbound frame queue between the supervisor's read
// loop (single producer) and the message router (single consumer). A nil
// payload is the termination sentinel.
type Frames struct {
	C chan []byte

	statsMutex sync.RWMutex
	stats      Stats
	log        *logger.Log
}

// Stats counts queue traffic for the periodic runtime report.
type Stats struct {
	Sent    int64
	Dropped int64
}

func NewFrames(buffer int) *Frames {
	if buffer <= 0 {
		buffer = 1024
	}
	f := &Frames{
		C:   make(chan []byte, buffer),
		log: logger.GetLogger(),
	}
	f.log.WithComponent("frame_queue").WithFields(logger.Fields{
		"buffer_size": buffer,
	}).Info("frame queue initialized")
	return f
}

// Push enqueues a raw frame without blocking. It returns false when the
// queue is full; the caller treats that as a fatal-session condition.
func (f *Frames) Push(raw []byte) bool {
	select {
	case f.C <- raw:
		f.statsMutex.Lock()
		f.stats.Sent++
		f.statsMutex.Unlock()
		logger.RecordChannelMessage("inbound_frames", len(raw))
		return true
	default:
		f.statsMutex.Lock()
		f.stats.Dropped++
		f.statsMutex.Unlock()
		return false
	}
}

// PushSentinel enqueues the termination sentinel. The send blocks until
// the router drains enough of the queue to accept it, which is exactly the
// handoff shutdown needs.
func (f *Frames) PushSentinel() {
	f.C <- nil
}

func (f *Frames) GetStats() Stats {
	f.statsMutex.RLock()
	defer f.statsMutex.RUnlock()
	return f.stats
}
