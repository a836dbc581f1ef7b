package psi

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ecdh_mpsi/protocol"
)

type parkedMessage struct {
	msg *protocol.Message
	at  time.Time
}

// roleRegistry owns the role engines of the running tasks. Messages for a
// task that has not been submitted locally yet are parked until it is, or
// until they expire.
type roleRegistry struct {
	ttl       time.Duration
	maxParked int
	logger    zerolog.Logger

	mu         sync.Mutex
	engines    map[string]roleEngine
	parked     map[string][]parkedMessage
	finished   map[string]time.Time
	lastExpire time.Time
}

func newRoleRegistry(ttl time.Duration, maxParked int, logger zerolog.Logger) *roleRegistry {
	return &roleRegistry{
		ttl:       ttl,
		maxParked: maxParked,
		logger:    logger,
		engines:   make(map[string]roleEngine),
		parked:    make(map[string][]parkedMessage),
		finished:  make(map[string]time.Time),
	}
}

// add registers e and hands back the messages parked for its task.
func (r *roleRegistry) add(e roleEngine) ([]*protocol.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[e.TaskID()]; ok {
		return nil, false
	}
	r.engines[e.TaskID()] = e
	delete(r.finished, e.TaskID())
	parked := r.parked[e.TaskID()]
	delete(r.parked, e.TaskID())
	ret := make([]*protocol.Message, len(parked))
	for i, p := range parked {
		ret[i] = p.msg
	}
	return ret, true
}

func (r *roleRegistry) find(taskID string) roleEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engines[taskID]
}

// remove drops the engine and remembers the task so late messages for it
// are discarded instead of parked.
func (r *roleRegistry) remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, taskID)
	delete(r.parked, taskID)
	r.finished[taskID] = time.Now()
}

// findOrPark returns the engine for msg's task. Without one the message is
// parked and nil is returned.
func (r *roleRegistry) findOrPark(msg *protocol.Message) roleEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[msg.TaskID]; ok {
		return e
	}
	log := r.logger.With().Str("task", msg.TaskID).Str("packet", msg.PacketType.String()).Logger()
	if _, ok := r.finished[msg.TaskID]; ok {
		log.Debug().Msg("message for finished task dropped")
		return nil
	}
	if len(r.parked[msg.TaskID]) >= r.maxParked {
		log.Warn().Int("parked", r.maxParked).Msg("park limit reached, message dropped")
		return nil
	}
	r.parked[msg.TaskID] = append(r.parked[msg.TaskID], parkedMessage{msg: msg, at: time.Now()})
	log.Debug().Msg("message parked")
	return nil
}

func (r *roleRegistry) parkedCount(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parked[taskID])
}

// expire forgets parked messages and finished tasks older than the TTL. It
// does a full sweep at most once per second.
func (r *roleRegistry) expire(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastExpire) < time.Second {
		return
	}
	r.lastExpire = now
	for taskID, msgs := range r.parked {
		kept := msgs[:0]
		for _, p := range msgs {
			if now.Sub(p.at) < r.ttl {
				kept = append(kept, p)
			}
		}
		if dropped := len(msgs) - len(kept); dropped > 0 {
			r.logger.Warn().Str("task", taskID).Int("dropped", dropped).Msg("parked messages expired")
		}
		if len(kept) == 0 {
			delete(r.parked, taskID)
		} else {
			r.parked[taskID] = kept
		}
	}
	for taskID, at := range r.finished {
		if now.Sub(at) >= r.ttl {
			delete(r.finished, taskID)
		}
	}
}
