// Package learning buffers coordinator outcomes for an external consumer
// that polls over HTTP. The queue only appends and removes; it never
// interprets the entries.
package learning

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Operation is one pending learning operation. The ID is assigned at
// enqueue time and is the only removal key: removing by position would race
// against concurrent appends between the consumer's read and its
// acknowledgement.
type Operation struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params"`
	Timestamp time.Time      `json:"timestamp"`
}

// Queue is a process-wide, mutex-guarded pending list.
type Queue struct {
	mu  sync.Mutex
	ops []Operation
}

func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends an operation and returns it with its assigned id.
func (q *Queue) Enqueue(tool string, params map[string]any) Operation {
	op := Operation{
		ID:        uuid.NewString(),
		Tool:      tool,
		Params:    params,
		Timestamp: time.Now(),
	}
	q.mu.Lock()
	q.ops = append(q.ops, op)
	n := len(q.ops)
	q.mu.Unlock()
	log.Debug().Str("component", "learning").Str("op_id", op.ID).Str("tool", tool).Int("pending", n).Msg("operation enqueued")
	return op
}

// Record satisfies the coordinator's sink interface.
func (q *Queue) Record(tool string, params map[string]any) {
	q.Enqueue(tool, params)
}

// Pending returns a copy of the queue in enqueue order.
func (q *Queue) Pending() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, len(q.ops))
	copy(out, q.ops)
	return out
}

// MarkProcessed removes the operations with the given ids and returns how
// many remain. Unknown ids are ignored; appends that happened after the
// consumer's snapshot are unaffected.
func (q *Queue) MarkProcessed(ids []string) int {
	processed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		processed[id] = struct{}{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.ops[:0]
	for _, op := range q.ops {
		if _, ok := processed[op.ID]; ok {
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	return len(q.ops)
}
