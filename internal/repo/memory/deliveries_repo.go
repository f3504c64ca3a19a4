package memory

import (
	"context"
	"sync"

	"github.com/ratchetd/ratchet/internal/domain/delivery"
)

type DeliveriesRepo struct {
	mu      sync.Mutex
	nextID  int64
	results []delivery.Result
}

func NewDeliveriesRepo() *DeliveriesRepo {
	return &DeliveriesRepo{}
}

func (r *DeliveriesRepo) Record(_ context.Context, res delivery.Result) (delivery.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	res.ID = r.nextID
	r.results = append(r.results, res)
	return res, nil
}

func (r *DeliveriesRepo) ListByExecution(_ context.Context, executionID int64) ([]delivery.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []delivery.Result
	for _, res := range r.results {
		if res.ExecutionID == executionID {
			out = append(out, res)
		}
	}
	return out, nil
}
