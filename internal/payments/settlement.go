package payments

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ajai24/food-ordering/internal/domain"
)

// SettlementOracle decides whether a processing payment settles as captured.
// The real outcome is driven by the acquiring gateway; deployments without a
// gateway integration use CaptureOracle, tests inject fixed implementations.
type SettlementOracle interface {
	Approve(tx *domain.PaymentTransaction) bool
}

// CaptureOracle approves a fixed fraction of settlements at random.
type CaptureOracle struct {
	rate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewCaptureOracle returns an oracle approving settlements with the given
// probability, clamped to [0,1].
func NewCaptureOracle(rate float64) *CaptureOracle {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return &CaptureOracle{
		rate: rate,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Approve implements SettlementOracle.
func (o *CaptureOracle) Approve(*domain.PaymentTransaction) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rng.Float64() < o.rate
}

// Scheduler runs a function after a delay. The engine uses it to detach
// settlement from the process call; tests substitute implementations that
// fire synchronously or on demand.
type Scheduler interface {
	Schedule(delay time.Duration, fn func())
}

type timerScheduler struct{}

func (timerScheduler) Schedule(delay time.Duration, fn func()) {
	time.AfterFunc(delay, fn)
}
