package llm

import (
	"sync"
	"time"
)

// BudgetDecision is the result of a budget check.
type BudgetDecision struct {
	Allowed bool
	// SpentUSD is the user's spend so far in the current day.
	SpentUSD float64
	// LimitUSD is the applicable daily cap.
	LimitUSD float64
}

// Budget gates LLM spend. Check runs before an upstream call with the
// estimated cost; Record runs after with the actual cost.
type Budget interface {
	Check(estimatedCostUSD float64, userID, workflowID string) BudgetDecision
	Record(costUSD float64, userID, workflowID string)
}

// UnlimitedBudget allows everything. Used when no budget is configured.
type UnlimitedBudget struct{}

func (UnlimitedBudget) Check(float64, string, string) BudgetDecision {
	return BudgetDecision{Allowed: true}
}

func (UnlimitedBudget) Record(float64, string, string) {}

// DailyBudget enforces a per-user daily USD cap with an optional global cap
// across all users. Spend buckets reset at UTC midnight.
type DailyBudget struct {
	mu        sync.Mutex
	perUser   float64
	global    float64
	day       string
	userSpend map[string]float64
	daySpend  float64
	now       func() time.Time
}

// NewDailyBudget creates a budget with a per-user daily cap. Zero caps
// disable that dimension of the check.
func NewDailyBudget(perUserUSD, globalUSD float64) *DailyBudget {
	return &DailyBudget{
		perUser:   perUserUSD,
		global:    globalUSD,
		userSpend: make(map[string]float64),
		now:       time.Now,
	}
}

var _ Budget = (*DailyBudget)(nil)

func (b *DailyBudget) rollLocked() {
	today := b.now().UTC().Format("2006-01-02")
	if b.day != today {
		b.day = today
		b.userSpend = make(map[string]float64)
		b.daySpend = 0
	}
}

// Check reports whether the estimated spend fits under the caps.
func (b *DailyBudget) Check(estimatedCostUSD float64, userID, _ string) BudgetDecision {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()

	spent := b.userSpend[userID]
	decision := BudgetDecision{Allowed: true, SpentUSD: spent, LimitUSD: b.perUser}
	if b.perUser > 0 && spent+estimatedCostUSD > b.perUser {
		decision.Allowed = false
		return decision
	}
	if b.global > 0 && b.daySpend+estimatedCostUSD > b.global {
		decision.Allowed = false
		decision.SpentUSD = b.daySpend
		decision.LimitUSD = b.global
	}
	return decision
}

// Record adds actual spend to the day's buckets.
func (b *DailyBudget) Record(costUSD float64, userID, _ string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	b.userSpend[userID] += costUSD
	b.daySpend += costUSD
}
