package history

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polyflow/models"
)

// DefaultMaxPoints is the series length kept per instrument.
const DefaultMaxPoints = 300

var rangePadding = decimal.NewFromFloat(0.05)

// Recorder keeps a capped series of price points. Consecutive equal prices
// collapse into one point, the oldest point is dropped once the cap is hit.
type Recorder struct {
	mu        sync.Mutex
	points    []models.PricePoint
	maxPoints int
	now       func() time.Time
}

func NewRecorder(maxPoints int) *Recorder {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	return &Recorder{
		points:    make([]models.PricePoint, 0, maxPoints),
		maxPoints: maxPoints,
		now:       time.Now,
	}
}

func (r *Recorder) Add(price decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.points); n > 0 && r.points[n-1].Price.Equal(price) {
		return
	}

	r.points = append(r.points, models.PricePoint{Price: price, At: r.now()})
	if len(r.points) > r.maxPoints {
		r.points = r.points[1:]
	}
}

// Seed preloads the series with historical points, oldest first, keeping
// only the newest maxPoints. Meant to run before live sampling starts.
func (r *Recorder) Seed(points []models.PricePoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(points) > r.maxPoints {
		points = points[len(points)-r.maxPoints:]
	}
	r.points = r.points[:0]
	for _, p := range points {
		if n := len(r.points); n > 0 && r.points[n-1].Price.Equal(p.Price) {
			continue
		}
		r.points = append(r.points, p)
	}
}

// Points returns a copy of the recorded series, oldest first.
func (r *Recorder) Points() []models.PricePoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.PricePoint, len(r.points))
	copy(out, r.points)
	return out
}

func (r *Recorder) Last() (decimal.Decimal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.points) == 0 {
		return decimal.Decimal{}, false
	}
	return r.points[len(r.points)-1].Price, true
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.points)
}

// Range returns the recorded min and max price padded by five percent on
// each side, for chart axis scaling.
func (r *Recorder) Range() (decimal.Decimal, decimal.Decimal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.points) == 0 {
		return decimal.Decimal{}, decimal.Decimal{}, false
	}

	min := r.points[0].Price
	max := r.points[0].Price
	for _, p := range r.points[1:] {
		if p.Price.LessThan(min) {
			min = p.Price
		}
		if p.Price.GreaterThan(max) {
			max = p.Price
		}
	}

	padding := max.Sub(min).Mul(rangePadding)
	return min.Sub(padding), max.Add(padding), true
}
