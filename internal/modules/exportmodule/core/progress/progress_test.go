package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	values []float64
}

func (r *recorder) OnProgress(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) all() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.values...)
}

func TestReporter_PercentGranularity(t *testing.T) {
	rec := &recorder{}
	r := NewReporter(NewHandle(rec))

	total := 1000
	for i := 1; i <= total; i++ {
		r.Report(float64(i) / float64(total))
	}
	r.Complete()

	values := rec.all()
	// 1%..99% then exactly one 1.0
	require.Len(t, values, 100)
	assert.Equal(t, 0.01, values[0])
	assert.Equal(t, 0.99, values[98])
	assert.Equal(t, 1.0, values[99])
}

func TestReporter_MonotonicAndSingleCompletion(t *testing.T) {
	rec := &recorder{}
	r := NewReporter(NewHandle(rec))

	r.Report(0.5)
	r.Report(0.2)
	r.Report(0.5)
	r.Report(1.0)
	r.Report(2.0)
	r.Complete()
	r.Complete()
	r.Report(0.7)

	assert.Equal(t, []float64{0.5, 0.99, 1.0}, rec.all())
	assert.True(t, r.Completed())
	assert.Equal(t, 1.0, r.Value())
}

func TestReporter_NothingBeforeWork(t *testing.T) {
	rec := &recorder{}
	r := NewReporter(NewHandle(rec))
	r.Report(0)
	r.Report(0.004)
	assert.Empty(t, rec.all())
}

func TestReporter_Spans(t *testing.T) {
	rec := &recorder{}
	r := NewReporter(NewHandle(rec))

	video := r.Span(0, 0.8)
	audio := r.Span(0.8, 0.99)

	video.Report(0.5)
	video.Report(1)
	audio.Report(0)
	audio.Report(1)
	audio.Report(5)

	assert.Equal(t, []float64{0.4, 0.8, 0.99}, rec.all())
}

func TestReporter_HooksSeeEveryEmission(t *testing.T) {
	var hooked []float64
	r := NewReporter(nil, func(v float64) { hooked = append(hooked, v) })
	r.Report(0.3)
	r.Complete()
	assert.Equal(t, []float64{0.3, 1.0}, hooked)
}

func TestHandle_DetachedDropsEmissions(t *testing.T) {
	rec := &recorder{}
	h := NewHandle(nil)
	r := NewReporter(h)

	r.Report(0.1)
	h.Attach(rec)
	assert.True(t, h.Attached())
	r.Report(0.2)
	h.Detach()
	r.Report(0.3)
	h.Attach(rec)
	r.Complete()

	assert.Equal(t, []float64{0.2, 1.0}, rec.all())
}

func TestHandle_ConcurrentAttachDetach(t *testing.T) {
	h := NewHandle(nil)
	r := NewReporter(h)
	rec := &recorder{}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if i%2 == 0 {
				h.Attach(rec)
			} else {
				h.Detach()
			}
		}
		h.Attach(rec)
	}()
	for i := 1; i <= 99; i++ {
		r.Report(float64(i) / 100)
	}
	wg.Wait()
	r.Complete()

	values := rec.all()
	require.NotEmpty(t, values)
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1])
	}
	assert.Equal(t, 1.0, values[len(values)-1])
}

func TestChannelObserver_CoalescesWithoutBlocking(t *testing.T) {
	obs := NewChannelObserver()
	r := NewReporter(NewHandle(obs))

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 99; i++ {
			r.Report(float64(i) / 100)
		}
		r.Complete()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reporter blocked on an unread observer")
	}

	select {
	case v := <-obs.C():
		assert.Equal(t, 1.0, v)
	default:
		t.Fatal("expected the latest value to be buffered")
	}
}
