package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var (
	jobsSubmittedTotal  atomic.Uint64
	jobsRejectedTotal   atomic.Uint64
	jobsCancelledTotal  atomic.Uint64
	reconcilesTotal     atomic.Uint64
	reconcileNoopTotal  atomic.Uint64
	reconcileErrorTotal atomic.Uint64
	finalizationsTotal  atomic.Uint64

	resultsApplied = newCounterVec()
	jobsTerminal   = newCounterVec()
	workerMessages = newCounterVec()

	reconcileDuration = newHistogram([]float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000})
)

// IncJobsSubmitted counts jobs accepted by the provider.
func IncJobsSubmitted() { jobsSubmittedTotal.Add(1) }

// IncJobsRejected counts submissions compensated after a provider refusal.
func IncJobsRejected() { jobsRejectedTotal.Add(1) }

// IncJobsCancelled counts user cancellations.
func IncJobsCancelled() { jobsCancelledTotal.Add(1) }

// IncReconciles counts reconcile calls; noop marks calls that found no provider change.
func IncReconciles(noop bool) {
	reconcilesTotal.Add(1)
	if noop {
		reconcileNoopTotal.Add(1)
	}
}

// IncReconcileErrors counts reconciles that failed before writing.
func IncReconcileErrors() { reconcileErrorTotal.Add(1) }

// AddResultsApplied counts chunk results written, labelled by outcome.
func AddResultsApplied(outcome string, n int) {
	if n <= 0 {
		return
	}
	resultsApplied.Add(outcome, uint64(n))
}

// IncJobsTerminal counts jobs reaching a terminal status.
func IncJobsTerminal(status string) { jobsTerminal.Add(status, 1) }

// IncFinalizations counts finalized artifact versions.
func IncFinalizations() { finalizationsTotal.Add(1) }

// IncWorkerMessages counts reconcile messages handled by the worker, labelled by outcome
// (received, completed, requeued, failed, deleted_unrecoverable).
func IncWorkerMessages(outcome string) { workerMessages.Add(outcome, 1) }

// ObserveReconcileDurationMs records a reconcile duration in milliseconds.
func ObserveReconcileDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	reconcileDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "batch_jobs_submitted_total", "Batch jobs accepted by the provider", jobsSubmittedTotal.Load())
	writeCounter(&buf, "batch_jobs_rejected_total", "Batch jobs rejected by the provider", jobsRejectedTotal.Load())
	writeCounter(&buf, "batch_jobs_cancelled_total", "Batch jobs cancelled on request", jobsCancelledTotal.Load())
	writeLabelledCounter(&buf, "batch_jobs_terminal_total", "Batch jobs reaching a terminal status", "status", jobsTerminal.Snapshot())
	writeCounter(&buf, "batch_reconciles_total", "Reconcile calls", reconcilesTotal.Load())
	writeCounter(&buf, "batch_reconciles_noop_total", "Reconcile calls without provider changes", reconcileNoopTotal.Load())
	writeCounter(&buf, "batch_reconcile_errors_total", "Reconcile calls that failed", reconcileErrorTotal.Load())
	writeLabelledCounter(&buf, "batch_results_applied_total", "Chunk results applied", "outcome", resultsApplied.Snapshot())
	writeLabelledCounter(&buf, "worker_reconcile_messages_total", "Reconcile messages handled by the worker", "outcome", workerMessages.Snapshot())
	writeCounter(&buf, "project_finalizations_total", "Finalized project artifacts", finalizationsTotal.Load())
	writeHistogram(&buf, "batch_reconcile_duration_ms", "Reconcile duration in milliseconds", reconcileDuration.Snapshot())
	return buf.String()
}

type counterVec struct {
	mu     sync.Mutex
	values map[string]uint64
}

func newCounterVec() *counterVec {
	return &counterVec{values: make(map[string]uint64)}
}

func (v *counterVec) Add(label string, n uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[label] += n
}

func (v *counterVec) Snapshot() map[string]uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]uint64, len(v.values))
	for k, n := range v.values {
		out[k] = n
	}
	return out
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			break
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeLabelledCounter(buf *bytes.Buffer, name, help, label string, values map[string]uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(buf, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}

// Buckets store per-bucket counts; the cumulative sum is built at render time.
func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
