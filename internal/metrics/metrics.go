package metrics

import (
    "net/http"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    inferenceReqs = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "ocrpipeline",
            Name:      "inference_requests_total",
            Help:      "Total inference requests by result",
        },
        []string{"result"},
    )

    inferenceLatency = prometheus.NewHistogram(
        prometheus.HistogramOpts{
            Namespace: "ocrpipeline",
            Name:      "inference_request_duration_seconds",
            Help:      "Duration of inference requests",
            Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
        },
    )

    pagesProcessed = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "ocrpipeline",
            Name:      "pages_processed_total",
            Help:      "Total pages processed by result (success, fallback, cancelled)",
        },
        []string{"result"},
    )

    pageRetries = prometheus.NewCounter(
        prometheus.CounterOpts{
            Namespace: "ocrpipeline",
            Name:      "page_retries_total",
            Help:      "Total number of page attempt retries",
        },
    )

    docsProcessed = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "ocrpipeline",
            Name:      "documents_processed_total",
            Help:      "Total documents processed by result (success, discarded, missing, failed)",
        },
        []string{"result"},
    )

    itemsCompleted = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "ocrpipeline",
            Name:      "work_items_total",
            Help:      "Work items finished by result (completed, failed)",
        },
        []string{"result"},
    )

    tokensTotal = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "ocrpipeline",
            Name:      "tokens_total",
            Help:      "Model tokens consumed by direction (input, output)",
        },
        []string{"direction"},
    )

    queueRemaining = prometheus.NewGauge(
        prometheus.GaugeOpts{
            Namespace: "ocrpipeline",
            Name:      "queue_items_remaining",
            Help:      "Work items remaining in the queue",
        },
    )

    pagesInFlight = prometheus.NewGauge(
        prometheus.GaugeOpts{
            Namespace: "ocrpipeline",
            Name:      "pages_in_flight",
            Help:      "Pages currently being processed",
        },
    )

    serverRestarts = prometheus.NewCounter(
        prometheus.CounterOpts{
            Namespace: "ocrpipeline",
            Name:      "server_restarts_total",
            Help:      "Restarts of the managed inference server",
        },
    )
)

// Init registers collectors.
func Init() {
    prometheus.MustRegister(inferenceReqs, inferenceLatency, pagesProcessed, pageRetries, docsProcessed, itemsCompleted, tokensTotal, queueRemaining, pagesInFlight, serverRestarts)
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveInference(result string, dur time.Duration) {
    inferenceReqs.WithLabelValues(result).Inc()
    inferenceLatency.Observe(dur.Seconds())
}

func IncPage(result string)   { pagesProcessed.WithLabelValues(result).Inc() }
func IncPageRetry()           { pageRetries.Inc() }
func IncDocument(result string) { docsProcessed.WithLabelValues(result).Inc() }
func IncWorkItem(result string) { itemsCompleted.WithLabelValues(result).Inc() }

func AddTokens(input, output int64) {
    tokensTotal.WithLabelValues("input").Add(float64(input))
    tokensTotal.WithLabelValues("output").Add(float64(output))
}

func SetQueueRemaining(n int64) { queueRemaining.Set(float64(n)) }

func PageStarted()  { pagesInFlight.Inc() }
func PageFinished() { pagesInFlight.Dec() }

func IncServerRestart() { serverRestarts.Inc() }
