package logger

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "os"
    "path/filepath"
    "sync"
    "time"

    "github.com/axiomhq/axiom-go/axiom"
    "github.com/axiomhq/axiom-go/axiom/ingest"
    "github.com/rs/zerolog"
    "github.com/rs/zerolog/log"
    lumberjack "gopkg.in/natefinch/lumberjack.v2"

    "github.com/local/ocrpipeline/internal/config"
)

const service = "ocrpipeline"

var (
    global zerolog.Logger
    ax     *axiomClient
)

// Init sets up the global logger: rotated file output, console output,
// and optional Axiom forwarding for info level and above.
func Init(cfg config.LoggingConfig, axCfg config.AxiomConfig) error {
    if cfg.File != "" {
        if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
            return fmt.Errorf("create logs dir: %w", err)
        }
    }

    var writers []io.Writer

    if cfg.File != "" {
        writers = append(writers, &lumberjack.Logger{
            Filename:   cfg.File,
            MaxSize:    cfg.MaxSizeMB,
            MaxBackups: cfg.MaxBackups,
            MaxAge:     cfg.MaxAgeDays,
            Compress:   cfg.Compress,
        })
    }

    if cfg.Pretty {
        writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
    } else {
        writers = append(writers, os.Stdout)
    }

    if axCfg.Send && axCfg.APIKey != "" {
        client, err := newAxiomClient(axCfg.APIKey, axCfg.OrgID, axCfg.Dataset, axCfg.FlushInterval)
        if err != nil {
            // run without Axiom rather than fail startup
            fmt.Fprintf(os.Stderr, "Axiom disabled: %v\n", err)
        } else {
            ax = client
            writers = append(writers, &axiomWriter{client: client})
        }
    }

    zerolog.TimeFieldFormat = time.RFC3339
    lvl, err := zerolog.ParseLevel(cfg.Level)
    if err != nil {
        lvl = zerolog.InfoLevel
    }

    global = zerolog.New(io.MultiWriter(writers...)).Level(lvl).With().Timestamp().Logger()
    log.Logger = global
    return nil
}

// Close flushes any buffered external loggers.
func Close() {
    if ax != nil {
        _ = ax.Close()
    }
}

// Get returns the global logger.
func Get() *zerolog.Logger { return &global }

// For returns a child logger tagged with a component name.
func For(component string) zerolog.Logger {
    return global.With().Str("component", component).Logger()
}

// axiomWriter forwards zerolog JSON lines to Axiom (dropping debug level).
type axiomWriter struct{ client *axiomClient }

func (w *axiomWriter) Write(p []byte) (int, error) {
    var ev map[string]interface{}
    if err := json.Unmarshal(p, &ev); err != nil {
        ev = map[string]interface{}{"message": string(p), "level": "info"}
    }
    if lvl, ok := ev["level"].(string); ok && (lvl == "debug" || lvl == "trace") {
        return len(p), nil
    }
    ev["service"] = service
    if _, ok := ev[ingest.TimestampField]; !ok {
        ev[ingest.TimestampField] = time.Now()
    }
    w.client.Send(axiom.Event(ev))
    return len(p), nil
}

// Minimal Axiom batching client
type axiomClient struct {
    client  *axiom.Client
    dataset string
    ch      chan axiom.Event
    wg      sync.WaitGroup
    ctx     context.Context
    cancel  context.CancelFunc
}

func newAxiomClient(token, orgID, dataset string, flushEvery time.Duration) (*axiomClient, error) {
    if dataset == "" {
        dataset = "dev_" + service
    }
    opts := []axiom.Option{axiom.SetToken(token)}
    if orgID != "" {
        opts = append(opts, axiom.SetOrganizationID(orgID))
    }
    c, err := axiom.NewClient(opts...)
    if err != nil {
        return nil, err
    }
    ctx, cancel := context.WithCancel(context.Background())
    ac := &axiomClient{
        client:  c,
        dataset: dataset,
        ch:      make(chan axiom.Event, 1000),
        ctx:     ctx,
        cancel:  cancel,
    }
    if flushEvery <= 0 {
        flushEvery = 10 * time.Second
    }
    ac.wg.Add(1)
    go ac.loop(flushEvery)
    return ac, nil
}

func (a *axiomClient) Send(ev axiom.Event) {
    select {
    case a.ch <- ev:
    default:
        // drop if buffer full
    }
}

func (a *axiomClient) loop(flushEvery time.Duration) {
    defer a.wg.Done()
    ticker := time.NewTicker(flushEvery)
    defer ticker.Stop()
    batch := make([]axiom.Event, 0, 200)
    flush := func() {
        if len(batch) == 0 {
            return
        }
        ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
        _, _ = a.client.IngestEvents(ctx, a.dataset, batch)
        cancel()
        batch = batch[:0]
    }
    for {
        select {
        case <-a.ctx.Done():
            flush()
            return
        case <-ticker.C:
            flush()
        case ev := <-a.ch:
            batch = append(batch, ev)
            if len(batch) >= 200 {
                flush()
            }
        }
    }
}

func (a *axiomClient) Close() error {
    a.cancel()
    a.wg.Wait()
    return nil
}
