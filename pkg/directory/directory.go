package directory

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"bank-settlement/pkg/logging"
	"bank-settlement/pkg/metrics"
	"bank-settlement/pkg/settlement"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// snapshot is an immutable view of the registry. A refresh replaces it as a whole.
type snapshot struct {
	banks       map[string]settlement.Bank
	generation  uint64
	refreshedAt time.Time
}

// Directory resolves routing prefixes to banks.
// Lookups read the current snapshot without locking; refreshes build a new
// snapshot and publish it in one atomic store.
type Directory struct {
	source  BankSource
	static  []settlement.Bank
	current atomic.Pointer[snapshot]
	sf      singleflight.Group
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// Option configures a Directory.
type Option func(*Directory)

// WithStaticBanks adds banks that are always present, e.g. this node itself
// or peers not yet listed by the registry. Registry entries win on prefix clashes.
func WithStaticBanks(banks ...settlement.Bank) Option {
	return func(d *Directory) {
		d.static = append(d.static, banks...)
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.MetricsCollector) Option {
	return func(d *Directory) {
		d.metrics = metrics.OrNoOp(c)
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Directory) {
		d.logger = logging.OrNop(l).Named("directory")
	}
}

// New creates a directory backed by source. The directory starts empty
// apart from static banks; the first Resolve miss triggers a refresh.
func New(source BankSource, opts ...Option) *Directory {
	d := &Directory{
		source:  source,
		metrics: metrics.NoOpCollector{},
		logger:  logging.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.current.Store(d.build(nil, 0))
	return d
}

func (d *Directory) build(fetched []settlement.Bank, generation uint64) *snapshot {
	banks := make(map[string]settlement.Bank, len(fetched)+len(d.static))
	for _, b := range d.static {
		banks[b.BankPrefix] = b
	}
	for _, b := range fetched {
		if b.BankPrefix == "" {
			continue
		}
		banks[b.BankPrefix] = b
	}
	return &snapshot{
		banks:       banks,
		generation:  generation,
		refreshedAt: time.Now(),
	}
}

// Refresh fetches the full bank list and replaces the snapshot.
// Concurrent callers share one in-flight fetch. On failure the previous
// snapshot stays in place and the upstream error is returned.
func (d *Directory) Refresh(ctx context.Context) error {
	_, err, shared := d.sf.Do("refresh", func() (interface{}, error) {
		start := time.Now()

		banks, err := d.source.FetchBanks(ctx)
		if err != nil {
			d.metrics.RecordDirectoryRefresh(false, 0, time.Since(start))
			d.logger.Warn("bank directory refresh failed", zap.Error(err))
			return nil, err
		}

		next := d.build(banks, d.current.Load().generation+1)
		d.current.Store(next)

		d.metrics.RecordDirectoryRefresh(true, len(next.banks), time.Since(start))
		d.logger.Info("bank directory refreshed",
			zap.Int("banks", len(next.banks)),
			zap.Uint64("generation", next.generation),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, nil
	})
	if shared {
		d.logger.Debug("joined in-flight directory refresh")
	}
	return err
}

// Lookup returns the bank for prefix from the current snapshot. No I/O.
func (d *Directory) Lookup(prefix string) (settlement.Bank, bool) {
	b, ok := d.current.Load().banks[prefix]
	return b, ok
}

// Resolve looks up prefix, refreshing once on a miss.
// A refresh failure is returned as is; a second miss is ErrNotFound.
func (d *Directory) Resolve(ctx context.Context, prefix string) (settlement.Bank, error) {
	if b, ok := d.Lookup(prefix); ok {
		return b, nil
	}

	if err := d.Refresh(ctx); err != nil {
		return settlement.Bank{}, err
	}

	if b, ok := d.Lookup(prefix); ok {
		return b, nil
	}

	return settlement.Bank{}, fmt.Errorf("bank with prefix %q: %w", prefix, settlement.ErrNotFound)
}

// ResolveAccount resolves the bank owning account by its routing prefix.
func (d *Directory) ResolveAccount(ctx context.Context, account string) (settlement.Bank, error) {
	prefix, err := settlement.RoutingPrefix(account)
	if err != nil {
		return settlement.Bank{}, err
	}
	return d.Resolve(ctx, prefix)
}

// Banks returns the current snapshot sorted by prefix.
func (d *Directory) Banks() []settlement.Bank {
	snap := d.current.Load()
	out := make([]settlement.Bank, 0, len(snap.banks))
	for _, b := range snap.banks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BankPrefix < out[j].BankPrefix })
	return out
}

// Len returns the number of banks in the current snapshot.
func (d *Directory) Len() int {
	return len(d.current.Load().banks)
}

// Generation returns how many successful refreshes produced the current snapshot.
func (d *Directory) Generation() uint64 {
	return d.current.Load().generation
}
