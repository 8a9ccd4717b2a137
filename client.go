package notion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jamalex/notion-py/internal/codec"
	"github.com/jamalex/notion-py/pkg/api"
	"github.com/jamalex/notion-py/pkg/config"
	"github.com/jamalex/notion-py/pkg/connection"
	"github.com/jamalex/notion-py/pkg/constants"
	"github.com/jamalex/notion-py/pkg/logger"
	notionslog "github.com/jamalex/notion-py/pkg/logger/slog"
	"github.com/jamalex/notion-py/pkg/metrics"
	"github.com/jamalex/notion-py/pkg/models"
	"github.com/jamalex/notion-py/pkg/monitor"
	"github.com/jamalex/notion-py/pkg/operation"
	"github.com/jamalex/notion-py/pkg/store"
	"github.com/jamalex/notion-py/pkg/transaction"
)

const (
	// DefaultChildRetries and DefaultChildRetryDelay bound how long a
	// child listed by its parent may read as missing before it is
	// reported as absent. Freshly created blocks can lag behind the list
	// that references them.
	DefaultChildRetries    = 20
	DefaultChildRetryDelay = 100 * time.Millisecond
)

// Client ties together the HTTP connection, the record store, the
// transaction coordinator and, when enabled, the push listener.
type Client struct {
	cfg     *config.Config
	logger  logger.Logger
	logData *logger.LogData
	metrics *metrics.Collector
	now     func() time.Time

	httpClient *http.Client
	transport  monitor.Transport

	conn      *connection.HTTPConnection
	api       *api.API
	store     *store.Store
	persister store.Persister
	tx        *transaction.Coordinator
	listener  *monitor.Listener

	childRetries    int
	childRetryDelay time.Duration

	mu      sync.RWMutex
	userID  string
	spaceID string
}

var _ monitor.Refresher = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger replaces the logger built from the log settings.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithSlogHandler sends log output to a log/slog handler.
func WithSlogHandler(h slog.Handler) Option {
	return func(c *Client) {
		c.logger = notionslog.New(h)
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithClock sets the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithMonitorTransport replaces the transport picked by the monitor
// settings.
func WithMonitorTransport(t monitor.Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// WithChildRetry sets how often a listed child that reads as missing is
// refetched. Zero or fewer attempts disables the retry.
func WithChildRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.childRetries = attempts
		c.childRetryDelay = delay
	}
}

// New builds a client and loads the current user's content. A nil cfg
// means config.Default.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:             cfg,
		now:             time.Now,
		childRetries:    DefaultChildRetries,
		childRetryDelay: DefaultChildRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		if err := c.buildLogger(); err != nil {
			return nil, fmt.Errorf("open log: %w", err)
		}
	}
	if c.metrics == nil {
		c.metrics = metrics.NewCollector(metrics.Namespace)
	}

	c.conn = connection.NewHTTPConnection(c.connectionParams())
	c.api = api.New(c.conn, c.logger)

	storeOpts := []store.Option{
		store.WithLogger(c.logger),
		store.WithMetrics(c.metrics),
		store.WithVolatileFields(cfg.VolatileFields),
		store.WithPageChunkLimit(cfg.PageChunkLimit),
	}
	if cfg.Cache.Enabled {
		p, err := c.buildPersister()
		if err != nil {
			c.closeLog()
			return nil, err
		}
		c.persister = p
		storeOpts = append(storeOpts, store.WithPersister(p))
	}
	c.store = store.New(c.api, storeOpts...)
	c.api.OnRecordMap(func(rm models.RecordMap) {
		c.store.StoreRecordMap(rm)
	})

	c.tx = transaction.NewCoordinator(c.api, c.store,
		transaction.WithUserID(c.CurrentUserID),
		transaction.WithClock(c.now),
		transaction.WithCommitTimeout(cfg.CommitTimeout),
		transaction.WithLogger(c.logger),
		transaction.WithMetrics(c.metrics),
	)
	c.store.SetDeferrer(c.tx)

	if err := c.loadUserContent(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}

	if cfg.Monitor.Enabled {
		c.listener = monitor.NewListener(c.monitorTransport(), c,
			monitor.WithReceiveRetries(cfg.Monitor.ReceiveRetries),
			monitor.WithReconnectAfter(cfg.Monitor.ReconnectAfter),
			monitor.WithRetryDelay(cfg.Monitor.RetryDelay),
			monitor.WithLogger(c.logger),
			monitor.WithMetrics(c.metrics),
		)
		if cfg.Monitor.Start {
			if err := c.StartMonitoring(ctx); err != nil {
				_ = c.Close()
				return nil, err
			}
		}
	}
	return c, nil
}

func (c *Client) buildLogger() error {
	path := c.cfg.LogPath()
	if path == "" {
		c.logger = logger.Nop()
		return nil
	}
	build := logger.New().
		Level(c.cfg.Log.Level).
		Console(c.cfg.Log.Format == "console")
	if path == config.StdoutLogPath {
		build = build.FromBuffer(os.Stdout)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		build = build.FromPath(path)
	}
	ld, err := build.Make()
	if err != nil {
		return err
	}
	c.logData = ld
	c.logger = ld
	return nil
}

func (c *Client) connectionParams() connection.NewConnectionParams {
	cfg := c.cfg
	params := connection.NewConfig(cfg.BaseURL, cfg.TokenV2)
	params.Logger = c.logger
	params.Metrics = c.metrics
	params.ActiveUser = cfg.ActiveUser
	params.HTTPClient = c.httpClient
	if cfg.Timeout > 0 {
		params.Timeout = cfg.Timeout
	}

	if cfg.Retry.MaxRetries == 0 {
		params.Retryer = connection.NoRetry{}
	} else {
		r := connection.NewExponentialBackoffRetryer()
		r.MaxRetries = cfg.Retry.MaxRetries
		r.Jitter = cfg.Retry.Jitter
		if cfg.Retry.InitialDelay > 0 {
			r.InitialDelay = cfg.Retry.InitialDelay
		}
		if cfg.Retry.MaxDelay > 0 {
			r.MaxDelay = cfg.Retry.MaxDelay
		}
		if cfg.Retry.Multiplier >= 1 {
			r.Multiplier = cfg.Retry.Multiplier
		}
		params.Retryer = r
	}

	if !cfg.Breaker.Enabled {
		params.Breaker = nil
	} else {
		b := connection.DefaultBreakerConfig()
		b.MaxRequests = cfg.Breaker.MaxRequests
		b.Interval = cfg.Breaker.Interval
		b.Timeout = cfg.Breaker.Timeout
		b.FailureThreshold = cfg.Breaker.FailureThreshold
		b.MinRequests = cfg.Breaker.MinRequests
		params.Breaker = &b
	}
	return params
}

func (c *Client) buildPersister() (store.Persister, error) {
	cc, ok := codec.ByName(c.cfg.Cache.Codec)
	if !ok {
		return nil, fmt.Errorf("unknown cache codec %q", c.cfg.Cache.Codec)
	}
	dir, key := c.cfg.CacheDir(), c.cfg.CacheKey()
	switch c.cfg.Cache.Backend {
	case "sqlite":
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return store.NewSQLitePersister(filepath.Join(dir, "cache.db"), key, cc)
	default:
		return store.NewFilePersister(dir, key, cc)
	}
}

func (c *Client) monitorTransport() monitor.Transport {
	if c.transport != nil {
		return c.transport
	}
	params := monitor.TransportParams{
		RootURL:        c.cfg.MonitorURL,
		TokenV2:        c.cfg.TokenV2,
		HTTPClient:     c.httpClient,
		ReceiveTimeout: c.cfg.Monitor.ReceiveTimeout,
	}
	if c.cfg.Monitor.Transport == "websocket" {
		return monitor.NewWebSocketTransport(params)
	}
	return monitor.NewPollingTransport(params)
}

// loadUserContent learns the current user and space. Guests get no space
// record in the bundle, only a space view naming it, so the space is read
// from the public space data instead.
func (c *Client) loadUserContent(ctx context.Context) error {
	rm, err := c.api.LoadUserContent(ctx)
	if err != nil {
		return fmt.Errorf("load user content: %w", err)
	}

	userID := firstID(rm[models.TableUser])
	if c.cfg.ActiveUser != "" {
		userID = c.cfg.ActiveUser
	}
	spaceID := firstID(rm[models.TableSpace])

	if spaceID == "" {
		for _, id := range sortedIDs(rm[models.TableSpaceView]) {
			if sid, ok := rm[models.TableSpaceView][id].Value["space_id"].(string); ok && sid != "" {
				spaceID = sid
				break
			}
		}
		if spaceID != "" {
			if err := c.loadPublicSpace(ctx, spaceID); err != nil {
				return err
			}
		}
	}

	c.mu.Lock()
	c.userID = userID
	c.spaceID = spaceID
	c.mu.Unlock()
	c.logger.Info("loaded user content", "user", userID, "space", spaceID)
	return nil
}

func (c *Client) loadPublicSpace(ctx context.Context, spaceID string) error {
	spaces, err := c.api.GetPublicSpaceData(ctx, []string{spaceID})
	if err != nil {
		return fmt.Errorf("load public space data: %w", err)
	}
	entries := make(map[string]models.RecordEntry, len(spaces))
	for _, v := range spaces {
		if id, ok := v["id"].(string); ok {
			entries[id] = models.RecordEntry{Value: v, Role: "reader"}
		}
	}
	if len(entries) > 0 {
		c.store.StoreRecordMap(models.RecordMap{models.TableSpace: entries})
	}
	return nil
}

func firstID(entries map[string]models.RecordEntry) string {
	ids := sortedIDs(entries)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func sortedIDs(entries map[string]models.RecordEntry) []string {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CurrentUserID is the id of the acting user, or "" before it is known.
func (c *Client) CurrentUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) CurrentSpaceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.spaceID
}

// SetActiveUser switches the acting user for accounts with several users
// and reloads the user content.
func (c *Client) SetActiveUser(ctx context.Context, userID string) error {
	id, err := models.ExtractID(userID)
	if err != nil {
		return err
	}
	c.conn.SetActiveUser(id)
	c.cfg.ActiveUser = id
	return c.loadUserContent(ctx)
}

func (c *Client) CurrentUser() *Record {
	return c.newRecord(models.TableUser, c.CurrentUserID())
}

func (c *Client) CurrentSpace() *Record {
	r := c.newRecord(models.TableSpace, c.CurrentSpaceID())
	r.childListKey = "pages"
	return r
}

// TopLevelPages returns the pages listed on the current space.
func (c *Client) TopLevelPages(ctx context.Context) ([]*Block, error) {
	raw, err := c.CurrentSpace().Get(ctx, "pages")
	if err != nil {
		return nil, err
	}
	return c.blocksOf(ctx, stringList(raw))
}

func (c *Client) newRecord(table models.Table, id string) *Record {
	return &Record{client: c, table: table, id: id}
}

// GetRecordData returns a copy of the cached value of a record, fetching
// it when it is not cached or force is set. A missing record yields nil.
func (c *Client) GetRecordData(ctx context.Context, table models.Table, id string, force bool) (models.Value, error) {
	return c.store.Get(ctx, table, id, force)
}

// GetRecord returns a facade for any record, or nil when the server does
// not know it.
func (c *Client) GetRecord(ctx context.Context, table models.Table, urlOrID string, force bool) (*Record, error) {
	id, err := models.ExtractID(urlOrID)
	if err != nil {
		return nil, err
	}
	v, err := c.store.Get(ctx, table, id, force)
	if err != nil || v == nil {
		return nil, err
	}
	r := c.newRecord(table, id)
	if table == models.TableSpace {
		r.childListKey = "pages"
	}
	return r, nil
}

// GetBlock resolves a block id or page URL to a Block of the matching
// kind, or nil when the block does not exist.
func (c *Client) GetBlock(ctx context.Context, urlOrID string, force bool) (*Block, error) {
	id, err := models.ExtractID(urlOrID)
	if err != nil {
		return nil, err
	}
	v, err := c.store.Get(ctx, models.TableBlock, id, force)
	if err != nil || v == nil {
		return nil, err
	}
	return c.newBlock(id, v), nil
}

func (c *Client) GetCollection(ctx context.Context, urlOrID string, force bool) (*Collection, error) {
	r, err := c.GetRecord(ctx, models.TableCollection, urlOrID, force)
	if err != nil || r == nil {
		return nil, err
	}
	return &Collection{Record: *r}, nil
}

func (c *Client) GetCollectionView(ctx context.Context, urlOrID string, force bool) (*Record, error) {
	return c.GetRecord(ctx, models.TableCollectionView, urlOrID, force)
}

func (c *Client) GetUser(ctx context.Context, id string, force bool) (*Record, error) {
	return c.GetRecord(ctx, models.TableUser, id, force)
}

func (c *Client) GetSpace(ctx context.Context, id string, force bool) (*Record, error) {
	return c.GetRecord(ctx, models.TableSpace, id, force)
}

func (c *Client) blocksOf(ctx context.Context, ids []string) ([]*Block, error) {
	blocks := make([]*Block, 0, len(ids))
	for _, id := range ids {
		b, err := c.GetBlock(ctx, id, false)
		if err != nil {
			return nil, err
		}
		if b != nil {
			blocks = append(blocks, b)
		}
	}
	return blocks, nil
}

// RefreshRecords re-fetches the selected records. Inside an open
// transaction the refresh runs after the commit.
func (c *Client) RefreshRecords(ctx context.Context, keys []models.RecordKey) error {
	sel := store.Selection{}
	for _, k := range keys {
		set := sel[k.Table]
		set.IDs = append(set.IDs, k.ID)
		sel[k.Table] = set
	}
	return c.store.CallGetRecordValues(ctx, sel)
}

// CurrentVersion reports the cached version of a record, -1 when unknown.
func (c *Client) CurrentVersion(table models.Table, id string) int64 {
	return c.store.CurrentVersion(table, id)
}

// RefreshCollectionRows queries the collection through its first view,
// refreshes the row blocks and records the row list.
func (c *Client) RefreshCollectionRows(ctx context.Context, collectionID string) ([]string, error) {
	id, err := models.ExtractID(collectionID)
	if err != nil {
		return nil, err
	}
	res, err := c.QueryCollection(ctx, api.QueryCollectionRequest{
		CollectionID:     id,
		CollectionViewID: c.collectionViewID(ctx, id),
	})
	if err != nil {
		return nil, err
	}
	if len(res.BlockIDs) > 0 {
		if err := c.store.CallGetRecordValues(ctx, store.Selection{models.TableBlock: store.IDs(res.BlockIDs...)}); err != nil {
			return nil, err
		}
	}
	if err := c.store.SetCollectionRows(id, res.BlockIDs); err != nil {
		return nil, err
	}
	return res.BlockIDs, nil
}

// collectionViewID finds a view of the collection through the block that
// hosts it. The service accepts an empty view id for plain listings.
func (c *Client) collectionViewID(ctx context.Context, collectionID string) string {
	v, err := c.store.Get(ctx, models.TableCollection, collectionID, false)
	if err != nil || v == nil {
		return ""
	}
	parentID, _ := v["parent_id"].(string)
	if parentID == "" {
		return ""
	}
	parent, err := c.store.Get(ctx, models.TableBlock, parentID, false)
	if err != nil || parent == nil {
		return ""
	}
	if views := stringList(parent["view_ids"]); len(views) > 0 {
		return views[0]
	}
	return ""
}

func (c *Client) QueryCollection(ctx context.Context, req api.QueryCollectionRequest) (*api.QueryResult, error) {
	return c.api.QueryCollection(ctx, req)
}

// Search runs a quick-find search in the current space unless req names
// another one.
func (c *Client) Search(ctx context.Context, req api.SearchRequest) ([]*Block, error) {
	if req.SpaceID == "" {
		req.SpaceID = c.CurrentSpaceID()
	}
	ids, err := c.api.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.blocksOf(ctx, ids)
}

func (c *Client) SearchPagesWithParent(ctx context.Context, parentID, query string) ([]*Block, error) {
	id, err := models.ExtractID(parentID)
	if err != nil {
		return nil, err
	}
	ids, err := c.api.SearchPagesWithParent(ctx, id, c.CurrentSpaceID(), query)
	if err != nil {
		return nil, err
	}
	return c.blocksOf(ctx, ids)
}

// Submit sends operations, or queues them on the open transaction.
func (c *Client) Submit(ctx context.Context, ops ...operation.Operation) error {
	return c.tx.Submit(ctx, ops...)
}

// Atomic runs fn inside a transaction. Operations submitted by fn are
// sent together when the outermost Atomic returns; an error or panic
// from fn discards them.
func (c *Client) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.tx.Atomic(ctx, fn)
}

func (c *Client) InTransaction() bool {
	return c.tx.InTransaction()
}

// Transactions exposes the coordinator for explicit Begin and Commit.
func (c *Client) Transactions() *transaction.Coordinator {
	return c.tx
}

func (c *Client) Store() *store.Store {
	return c.store
}

func (c *Client) Metrics() *metrics.Collector {
	return c.metrics
}

// Listener is nil unless monitoring is enabled.
func (c *Client) Listener() *monitor.Listener {
	return c.listener
}

// Parent is a record new children can be attached to.
type Parent interface {
	ID() string
	Table() models.Table
	// ChildListKey names the list field holding child ids; "" when
	// children are not listed on the parent.
	ChildListKey() string
}

// CreateRecord creates a record under parent and returns its id. The
// record gets a fresh id, version 1 and the creation metadata; fields are
// merged over that. When the parent lists its children the new id is
// appended to that list in the same transaction.
func (c *Client) CreateRecord(ctx context.Context, table models.Table, parent Parent, fields map[string]any) (string, error) {
	if parent == nil {
		return "", fmt.Errorf("%w: create %s without a parent", constants.ErrInvalidIdentifier, table)
	}
	id := models.NewID()
	value := map[string]any{
		"id":               id,
		"version":          1,
		"alive":            true,
		"created_by_id":    c.CurrentUserID(),
		"created_by_table": string(models.TableUser),
		"created_time":     models.Millis(c.now()),
		"parent_id":        parent.ID(),
		"parent_table":     string(parent.Table()),
	}
	for k, v := range fields {
		value[k] = v
	}

	err := c.Atomic(ctx, func(ctx context.Context) error {
		create, err := operation.Build(id, "", value, operation.WithTable(table))
		if err != nil {
			return err
		}
		ops := []operation.Operation{create}
		if key := parent.ChildListKey(); key != "" {
			attach, err := operation.Build(parent.ID(), key, map[string]any{"id": id},
				operation.WithTable(parent.Table()),
				operation.WithCommand(operation.CommandListAfter),
			)
			if err != nil {
				return err
			}
			ops = append(ops, attach)
		}
		return c.Submit(ctx, ops...)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// StartMonitoring connects the listener and runs it in the background.
func (c *Client) StartMonitoring(ctx context.Context) error {
	if c.listener == nil {
		return constants.ErrMonitoringDisabled
	}
	return c.listener.Start(ctx)
}

// watch subscribes a record with the listener when monitoring is on.
func (c *Client) watch(ctx context.Context, table models.Table, id string) error {
	if c.listener == nil {
		return nil
	}
	return c.listener.Subscribe(ctx, monitor.Subscription{
		Key:        models.RecordKey{Table: table, ID: id},
		Version:    c.store.CurrentVersion(table, id),
		Collection: table == models.TableCollection,
	})
}

// Close stops the listener, waits for running callbacks and releases the
// cache and the connection.
func (c *Client) Close() error {
	var errs []error
	if c.listener != nil {
		if err := c.listener.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.store != nil {
		c.store.Wait()
	}
	if c.persister != nil {
		if err := c.persister.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.closeLog(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Client) closeLog() error {
	if c.logData == nil {
		return nil
	}
	return c.logData.Close()
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string{}, list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
