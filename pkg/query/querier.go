package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/audittrail/pkg/events"
	"github.com/platinummonkey/audittrail/pkg/observability"
)

const (
	athenaTimestampFormat = "2006-01-02 15:04:05.999"

	// queryStatusInitialDelay is the wait before the first status poll;
	// the engine essentially never finishes faster.
	queryStatusInitialDelay = 600 * time.Millisecond
	// queryMaxRunTime bounds how long a single execution may run.
	queryMaxRunTime = 1 * time.Minute
	// maxResultsPerFetch is the GetQueryResults API cap.
	maxResultsPerFetch = 1000

	// DefaultPageSize is used when a request does not set a limit.
	DefaultPageSize = 500
	// MaxPageSize is the hard cap on requested page size.
	MaxPageSize = 10000
	// MaxResponseBytes caps the total event payload per page; a page is
	// cut early when the next event would push it over.
	MaxResponseBytes = 1024 * 1024
)

// ErrRateLimited is returned when the query token bucket is empty.
var ErrRateLimited = errors.New("query rate limit exceeded")

// QueryError wraps analytic engine failures.
type QueryError struct {
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query: %v", e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Order determines result ordering by (event_time, uid).
type Order int

const (
	// OrderDescending returns newest events first.
	OrderDescending Order = iota
	// OrderAscending returns oldest events first.
	OrderAscending
)

// athenaAPI is the subset of the Athena API used by the querier.
type athenaAPI interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, params *athena.GetQueryResultsInput, optFns ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error)
	StopQueryExecution(ctx context.Context, params *athena.StopQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StopQueryExecutionOutput, error)
}

// Scope is the caller's authorization boundary. An empty scope sees
// everything; otherwise events are visible when the caller is the actor
// or a participant of the event's session. Scope predicates are baked
// into every query execution, including cursor-driven page fetches.
type Scope struct {
	Actor      string
	SessionIDs []string
}

func (s Scope) empty() bool {
	return s.Actor == "" && len(s.SessionIDs) == 0
}

// SearchRequest is one page request against the event store.
type SearchRequest struct {
	// From and To bound event_time, inclusive (required).
	From, To time.Time
	// Limit caps returned rows; defaults to DefaultPageSize.
	Limit int
	// Order of (event_time, uid).
	Order Order
	// StartKey resumes after a previous page's cursor.
	StartKey string
	// EventTypes filters to the given types when non-empty.
	EventTypes []string
	// SessionID filters to one session when set.
	SessionID string
	// Actor filters to events caused by one actor when set.
	Actor string
	// Search filters to events whose payload document contains the given
	// substring.
	Search string
	// Scope is the caller's authorization boundary.
	Scope Scope
}

// Config configures the querier.
type Config struct {
	// Athena is the analytic engine client (required).
	Athena athenaAPI
	// Database and Table name the Glue catalog objects (required). Both
	// are validated upstream to be alphanumeric/underscore only, since
	// the engine cannot take them as query parameters.
	Database string
	Table    string
	// Workgroup is optional.
	Workgroup string
	// ResultsLocation is the s3:// URL the engine stages output under
	// (required unless the workgroup enforces one).
	ResultsLocation string
	// PollInterval is the status poll cadence after the initial delay.
	PollInterval time.Duration
	// InitialDelay overrides the first poll delay, lowered in tests.
	InitialDelay time.Duration
	// DisableCostOptimization turns off the stepped range narrowing for
	// paginated searches over long ranges.
	DisableCostOptimization bool
	// Limiter is the optional query token bucket.
	Limiter *rate.Limiter

	Clock   clockwork.Clock
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

func (c *Config) checkAndSetDefaults() error {
	if c.Athena == nil {
		return fmt.Errorf("athena client is required")
	}
	if c.Database == "" || c.Table == "" {
		return fmt.Errorf("database and table are required")
	}
	if c.PollInterval == 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = queryStatusInitialDelay
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = observability.NewLogger(observability.InfoLevel, os.Stderr)
	}
	return nil
}

// Querier searches events in the columnar store.
type Querier struct {
	cfg    Config
	tracer oteltrace.Tracer
}

// New creates a querier.
func New(cfg Config) (*Querier, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Querier{
		cfg:    cfg,
		tracer: otel.Tracer("audittrail/query"),
	}, nil
}

// NewLimiter builds the query token bucket from refill settings. Returns
// nil when rate limiting is disabled.
func NewLimiter(refillAmount int, refillInterval time.Duration, burst int) *rate.Limiter {
	if refillAmount <= 0 || burst <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(refillAmount)/refillInterval.Seconds()), burst)
}

// searchRequest is the resolved internal form of one query execution.
type searchRequest struct {
	fromUTC, toUTC time.Time
	limit          int
	order          Order
	startKey       *keyset
	eventTypes     []string
	sessionID      string
	actor          string
	search         string
	scope          Scope
}

// SearchEvents executes one page request and returns the events together
// with the cursor for the next page. An empty cursor means the result
// set is exhausted.
func (q *Querier) SearchEvents(ctx context.Context, req SearchRequest) ([]*events.AuditEvent, string, error) {
	ctx, span := q.tracer.Start(ctx, "query/SearchEvents",
		oteltrace.WithAttributes(
			attribute.Int("limit", req.Limit),
			attribute.String("from", req.From.Format(time.RFC3339)),
			attribute.String("to", req.To.Format(time.RFC3339)),
		),
	)
	defer span.End()

	if q.cfg.Limiter != nil && !q.cfg.Limiter.Allow() {
		if q.cfg.Metrics != nil {
			q.cfg.Metrics.QueryRateLimitedTotal.Inc()
		}
		return nil, "", ErrRateLimited
	}

	start := time.Now()
	out, nextKey, err := q.searchWithCursor(ctx, req)
	if q.cfg.Metrics != nil {
		q.cfg.Metrics.QueryDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			q.cfg.Metrics.QueryErrorsTotal.Inc()
		}
	}
	return out, nextKey, err
}

func (q *Querier) searchWithCursor(ctx context.Context, req SearchRequest) ([]*events.AuditEvent, string, error) {
	if req.From.After(req.To) {
		return nil, "", fmt.Errorf("invalid time range: from %v is after to %v", req.From, req.To)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		return nil, "", fmt.Errorf("limit %d exceeds maximum %d", limit, MaxPageSize)
	}

	var startKeyset *keyset
	if req.StartKey != "" {
		var err error
		startKeyset, err = fromKey(req.StartKey)
		if err != nil {
			return nil, "", fmt.Errorf("unsupported cursor format: %w", err)
		}
	}

	from := req.From.UTC()
	to := req.To.UTC()
	// The cursor narrows the scanned range: everything beyond it would be
	// filtered out by the keyset predicate anyway, at full scan cost.
	if startKeyset != nil {
		if req.Order == OrderAscending && startKeyset.t.After(from) {
			from = startKeyset.t.UTC()
		}
		if req.Order == OrderDescending && startKeyset.t.Before(to) {
			to = startKeyset.t.UTC()
		}
	}

	resolved := searchRequest{
		fromUTC:    from,
		toUTC:      to,
		limit:      limit,
		order:      req.Order,
		startKey:   startKeyset,
		eventTypes: req.EventTypes,
		sessionID:  req.SessionID,
		actor:      req.Actor,
		search:     req.Search,
		scope:      req.Scope,
	}

	// Paginated searches over long ranges scan narrower windows first;
	// most pages fill from recent data without touching the whole range.
	if !q.cfg.DisableCostOptimization && startKeyset != nil && to.Sub(from) > 24*time.Hour {
		return q.costOptimizedSearch(ctx, resolved)
	}
	return q.searchOnce(ctx, resolved)
}

// costOptimizedSearch widens the scanned window step by step (1h, 1d,
// 7d, 30d, full range) until a page fills.
func (q *Querier) costOptimizedSearch(ctx context.Context, req searchRequest) ([]*events.AuditEvent, string, error) {
	var out []*events.AuditEvent
	var nextKey string
	var err error

	for _, boundary := range searchRangeSteps(req.fromUTC, req.toUTC, req.order) {
		stepReq := req
		if req.order == OrderAscending {
			stepReq.toUTC = boundary
		} else {
			stepReq.fromUTC = boundary
		}
		q.cfg.Logger.WithFields(map[string]interface{}{
			"from": stepReq.fromUTC, "to": stepReq.toUTC,
		}).Debug("Cost optimized query on narrowed range")

		out, nextKey, err = q.searchOnce(ctx, stepReq)
		if err != nil {
			return nil, "", err
		}
		if nextKey != "" {
			// Page filled within this window.
			return out, nextKey, nil
		}
	}
	// Last iteration ran on the original range.
	return out, nextKey, nil
}

// searchRangeSteps returns the boundaries to try, ending with the bound
// of the original range.
func searchRangeSteps(from, to time.Time, order Order) []time.Time {
	steps := []time.Duration{
		1 * time.Hour,
		24 * time.Hour,
		7 * 24 * time.Hour,
		30 * 24 * time.Hour,
	}
	var out []time.Time
	if order == OrderAscending {
		for _, step := range steps {
			if boundary := from.Add(step); boundary.Before(to) {
				out = append(out, boundary)
			}
		}
		return append(out, to)
	}
	for _, step := range steps {
		if boundary := to.Add(-step); boundary.After(from) {
			out = append(out, boundary)
		}
	}
	return append(out, from)
}

// searchOnce runs the full submit/poll/fetch protocol for one execution.
func (q *Querier) searchOnce(ctx context.Context, req searchRequest) ([]*events.AuditEvent, string, error) {
	query, params := prepareQuery(q.cfg.Table, req)

	startTime := time.Now()
	defer func() {
		q.cfg.Logger.WithFields(map[string]interface{}{
			"query":    query,
			"duration": time.Since(startTime).String(),
		}).Debug("Executed events query")
	}()

	queryID, err := q.startQueryExecution(ctx, query, params)
	if err != nil {
		return nil, "", &QueryError{Err: err}
	}
	if err := q.waitForSuccess(ctx, queryID); err != nil {
		return nil, "", err
	}
	return q.fetchResults(ctx, queryID, req.limit)
}

// queryBuilder accumulates query text with '?' placeholders and the
// execution parameters filling them.
type queryBuilder struct {
	builder strings.Builder
	args    []string
}

func (q *queryBuilder) Append(s string, args ...string) {
	q.builder.WriteString(s)
	q.args = append(q.args, args...)
}

// withTicks wraps a string parameter in single quotes as the engine's
// execution parameters require.
func withTicks(in string) string {
	return "'" + in + "'"
}

func withTimestamp(t time.Time) string {
	return fmt.Sprintf("timestamp '%s'", t.Format(athenaTimestampFormat))
}

// prepareQuery builds the parametrized query for one execution. The
// table name is appended directly: the engine cannot parametrize it, and
// it is validated upstream against an alphanumeric/underscore whitelist.
func prepareQuery(table string, req searchRequest) (query string, execParams []string) {
	qb := &queryBuilder{}
	qb.Append(`SELECT DISTINCT uid, event_time, event_data FROM `)
	qb.Append(table)

	// event_date prunes partitions, event_time filters inside them.
	qb.Append(` WHERE event_date BETWEEN date(?) AND date(?)`,
		withTicks(req.fromUTC.Format(time.DateOnly)), withTicks(req.toUTC.Format(time.DateOnly)))
	qb.Append(` AND event_time BETWEEN ? and ?`,
		withTimestamp(req.fromUTC), withTimestamp(req.toUTC))

	if req.sessionID != "" {
		qb.Append(` AND session_id = ?`, withTicks(req.sessionID))
	}

	if req.actor != "" {
		qb.Append(` AND actor = ?`, withTicks(req.actor))
	}

	if req.search != "" {
		// Substring match over the whole payload document. Passed as a
		// parameter, so quoting in the search term cannot break out.
		qb.Append(` AND event_data LIKE ?`, withTicks("%"+req.search+"%"))
	}

	if len(req.eventTypes) > 0 {
		// The engine rejects a single '?' for an IN list, so one
		// placeholder per type is generated.
		qb.Append(fmt.Sprintf(` AND event_type IN (%s)`, placeholders(len(req.eventTypes))))
		for _, et := range req.eventTypes {
			qb.args = append(qb.args, withTicks(et))
		}
	}

	if !req.scope.empty() {
		// Authorization boundary: the caller sees events they caused or
		// events of sessions they participate in. Rebuilt from the
		// request identity on every page fetch.
		var parts []string
		if req.scope.Actor != "" {
			parts = append(parts, "actor = ?")
			qb.args = append(qb.args, withTicks(req.scope.Actor))
		}
		if len(req.scope.SessionIDs) > 0 {
			parts = append(parts, fmt.Sprintf("session_id IN (%s)", placeholders(len(req.scope.SessionIDs))))
			for _, sid := range req.scope.SessionIDs {
				qb.args = append(qb.args, withTicks(sid))
			}
		}
		qb.Append(` AND (` + strings.Join(parts, " OR ") + `)`)
	}

	if req.order == OrderAscending {
		if req.startKey != nil {
			qb.Append(` AND (event_time, uid) > (?,?)`,
				withTimestamp(req.startKey.t), withTicks(req.startKey.uid.String()))
		}
		qb.Append(` ORDER BY event_time ASC, uid ASC`)
	} else {
		if req.startKey != nil {
			qb.Append(` AND (event_time, uid) < (?,?)`,
				withTimestamp(req.startKey.t), withTicks(req.startKey.uid.String()))
		}
		qb.Append(` ORDER BY event_time DESC, uid DESC`)
	}

	// LIMIT cannot be a placeholder on engine v2; safe because it is a
	// validated int.
	qb.Append(` LIMIT ` + strconv.Itoa(req.limit) + `;`)

	return qb.builder.String(), qb.args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (q *Querier) startQueryExecution(ctx context.Context, query string, params []string) (string, error) {
	ctx, span := q.tracer.Start(ctx, "query/startQueryExecution")
	defer span.End()

	in := &athena.StartQueryExecutionInput{
		QueryString:         aws.String(query),
		ExecutionParameters: params,
		QueryExecutionContext: &athenatypes.QueryExecutionContext{
			Database: aws.String(q.cfg.Database),
		},
	}
	if q.cfg.Workgroup != "" {
		in.WorkGroup = aws.String(q.cfg.Workgroup)
	}
	if q.cfg.ResultsLocation != "" {
		in.ResultConfiguration = &athenatypes.ResultConfiguration{
			OutputLocation: aws.String(q.cfg.ResultsLocation),
		}
	}

	out, err := q.cfg.Athena.StartQueryExecution(ctx, in)
	if err != nil {
		return "", fmt.Errorf("failed to start query execution: %w", err)
	}
	return aws.ToString(out.QueryExecutionId), nil
}

// waitForSuccess polls the execution until it succeeds, fails, or the
// context ends. A canceled context stops the remote execution so it does
// not keep scanning after the caller is gone.
func (q *Querier) waitForSuccess(ctx context.Context, queryID string) error {
	ctx, span := q.tracer.Start(ctx, "query/waitForSuccess",
		oteltrace.WithAttributes(attribute.String("query_id", queryID)),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, queryMaxRunTime)
	defer cancel()

	for i := 0; ; i++ {
		interval := q.cfg.PollInterval
		if i == 0 {
			interval = q.cfg.InitialDelay
		}
		select {
		case <-ctx.Done():
			q.stopQueryExecution(queryID)
			return &QueryError{Err: ctx.Err()}
		case <-q.cfg.Clock.After(interval):
		}

		resp, err := q.cfg.Athena.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(queryID),
		})
		if err != nil {
			if ctx.Err() != nil {
				q.stopQueryExecution(queryID)
				return &QueryError{Err: ctx.Err()}
			}
			return &QueryError{Err: err}
		}
		state := resp.QueryExecution.Status.State
		switch state {
		case athenatypes.QueryExecutionStateSucceeded:
			return nil
		case athenatypes.QueryExecutionStateCancelled, athenatypes.QueryExecutionStateFailed:
			return &QueryError{Err: fmt.Errorf("query %s finished in state %s", queryID, state)}
		case athenatypes.QueryExecutionStateQueued, athenatypes.QueryExecutionStateRunning:
			continue
		default:
			return &QueryError{Err: fmt.Errorf("query %s in unknown state %s", queryID, state)}
		}
	}
}

// stopQueryExecution is best effort, used when abandoning an execution.
func (q *Querier) stopQueryExecution(queryID string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := q.cfg.Athena.StopQueryExecution(stopCtx, &athena.StopQueryExecutionInput{
		QueryExecutionId: aws.String(queryID),
	}); err != nil {
		q.cfg.Logger.WithError(err).WithField("query_id", queryID).Warn("Failed to stop abandoned query execution")
	}
}

// fetchResults pages through the execution output. The API returns at
// most 1000 rows per call, so larger limits loop on the next token.
func (q *Querier) fetchResults(ctx context.Context, queryID string, limit int) ([]*events.AuditEvent, string, error) {
	ctx, span := q.tracer.Start(ctx, "query/fetchResults",
		oteltrace.WithAttributes(attribute.String("query_id", queryID)),
	)
	defer span.End()

	rb := &responseBuilder{}
	var nextToken *string
	for {
		resp, err := q.cfg.Athena.GetQueryResults(ctx, &athena.GetQueryResultsInput{
			QueryExecutionId: aws.String(queryID),
			MaxResults:       aws.Int32(maxResultsPerFetch),
			NextToken:        nextToken,
		})
		if err != nil {
			return nil, "", &QueryError{Err: err}
		}

		sizeLimit, err := rb.appendUntilSizeLimit(resp)
		if err != nil {
			return nil, "", err
		}
		if sizeLimit {
			ks, err := rb.endKeyset()
			if err != nil {
				return nil, "", err
			}
			return rb.output, ks.ToKey(), nil
		}

		if resp.NextToken == nil {
			if len(rb.output) >= limit {
				// A full page; there may be more rows behind it.
				ks, err := rb.endKeyset()
				if err != nil {
					return nil, "", err
				}
				return rb.output, ks.ToKey(), nil
			}
			return rb.output, "", nil
		}
		nextToken = resp.NextToken
	}
}

// responseBuilder accumulates decoded events up to the response size cap.
type responseBuilder struct {
	output    []*events.AuditEvent
	totalSize int
}

func (rb *responseBuilder) endKeyset() (*keyset, error) {
	if len(rb.output) == 0 {
		return nil, nil
	}
	return eventToKeyset(rb.output[len(rb.output)-1])
}

// appendUntilSizeLimit decodes rows into events, stopping early when the
// next event would exceed the page size cap. Returns true if the cap was
// hit.
func (rb *responseBuilder) appendUntilSizeLimit(resp *athena.GetQueryResultsOutput) (bool, error) {
	if resp == nil || resp.ResultSet == nil {
		return false, nil
	}
	for i, row := range resp.ResultSet.Rows {
		if len(row.Data) != 3 {
			return false, &QueryError{Err: fmt.Errorf("unexpected row width %d", len(row.Data))}
		}
		// The first row of the first fetch is the CSV header.
		if i == 0 && aws.ToString(row.Data[0].VarCharValue) == "uid" {
			continue
		}
		eventData := aws.ToString(row.Data[2].VarCharValue)

		var event events.AuditEvent
		if err := json.Unmarshal([]byte(eventData), &event); err != nil {
			return false, &QueryError{Err: fmt.Errorf("failed to unmarshal event row: %w", err)}
		}

		if len(eventData)+rb.totalSize > MaxResponseBytes {
			if len(rb.output) > 0 {
				// Cut the page here; the event reappears on the next
				// page via the cursor.
				return true, nil
			}
			// A single event bigger than a whole page cannot be
			// returned through this API at all.
			return true, &QueryError{Err: fmt.Errorf(
				"event %s of %d bytes exceeds the maximum response size of %d bytes",
				event.ID, len(eventData), MaxResponseBytes)}
		}
		rb.totalSize += len(eventData)
		rb.output = append(rb.output, &event)
	}
	return false, nil
}
