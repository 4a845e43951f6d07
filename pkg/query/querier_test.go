package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/audittrail/pkg/events"
)

var (
	rangeFrom = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rangeTo   = time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
)

func TestPrepareQuery(t *testing.T) {
	cursorTime := time.Date(2026, 5, 3, 12, 0, 0, 0, time.UTC)
	cursorUID := uuid.MustParse("9762a4fe-ac4b-47b5-ba4f-5f70d065849a")

	tests := []struct {
		name       string
		req        searchRequest
		wantQuery  string
		wantParams []string
	}{
		{
			name: "descending over range",
			req: searchRequest{
				fromUTC: rangeFrom, toUTC: rangeTo, limit: 100, order: OrderDescending,
			},
			wantQuery: `SELECT DISTINCT uid, event_time, event_data FROM audit_events` +
				` WHERE event_date BETWEEN date(?) AND date(?)` +
				` AND event_time BETWEEN ? and ?` +
				` ORDER BY event_time DESC, uid DESC LIMIT 100;`,
			wantParams: []string{
				"'2026-05-01'", "'2026-05-04'",
				"timestamp '2026-05-01 00:00:00'", "timestamp '2026-05-04 00:00:00'",
			},
		},
		{
			name: "ascending with session filter",
			req: searchRequest{
				fromUTC: rangeFrom, toUTC: rangeTo, limit: 50, order: OrderAscending,
				sessionID: "sess-1",
			},
			wantQuery: `SELECT DISTINCT uid, event_time, event_data FROM audit_events` +
				` WHERE event_date BETWEEN date(?) AND date(?)` +
				` AND event_time BETWEEN ? and ?` +
				` AND session_id = ?` +
				` ORDER BY event_time ASC, uid ASC LIMIT 50;`,
			wantParams: []string{
				"'2026-05-01'", "'2026-05-04'",
				"timestamp '2026-05-01 00:00:00'", "timestamp '2026-05-04 00:00:00'",
				"'sess-1'",
			},
		},
		{
			name: "event types expand to one placeholder each",
			req: searchRequest{
				fromUTC: rangeFrom, toUTC: rangeTo, limit: 10, order: OrderDescending,
				eventTypes: []string{"user.login", "user.logout"},
			},
			wantQuery: `SELECT DISTINCT uid, event_time, event_data FROM audit_events` +
				` WHERE event_date BETWEEN date(?) AND date(?)` +
				` AND event_time BETWEEN ? and ?` +
				` AND event_type IN (?,?)` +
				` ORDER BY event_time DESC, uid DESC LIMIT 10;`,
			wantParams: []string{
				"'2026-05-01'", "'2026-05-04'",
				"timestamp '2026-05-01 00:00:00'", "timestamp '2026-05-04 00:00:00'",
				"'user.login'", "'user.logout'",
			},
		},
		{
			name: "descending with cursor",
			req: searchRequest{
				fromUTC: rangeFrom, toUTC: rangeTo, limit: 10, order: OrderDescending,
				startKey: &keyset{t: cursorTime, uid: cursorUID},
			},
			wantQuery: `SELECT DISTINCT uid, event_time, event_data FROM audit_events` +
				` WHERE event_date BETWEEN date(?) AND date(?)` +
				` AND event_time BETWEEN ? and ?` +
				` AND (event_time, uid) < (?,?)` +
				` ORDER BY event_time DESC, uid DESC LIMIT 10;`,
			wantParams: []string{
				"'2026-05-01'", "'2026-05-04'",
				"timestamp '2026-05-01 00:00:00'", "timestamp '2026-05-04 00:00:00'",
				"timestamp '2026-05-03 12:00:00'", "'9762a4fe-ac4b-47b5-ba4f-5f70d065849a'",
			},
		},
		{
			name: "ascending with cursor flips the comparison",
			req: searchRequest{
				fromUTC: rangeFrom, toUTC: rangeTo, limit: 10, order: OrderAscending,
				startKey: &keyset{t: cursorTime, uid: cursorUID},
			},
			wantQuery: `SELECT DISTINCT uid, event_time, event_data FROM audit_events` +
				` WHERE event_date BETWEEN date(?) AND date(?)` +
				` AND event_time BETWEEN ? and ?` +
				` AND (event_time, uid) > (?,?)` +
				` ORDER BY event_time ASC, uid ASC LIMIT 10;`,
			wantParams: []string{
				"'2026-05-01'", "'2026-05-04'",
				"timestamp '2026-05-01 00:00:00'", "timestamp '2026-05-04 00:00:00'",
				"timestamp '2026-05-03 12:00:00'", "'9762a4fe-ac4b-47b5-ba4f-5f70d065849a'",
			},
		},
		{
			name: "actor and payload substring filters",
			req: searchRequest{
				fromUTC: rangeFrom, toUTC: rangeTo, limit: 10, order: OrderDescending,
				actor: "bob", search: `"method":"local"`,
			},
			wantQuery: `SELECT DISTINCT uid, event_time, event_data FROM audit_events` +
				` WHERE event_date BETWEEN date(?) AND date(?)` +
				` AND event_time BETWEEN ? and ?` +
				` AND actor = ?` +
				` AND event_data LIKE ?` +
				` ORDER BY event_time DESC, uid DESC LIMIT 10;`,
			wantParams: []string{
				"'2026-05-01'", "'2026-05-04'",
				"timestamp '2026-05-01 00:00:00'", "timestamp '2026-05-04 00:00:00'",
				"'bob'", `'%"method":"local"%'`,
			},
		},
		{
			name: "scope restricts to actor and sessions",
			req: searchRequest{
				fromUTC: rangeFrom, toUTC: rangeTo, limit: 10, order: OrderDescending,
				scope: Scope{Actor: "alice", SessionIDs: []string{"s1", "s2"}},
			},
			wantQuery: `SELECT DISTINCT uid, event_time, event_data FROM audit_events` +
				` WHERE event_date BETWEEN date(?) AND date(?)` +
				` AND event_time BETWEEN ? and ?` +
				` AND (actor = ? OR session_id IN (?,?))` +
				` ORDER BY event_time DESC, uid DESC LIMIT 10;`,
			wantParams: []string{
				"'2026-05-01'", "'2026-05-04'",
				"timestamp '2026-05-01 00:00:00'", "timestamp '2026-05-04 00:00:00'",
				"'alice'", "'s1'", "'s2'",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, params := prepareQuery("audit_events", tt.req)
			assert.Equal(t, tt.wantQuery, query)
			assert.Equal(t, tt.wantParams, params)
		})
	}
}

func TestKeysetRoundTrip(t *testing.T) {
	ks := &keyset{
		t:   time.Date(2026, 5, 3, 12, 30, 45, 123456000, time.UTC),
		uid: uuid.New(),
	}
	got, err := fromKey(ks.ToKey())
	require.NoError(t, err)
	assert.Equal(t, ks.t, got.t)
	assert.Equal(t, ks.uid, got.uid)
}

func TestFromKey_Invalid(t *testing.T) {
	for _, key := range []string{"not-base64!!!", "dG9vc2hvcnQ=", ""} {
		_, err := fromKey(key)
		assert.Error(t, err, "key %q must not parse", key)
	}
}

// fakeAthena serves a canned result set through the async protocol.
type fakeAthena struct {
	mu          sync.Mutex
	startInputs []*athena.StartQueryExecutionInput
	stopped     []string
	// pendingPolls returns Running this many times before Succeeded.
	pendingPolls int
	finalState   athenatypes.QueryExecutionState
	// pages of rows returned by GetQueryResults, one call each.
	pages [][]athenatypes.Row
}

func newFakeAthena(pages ...[]athenatypes.Row) *fakeAthena {
	return &fakeAthena{finalState: athenatypes.QueryExecutionStateSucceeded, pages: pages}
}

func (f *fakeAthena) StartQueryExecution(_ context.Context, in *athena.StartQueryExecutionInput, _ ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startInputs = append(f.startInputs, in)
	return &athena.StartQueryExecutionOutput{QueryExecutionId: aws.String(fmt.Sprintf("q-%d", len(f.startInputs)))}, nil
}

func (f *fakeAthena) GetQueryExecution(_ context.Context, _ *athena.GetQueryExecutionInput, _ ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.finalState
	if f.pendingPolls > 0 {
		f.pendingPolls--
		state = athenatypes.QueryExecutionStateRunning
	}
	return &athena.GetQueryExecutionOutput{
		QueryExecution: &athenatypes.QueryExecution{
			Status: &athenatypes.QueryExecutionStatus{State: state},
		},
	}, nil
}

func (f *fakeAthena) GetQueryResults(_ context.Context, in *athena.GetQueryResultsInput, _ ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page := 0
	if in.NextToken != nil {
		fmt.Sscanf(aws.ToString(in.NextToken), "page-%d", &page)
	}
	out := &athena.GetQueryResultsOutput{ResultSet: &athenatypes.ResultSet{}}
	if page < len(f.pages) {
		out.ResultSet.Rows = f.pages[page]
	}
	if page+1 < len(f.pages) {
		out.NextToken = aws.String(fmt.Sprintf("page-%d", page+1))
	}
	return out, nil
}

func (f *fakeAthena) StopQueryExecution(_ context.Context, in *athena.StopQueryExecutionInput, _ ...func(*athena.Options)) (*athena.StopQueryExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, aws.ToString(in.QueryExecutionId))
	return &athena.StopQueryExecutionOutput{}, nil
}

func headerRow() athenatypes.Row {
	return athenatypes.Row{Data: []athenatypes.Datum{
		{VarCharValue: aws.String("uid")},
		{VarCharValue: aws.String("event_time")},
		{VarCharValue: aws.String("event_data")},
	}}
}

func eventRow(t *testing.T, event *events.AuditEvent) athenatypes.Row {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return athenatypes.Row{Data: []athenatypes.Datum{
		{VarCharValue: aws.String(event.ID)},
		{VarCharValue: aws.String(event.Time.Format(athenaTimestampFormat))},
		{VarCharValue: aws.String(string(data))},
	}}
}

func testQuerier(t *testing.T, client *fakeAthena, mutate ...func(*Config)) *Querier {
	t.Helper()
	cfg := Config{
		Athena:          client,
		Database:        "audit",
		Table:           "audit_events",
		ResultsLocation: "s3://staging/query-results",
		PollInterval:    time.Millisecond,
		InitialDelay:    time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	q, err := New(cfg)
	require.NoError(t, err)
	return q
}

func makeEvents(t *testing.T, n int, at time.Time) []*events.AuditEvent {
	out := make([]*events.AuditEvent, n)
	for i := range out {
		out[i] = &events.AuditEvent{
			ID:    uuid.NewString(),
			Type:  "user.login",
			Time:  at.Add(-time.Duration(i) * time.Minute),
			Actor: "alice",
		}
	}
	return out
}

func TestSearchEvents_PartialPageHasNoCursor(t *testing.T) {
	evs := makeEvents(t, 3, rangeTo.Add(-time.Hour))
	rows := []athenatypes.Row{headerRow()}
	for _, e := range evs {
		rows = append(rows, eventRow(t, e))
	}
	q := testQuerier(t, newFakeAthena(rows))

	got, nextKey, err := q.SearchEvents(context.Background(), SearchRequest{
		From: rangeFrom, To: rangeTo, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Empty(t, nextKey, "partial page means the result set is exhausted")
	assert.Equal(t, evs[0].ID, got[0].ID)
}

func TestSearchEvents_FullPageReturnsCursorOfLastRow(t *testing.T) {
	evs := makeEvents(t, 5, rangeTo.Add(-time.Hour))
	rows := []athenatypes.Row{headerRow()}
	for _, e := range evs {
		rows = append(rows, eventRow(t, e))
	}
	q := testQuerier(t, newFakeAthena(rows))

	got, nextKey, err := q.SearchEvents(context.Background(), SearchRequest{
		From: rangeFrom, To: rangeTo, Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.NotEmpty(t, nextKey)

	ks, err := fromKey(nextKey)
	require.NoError(t, err)
	last := got[len(got)-1]
	assert.Equal(t, last.ID, ks.uid.String())
	assert.Equal(t, last.Time.UnixMicro(), ks.t.UnixMicro())
}

func TestSearchEvents_ResultPagingFollowsNextToken(t *testing.T) {
	evs := makeEvents(t, 4, rangeTo.Add(-time.Hour))
	page1 := []athenatypes.Row{headerRow(), eventRow(t, evs[0]), eventRow(t, evs[1])}
	page2 := []athenatypes.Row{eventRow(t, evs[2]), eventRow(t, evs[3])}
	q := testQuerier(t, newFakeAthena(page1, page2))

	got, _, err := q.SearchEvents(context.Background(), SearchRequest{
		From: rangeFrom, To: rangeTo, Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestSearchEvents_CursorNarrowsScannedRange(t *testing.T) {
	client := newFakeAthena([]athenatypes.Row{headerRow()})
	q := testQuerier(t, client)

	cursor := (&keyset{
		t:   time.Date(2026, 5, 2, 6, 0, 0, 0, time.UTC),
		uid: uuid.New(),
	}).ToKey()

	_, _, err := q.SearchEvents(context.Background(), SearchRequest{
		From: rangeFrom, To: rangeTo, Limit: 10, Order: OrderDescending, StartKey: cursor,
	})
	require.NoError(t, err)

	require.NotEmpty(t, client.startInputs)
	params := client.startInputs[0].ExecutionParameters
	// Descending: the upper bound moves down to the cursor time.
	assert.Equal(t, "'2026-05-02'", params[1])
	assert.Contains(t, params[3], "2026-05-02 06:00:00")
}

func TestSearchEvents_PageFetchCarriesCallerScope(t *testing.T) {
	// The same cursor issued to one caller is replayed by a caller with a
	// narrower scope; the re-executed query must carry the new caller's
	// scope predicate rather than any state from the original query.
	client := newFakeAthena([]athenatypes.Row{headerRow()})
	q := testQuerier(t, client)

	cursor := (&keyset{t: rangeTo.Add(-time.Hour), uid: uuid.New()}).ToKey()
	_, _, err := q.SearchEvents(context.Background(), SearchRequest{
		From: rangeFrom, To: rangeTo, Limit: 10, StartKey: cursor,
		Scope: Scope{Actor: "mallory"},
	})
	require.NoError(t, err)

	require.NotEmpty(t, client.startInputs)
	query := aws.ToString(client.startInputs[0].QueryString)
	assert.Contains(t, query, "AND (actor = ?)")
	assert.Contains(t, client.startInputs[0].ExecutionParameters, "'mallory'")
}

func TestSearchEvents_PollsUntilSucceeded(t *testing.T) {
	client := newFakeAthena([]athenatypes.Row{headerRow()})
	client.pendingPolls = 3
	q := testQuerier(t, client)

	_, _, err := q.SearchEvents(context.Background(), SearchRequest{From: rangeFrom, To: rangeTo})
	require.NoError(t, err)
}

func TestSearchEvents_FailedExecution(t *testing.T) {
	client := newFakeAthena()
	client.finalState = athenatypes.QueryExecutionStateFailed
	q := testQuerier(t, client)

	_, _, err := q.SearchEvents(context.Background(), SearchRequest{From: rangeFrom, To: rangeTo})
	var queryErr *QueryError
	require.ErrorAs(t, err, &queryErr)
}

func TestSearchEvents_CancellationStopsRemoteExecution(t *testing.T) {
	client := newFakeAthena()
	client.pendingPolls = 1 << 30
	q := testQuerier(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err := q.SearchEvents(ctx, SearchRequest{From: rangeFrom, To: rangeTo})
	require.Error(t, err)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.NotEmpty(t, client.stopped, "abandoned execution must be stopped remotely")
}

func TestSearchEvents_RateLimited(t *testing.T) {
	client := newFakeAthena([]athenatypes.Row{headerRow()})
	q := testQuerier(t, client, func(cfg *Config) {
		cfg.Limiter = rate.NewLimiter(rate.Limit(0.0001), 1)
	})

	_, _, err := q.SearchEvents(context.Background(), SearchRequest{From: rangeFrom, To: rangeTo})
	require.NoError(t, err, "first query consumes the burst token")

	_, _, err = q.SearchEvents(context.Background(), SearchRequest{From: rangeFrom, To: rangeTo})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestSearchEvents_ResponseSizeCapCutsPage(t *testing.T) {
	big := makeEvents(t, 3, rangeTo.Add(-time.Hour))
	for _, e := range big {
		e.Fields = map[string]any{"blob": strings.Repeat("x", MaxResponseBytes/2)}
	}
	rows := []athenatypes.Row{headerRow()}
	for _, e := range big {
		rows = append(rows, eventRow(t, e))
	}
	q := testQuerier(t, newFakeAthena(rows))

	got, nextKey, err := q.SearchEvents(context.Background(), SearchRequest{
		From: rangeFrom, To: rangeTo, Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, got, 1, "second event would exceed the response cap")
	require.NotEmpty(t, nextKey, "cut page must be resumable")

	ks, err := fromKey(nextKey)
	require.NoError(t, err)
	assert.Equal(t, got[0].ID, ks.uid.String())
}

func TestSearchEvents_Validation(t *testing.T) {
	q := testQuerier(t, newFakeAthena())

	_, _, err := q.SearchEvents(context.Background(), SearchRequest{From: rangeTo, To: rangeFrom})
	assert.Error(t, err, "inverted range")

	_, _, err = q.SearchEvents(context.Background(), SearchRequest{From: rangeFrom, To: rangeTo, Limit: MaxPageSize + 1})
	assert.Error(t, err, "limit above cap")

	_, _, err = q.SearchEvents(context.Background(), SearchRequest{From: rangeFrom, To: rangeTo, StartKey: "garbage"})
	assert.Error(t, err, "malformed cursor")
}

func TestSearchRangeSteps(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	desc := searchRangeSteps(from, to, OrderDescending)
	require.Len(t, desc, 5)
	assert.Equal(t, to.Add(-time.Hour), desc[0])
	assert.Equal(t, from, desc[4])

	asc := searchRangeSteps(from, to, OrderAscending)
	require.Len(t, asc, 5)
	assert.Equal(t, from.Add(time.Hour), asc[0])
	assert.Equal(t, to, asc[4])

	// Tight range keeps only the original bound.
	tight := searchRangeSteps(to.Add(-30*time.Minute), to, OrderDescending)
	require.Len(t, tight, 1)
	assert.Equal(t, to.Add(-30*time.Minute), tight[0])
}
