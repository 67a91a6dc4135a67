package resource

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	concave "github.com/concave/concave"
	"github.com/concave/concave/broker"
	"github.com/concave/concave/changelog"
	"github.com/concave/concave/filter"
	"github.com/concave/concave/problem"
	"github.com/concave/concave/relations"
	"github.com/concave/concave/scope"
	"github.com/concave/concave/subscribe"
)

// Engine bundles the shared infrastructure a mounted Descriptor needs
// beyond its own Driver: the changelog it reads for subscriptions, the
// broker pokes ride on, and the filter operator registry compilations use.
type Engine struct {
	Log      changelog.Log
	Broker   broker.Broker
	Registry *filter.Registry
}

// Mount registers the full §4.2 route table for d under prefix on r.
func Mount(r *concave.Router, prefix string, d *Descriptor, eng *Engine) {
	sub := r.Prefix(prefix)

	sub.Get("/", list(d, eng))
	sub.Get("/count", count(d, eng))
	sub.Get("/aggregate", aggregate(d, eng))
	sub.Get("/search", search(d, eng))
	sub.Get("/subscribe", subscribeHandler(d, eng))
	sub.Get("/{id}", get(d, eng))

	sub.Post("/", create(d, eng))
	sub.Post("/batch", batchCreate(d, eng))
	sub.Patch("/{id}", update(d, eng, false))
	sub.Put("/{id}", update(d, eng, true))
	sub.Patch("/batch", batchUpdate(d, eng))
	sub.Delete("/{id}", del(d, eng))
	sub.Delete("/batch", batchDelete(d, eng))
}

func currentUser(c *concave.Ctx) scope.User {
	u, _ := c.Context().Value(userCtxKey{}).(scope.User)
	return u
}

type userCtxKey struct{}

func resolveEffective(c *concave.Ctx, d *Descriptor, op string, callerFilter *filter.Expr) (*filter.Expr, error) {
	resolver := d.Scopes.resolverFor(op)
	if d.Scopes.Public && (op == "read" || op == "subscribe") {
		resolver = nil
	}
	s, err := scope.Resolve(resolver, op, currentUser(c))
	if err != nil {
		return nil, err
	}
	if scope.IsAll(s) {
		if callerFilter == nil {
			return filter.Compile("")
		}
		return callerFilter, nil
	}
	if callerFilter == nil || callerFilter.IsTautology() {
		return s, nil
	}
	return filter.And(s, callerFilter), nil
}

func parseFilter(reg *filter.Registry, raw string) (*filter.Expr, error) {
	if raw == "" {
		return filter.Compile("")
	}
	if reg == nil {
		return filter.Compile(raw)
	}
	return filter.CompileWithRegistry(raw, reg)
}

func parseOrderBy(raw []string) []OrderKey {
	var out []OrderKey
	for _, term := range raw {
		parts := strings.SplitN(term, ":", 2)
		key := OrderKey{Field: parts[0]}
		if len(parts) == 2 && strings.EqualFold(parts[1], "desc") {
			key.Desc = true
		}
		out = append(out, key)
	}
	return out
}

func parseSelect(raw string, allowed []string) []string {
	if raw == "" {
		return nil
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = struct{}{}
	}
	var out []string
	for _, f := range strings.Split(raw, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if len(allowedSet) == 0 {
			out = append(out, f)
			continue
		}
		if _, ok := allowedSet[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

func clampLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func list(d *Descriptor, eng *Engine) concave.Handler {
	return func(c *concave.Ctx) error {
		callerFilter, err := parseFilter(eng.Registry, c.Query("filter"))
		if err != nil {
			return problem.Wrap(problem.FilterParse, err, "invalid filter").WriteTo(c)
		}
		effective, err := resolveEffective(c, d, "read", callerFilter)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}

		orderBy := parseOrderBy(c.QueryValues()["orderBy"])
		var cur *Cursor
		if raw := c.Query("cursor"); raw != "" {
			// A cursor's orderBy ends with the id tiebreak the driver appends.
			want := orderBy
			if d.IDField != "" && (len(want) == 0 || want[len(want)-1].Field != d.IDField) {
				want = append(append([]OrderKey{}, want...), OrderKey{Field: d.IDField})
			}
			decoded, err := DecodeCursor(raw, want)
			if err != nil {
				return problem.Wrap(problem.Validation, err, "invalid cursor").WriteTo(c)
			}
			cur = &decoded
		}

		q := ListQuery{
			Filter:     effective,
			OrderBy:    orderBy,
			Limit:      clampLimit(c.Query("limit"), d.defaultLimit(), d.maxLimit()),
			Cursor:     cur,
			Select:     parseSelect(c.Query("select"), d.Columns),
			TotalCount: c.Query("totalCount") == "true",
		}
		includes, err := relations.ParseIncludes(c.Query("include"))
		if err != nil {
			return problem.Wrap(problem.Validation, err, "invalid include").WriteTo(c)
		}
		q.Include = includes

		items, hasMore, nextCursor, totalCount, err := d.Driver.List(c.Context(), q)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}
		if d.Relations != nil && len(includes) > 0 {
			if err := relations.Load(c.Context(), d.Relations, items, includes); err != nil {
				return problem.As(err).WriteTo(c)
			}
		}

		resp := map[string]any{"items": items, "hasMore": hasMore}
		if nextCursor != nil {
			enc, err := EncodeCursor(*nextCursor)
			if err != nil {
				return problem.As(err).WriteTo(c)
			}
			resp["nextCursor"] = enc
		}
		if totalCount != nil {
			resp["totalCount"] = *totalCount
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func get(d *Descriptor, eng *Engine) concave.Handler {
	return func(c *concave.Ctx) error {
		effective, err := resolveEffective(c, d, "read", nil)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}
		id := c.Param("id")
		selectCols := parseSelect(c.Query("select"), d.Columns)

		record, found, err := d.Driver.Get(c.Context(), id, effective, selectCols)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}
		if !found {
			return problem.New(problem.NotFound, "record not found").WriteTo(c)
		}

		if includes, err := relations.ParseIncludes(c.Query("include")); err == nil && d.Relations != nil && len(includes) > 0 {
			_ = relations.Load(c.Context(), d.Relations, []Record{record}, includes)
		}

		etag := d.ResolveETag(record)
		if inm := c.Request().Header.Get("If-None-Match"); inm != "" && inm == etag {
			c.Header().Set("ETag", etag)
			return c.NoContent()
		}
		c.Header().Set("ETag", etag)
		return c.JSON(http.StatusOK, record)
	}
}

func count(d *Descriptor, eng *Engine) concave.Handler {
	return func(c *concave.Ctx) error {
		callerFilter, err := parseFilter(eng.Registry, c.Query("filter"))
		if err != nil {
			return problem.Wrap(problem.FilterParse, err, "invalid filter").WriteTo(c)
		}
		effective, err := resolveEffective(c, d, "read", callerFilter)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}
		n, err := d.Driver.Count(c.Context(), effective)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}
		return c.JSON(http.StatusOK, map[string]any{"count": n})
	}
}

func aggregate(d *Descriptor, eng *Engine) concave.Handler {
	return func(c *concave.Ctx) error {
		callerFilter, err := parseFilter(eng.Registry, c.Query("filter"))
		if err != nil {
			return problem.Wrap(problem.FilterParse, err, "invalid filter").WriteTo(c)
		}
		effective, err := resolveEffective(c, d, "read", callerFilter)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}
		qv := c.QueryValues()
		q := AggregateQuery{
			Filter:  effective,
			GroupBy: splitNonEmpty(c.Query("groupBy")),
			Count:   c.Query("count") == "true",
			Sum:     qv["sum"],
			Avg:     qv["avg"],
			Min:     qv["min"],
			Max:     qv["max"],
		}
		groups, err := d.Driver.Aggregate(c.Context(), effective, q)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}
		return c.JSON(http.StatusOK, map[string]any{"groups": groups})
	}
}

func splitNonEmpty(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func search(d *Descriptor, eng *Engine) concave.Handler {
	return func(c *concave.Ctx) error {
		if d.Search == nil {
			return problem.New(problem.NotFound, "search is not configured for this resource").WriteTo(c)
		}
		effective, err := resolveEffective(c, d, "read", nil)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}
		limit := clampLimit(c.Query("limit"), d.defaultLimit(), d.maxLimit())
		items, err := d.Search.Search(c.Context(), c.Query("q"), effective, limit)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}
		return c.JSON(http.StatusOK, map[string]any{"items": items})
	}
}

func subscribeHandler(d *Descriptor, eng *Engine) concave.Handler {
	return func(c *concave.Ctx) error {
		callerFilter, err := parseFilter(eng.Registry, c.Query("filter"))
		if err != nil {
			return problem.Wrap(problem.FilterParse, err, "invalid filter").WriteTo(c)
		}
		effective, err := resolveEffective(c, d, "subscribe", callerFilter)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}
		srv := &subscribe.Server{
			Log:         eng.Log,
			Broker:      eng.Broker,
			Snapshotter: driverSnapshotter{d.Driver},
			Scope:       d.Name,
		}
		return srv.Run(c, effective)
	}
}

// driverSnapshotter adapts a Driver's paginated List into the single
// "every matching row" sweep the subscription engine's snapshot phase
// needs (§4.3 step 4), paging through with the driver's own cursor so the
// snapshot never holds an unbounded result set in memory at once.
type driverSnapshotter struct{ driver Driver }

func (s driverSnapshotter) Snapshot(ctx context.Context, effective *filter.Expr, seq uint64) ([]Record, error) {
	const pageSize = 500
	var out []Record
	var cur *Cursor
	orderBy := []OrderKey{{Field: "id"}}
	for {
		items, hasMore, next, _, err := s.driver.List(ctx, ListQuery{
			Filter:  effective,
			OrderBy: orderBy,
			Limit:   pageSize,
			Cursor:  cur,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
		if !hasMore || next == nil {
			break
		}
		cur = next
	}
	return out, nil
}
