// Package query compiles a REST-format find into native storage
// operations: ACL group expansion, subquery rewriting, relation
// resolution, and response post-processing (projection, file URLs,
// pointer inclusion).
package query

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/objstack/objstack/pkg/auth"
	"github.com/objstack/objstack/pkg/config"
	"github.com/objstack/objstack/pkg/database"
	"github.com/objstack/objstack/pkg/errors"
	"github.com/objstack/objstack/pkg/format"
	"github.com/objstack/objstack/pkg/storage"
)

var tracer = otel.Tracer("objstack/pkg/query")

// Subquery clauses may nest; past this depth the query is rejected
// instead of exhausting the stack.
const maxSubqueryDepth = 16

// Response is a query result: a result list, plus a count when the
// count option was set.
type Response struct {
	Results []map[string]any `json:"results"`
	Count   *int64           `json:"count,omitempty"`
}

// Query encapsulates everything needed to run one find operation in
// REST format.
type Query struct {
	cfg       *config.Config
	auth      *auth.Auth
	className string
	where     map[string]any

	skip    int
	limit   int
	sortKey []storage.SortKey
	doCount bool

	// keys is the projection allow-list; nil means every key.
	keys map[string]struct{}

	// include holds the paths to inflate, in order, stored as arrays,
	// deduped, and with every prefix present so foo comes before
	// foo.bar.
	include [][]string

	redirectKey       string
	redirectClassName string

	depth int
}

// Options the REST layer may pass: skip, limit, order, include, keys,
// count, redirectClassNameForKey. Anything else is rejected.
func New(cfg *config.Config, a *auth.Auth, className string, where, options map[string]any) (*Query, error) {
	return newQuery(cfg, a, className, where, options, 0)
}

func newQuery(cfg *config.Config, a *auth.Auth, className string, where, options map[string]any, depth int) (*Query, error) {
	q := &Query{
		cfg:       cfg,
		auth:      a,
		className: className,
		where:     where,
		depth:     depth,
	}
	if q.where == nil {
		q.where = map[string]any{}
	}

	if !a.IsMaster && className == "_Session" {
		// Sessions are only visible to their own user.
		if a.User == nil {
			return nil, errors.New(errors.InvalidSessionToken, "This session token is invalid.")
		}
		q.where = map[string]any{
			"$and": []any{q.where, map[string]any{
				"user": format.Pointer("_User", a.UserID()),
			}},
		}
	}

	for option, value := range options {
		switch option {
		case "keys":
			raw, ok := value.(string)
			if !ok {
				return nil, errors.New(errors.InvalidJSON, "bad option: keys")
			}
			q.keys = map[string]struct{}{
				"objectId": {}, "createdAt": {}, "updatedAt": {},
			}
			for _, key := range strings.Split(raw, ",") {
				q.keys[key] = struct{}{}
			}
		case "count":
			q.doCount = asBool(value)
		case "skip":
			n, ok := asInt(value)
			if !ok {
				return nil, errors.New(errors.InvalidJSON, "bad option: skip")
			}
			q.skip = n
		case "limit":
			n, ok := asInt(value)
			if !ok {
				return nil, errors.New(errors.InvalidJSON, "bad option: limit")
			}
			q.limit = n
		case "order":
			raw, ok := value.(string)
			if !ok {
				return nil, errors.New(errors.InvalidJSON, "bad option: order")
			}
			for _, field := range strings.Split(raw, ",") {
				if strings.HasPrefix(field, "-") {
					q.sortKey = append(q.sortKey, storage.SortKey{Field: field[1:], Descending: true})
				} else {
					q.sortKey = append(q.sortKey, storage.SortKey{Field: field})
				}
			}
		case "include":
			raw, ok := value.(string)
			if !ok {
				return nil, errors.New(errors.InvalidJSON, "bad option: include")
			}
			q.include = parseIncludePaths(raw)
		case "redirectClassNameForKey":
			raw, ok := value.(string)
			if !ok {
				return nil, errors.New(errors.InvalidJSON, "bad option: redirectClassNameForKey")
			}
			q.redirectKey = raw
		default:
			return nil, errors.Newf(errors.InvalidJSON, "bad option: %s", option)
		}
	}
	return q, nil
}

// parseIncludePaths expands a comma list of dot-paths so every prefix
// is included, dedupes, and orders parents before children.
func parseIncludePaths(raw string) [][]string {
	pathSet := map[string]struct{}{}
	for _, path := range strings.Split(raw, ",") {
		parts := strings.Split(path, ".")
		for length := 1; length <= len(parts); length++ {
			pathSet[strings.Join(parts[:length], ".")] = struct{}{}
		}
	}

	joined := make([]string, 0, len(pathSet))
	for path := range pathSet {
		joined = append(joined, path)
	}
	sort.Slice(joined, func(i, j int) bool {
		if len(joined[i]) != len(joined[j]) {
			return len(joined[i]) < len(joined[j])
		}
		return joined[i] < joined[j]
	})

	include := make([][]string, len(joined))
	for i, path := range joined {
		include[i] = strings.Split(path, ".")
	}
	return include
}

// Execute performs all the steps of processing a query in order.
func (q *Query) Execute(ctx context.Context) (*Response, error) {
	ctx, span := tracer.Start(ctx, "query.Execute")
	defer span.End()

	opts, err := q.findOptions(ctx)
	if err != nil {
		return nil, err
	}
	if err := q.redirectForKey(ctx); err != nil {
		return nil, err
	}
	if err := q.replaceSubqueries(ctx); err != nil {
		return nil, err
	}
	response, err := q.runFind(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := q.runCount(ctx, opts, response); err != nil {
		return nil, err
	}
	if err := q.handleInclude(ctx, response); err != nil {
		return nil, err
	}
	return response, nil
}

// findOptions expands the caller's ACL group: their roles plus their
// own id.
func (q *Query) findOptions(ctx context.Context) (database.Options, error) {
	opts := database.Options{
		Sort:   q.sortKey,
		Skip:   q.skip,
		Limit:  q.limit,
		Master: q.auth.IsMaster,
	}
	if !q.auth.IsMaster {
		group, err := q.auth.ACLGroup(ctx)
		if err != nil {
			return opts, err
		}
		opts.ACLGroup = group
	}
	return opts, nil
}

func (q *Query) redirectForKey(ctx context.Context) error {
	if q.redirectKey == "" {
		return nil
	}
	newClassName, err := q.cfg.Database.RedirectClassNameForKey(ctx, q.className, q.redirectKey)
	if err != nil {
		return err
	}
	q.className = newClassName
	q.redirectClassName = newClassName
	return nil
}

// replaceSubqueries rewrites $select, $dontSelect, $inQuery and
// $notInQuery clauses into materialized $in/$nin lists, repeating until
// none are left.
func (q *Query) replaceSubqueries(ctx context.Context) error {
	if err := q.replaceSelectClauses(ctx, "$select", "$in"); err != nil {
		return err
	}
	if err := q.replaceSelectClauses(ctx, "$dontSelect", "$nin"); err != nil {
		return err
	}
	if err := q.replaceQueryClauses(ctx, "$inQuery", "$in"); err != nil {
		return err
	}
	return q.replaceQueryClauses(ctx, "$notInQuery", "$nin")
}

// replaceSelectClauses handles $select/$dontSelect: run the named
// subquery and substitute the projection of one key from its results.
func (q *Query) replaceSelectClauses(ctx context.Context, clause, operator string) error {
	for {
		holder := findObjectWithKey(q.where, clause)
		if holder == nil {
			return nil
		}

		value, _ := holder[clause].(map[string]any)
		subQuery, _ := value["query"].(map[string]any)
		key, _ := value["key"].(string)
		subClassName, _ := subQuery["className"].(string)
		subWhere, hasWhere := subQuery["where"].(map[string]any)
		if key == "" || subClassName == "" || !hasWhere || len(value) != 2 {
			return errors.Newf(errors.InvalidQuery, "improper usage of %s", clause)
		}

		response, err := q.runSubquery(ctx, subClassName, subWhere)
		if err != nil {
			return err
		}
		values := make([]any, 0, len(response.Results))
		for _, result := range response.Results {
			values = append(values, result[key])
		}
		delete(holder, clause)
		holder[operator] = values
	}
}

// replaceQueryClauses handles $inQuery/$notInQuery: the substituted
// values are pointers to the subquery's results.
func (q *Query) replaceQueryClauses(ctx context.Context, clause, operator string) error {
	for {
		holder := findObjectWithKey(q.where, clause)
		if holder == nil {
			return nil
		}

		value, _ := holder[clause].(map[string]any)
		subClassName, _ := value["className"].(string)
		subWhere, hasWhere := value["where"].(map[string]any)
		if subClassName == "" || !hasWhere {
			return errors.Newf(errors.InvalidQuery, "improper usage of %s", clause)
		}

		response, err := q.runSubquery(ctx, subClassName, subWhere)
		if err != nil {
			return err
		}
		values := make([]any, 0, len(response.Results))
		for _, result := range response.Results {
			objectID, _ := result["objectId"].(string)
			values = append(values, format.Pointer(subClassName, objectID))
		}
		delete(holder, clause)
		holder[operator] = values
	}
}

func (q *Query) runSubquery(ctx context.Context, className string, where map[string]any) (*Response, error) {
	if q.depth >= maxSubqueryDepth {
		return nil, errors.New(errors.InvalidQuery, "subquery nesting is too deep")
	}
	sub, err := newQuery(q.cfg, q.auth, className, where, nil, q.depth+1)
	if err != nil {
		return nil, err
	}
	return sub.Execute(ctx)
}

func (q *Query) runFind(ctx context.Context, opts database.Options) (*Response, error) {
	results, err := q.cfg.Database.Find(ctx, q.className, q.where, opts)
	if err != nil {
		return nil, err
	}

	if q.className == "_User" {
		for _, result := range results {
			delete(result, "password")
		}
	}

	for _, result := range results {
		q.attachFileURLs(result)
	}

	if q.keys != nil {
		projected := make([]map[string]any, len(results))
		for i, result := range results {
			object := make(map[string]any, len(q.keys))
			for key, value := range result {
				if _, keep := q.keys[key]; keep {
					object[key] = value
				}
			}
			projected[i] = object
		}
		results = projected
	}

	if q.redirectClassName != "" {
		for _, result := range results {
			result["className"] = q.redirectClassName
		}
	}
	return &Response{Results: results}, nil
}

func (q *Query) runCount(ctx context.Context, opts database.Options, response *Response) error {
	if !q.doCount {
		return nil
	}
	// Count ignores skip.
	opts.Skip = 0
	count, err := q.cfg.Database.Count(ctx, q.className, q.where, opts)
	if err != nil {
		return err
	}
	response.Count = &count
	return nil
}

// attachFileURLs rewrites file values with the URL they are served
// from. Legacy "tfss-" names route to the hosted files domain keyed by
// the file key.
func (q *Query) attachFileURLs(object map[string]any) {
	for _, value := range object {
		file, ok := value.(map[string]any)
		if !ok || file["__type"] != format.TypeFile {
			continue
		}
		name, _ := file["name"].(string)
		if name == "" {
			continue
		}
		encoded := strings.ReplaceAll(url.PathEscape(name), "%40", "@")
		if strings.HasPrefix(name, "tfss-") {
			file["url"] = "http://files.parsetfss.com/" + q.cfg.FileKey + "/" + encoded
		} else {
			file["url"] = q.cfg.Mount + "/files/" + q.cfg.AppID + "/" + encoded
		}
	}
}

// handleInclude inflates each include path in order.
func (q *Query) handleInclude(ctx context.Context, response *Response) error {
	for _, path := range q.include {
		if err := q.includePath(ctx, response, path); err != nil {
			return err
		}
	}
	return nil
}

// includePath collects the pointers reachable at path, batch-fetches
// their targets, and splices the fetched objects in place.
func (q *Query) includePath(ctx context.Context, response *Response, path []string) error {
	pointers, err := findPointers(response.Results, path)
	if err != nil {
		return err
	}
	if len(pointers) == 0 {
		return nil
	}

	className := ""
	idSet := map[string]struct{}{}
	for _, pointer := range pointers {
		pointerClass, objectID, _ := format.AsPointer(pointer)
		if className == "" {
			className = pointerClass
		} else if className != pointerClass {
			return errors.New(errors.InvalidJSON, "inconsistent type data for include")
		}
		idSet[objectID] = struct{}{}
	}
	if className == "" {
		return errors.New(errors.InvalidJSON, "bad pointers")
	}

	ids := make([]any, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	includeResponse, err := q.runSubquery(ctx, className, map[string]any{
		"objectId": map[string]any{"$in": ids},
	})
	if err != nil {
		return err
	}

	replace := make(map[string]map[string]any, len(includeResponse.Results))
	for _, object := range includeResponse.Results {
		object["__type"] = format.TypeObject
		object["className"] = className
		if objectID, ok := object["objectId"].(string); ok {
			replace[objectID] = object
		}
	}

	replaced := replacePointers(response.Results, path, replace).([]map[string]any)
	response.Results = replaced
	return nil
}

// findPointers walks each result down path and collects the pointers
// found there. Anything that is not a pointer at the end of the path is
// an error.
func findPointers(object any, path []string) ([]map[string]any, error) {
	if list, ok := object.([]map[string]any); ok {
		var answer []map[string]any
		for _, item := range list {
			found, err := findPointers(item, path)
			if err != nil {
				return nil, err
			}
			answer = append(answer, found...)
		}
		return answer, nil
	}
	if list, ok := object.([]any); ok {
		var answer []map[string]any
		for _, item := range list {
			found, err := findPointers(item, path)
			if err != nil {
				return nil, err
			}
			answer = append(answer, found...)
		}
		return answer, nil
	}

	m, ok := object.(map[string]any)
	if !ok {
		return nil, errors.New(errors.InvalidQuery, "can only include pointer fields")
	}

	if len(path) == 0 {
		if m["__type"] == format.TypePointer {
			return []map[string]any{m}, nil
		}
		return nil, errors.New(errors.InvalidQuery, "can only include pointer fields")
	}

	sub, present := m[path[0]]
	if !present || sub == nil {
		return nil, nil
	}
	return findPointers(sub, path[1:])
}

// replacePointers rebuilds object with the pointers at path swapped for
// their fetched targets. The original structures are not mutated.
func replacePointers(object any, path []string, replace map[string]map[string]any) any {
	if list, ok := object.([]map[string]any); ok {
		out := make([]map[string]any, len(list))
		for i, item := range list {
			out[i] = replacePointers(item, path, replace).(map[string]any)
		}
		return out
	}
	if list, ok := object.([]any); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = replacePointers(item, path, replace)
		}
		return out
	}

	m, ok := object.(map[string]any)
	if !ok {
		return object
	}

	if len(path) == 0 {
		if m["__type"] == format.TypePointer {
			if objectID, ok := m["objectId"].(string); ok {
				if target, found := replace[objectID]; found {
					return target
				}
			}
		}
		return m
	}

	sub, present := m[path[0]]
	if !present || sub == nil {
		return m
	}
	newSub := replacePointers(sub, path[1:], replace)
	answer := make(map[string]any, len(m))
	for key, value := range m {
		if key == path[0] {
			answer[key] = newSub
		} else {
			answer[key] = value
		}
	}
	return answer
}

// findObjectWithKey searches the filter tree for a subobject holding
// the given key.
func findObjectWithKey(root any, key string) map[string]any {
	switch t := root.(type) {
	case []any:
		for _, item := range t {
			if answer := findObjectWithKey(item, key); answer != nil {
				return answer
			}
		}
	case map[string]any:
		if _, ok := t[key]; ok {
			return t
		}
		for _, sub := range t {
			if answer := findObjectWithKey(sub, key); answer != nil {
				return answer
			}
		}
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case float64:
		return int(t), true
	}
	return 0, false
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return false
}
