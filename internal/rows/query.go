package rows

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	paramSelect = "select"
	paramOrder  = "order"
	paramLimit  = "limit"
	selectAll   = "*"
)

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdentifier reports whether value is a usable table or column name.
func ValidIdentifier(value string) bool {
	return identifierPattern.MatchString(value)
}

// String renders the filter in "column=op.value" form.
func (f Filter) String() string {
	return f.Column + "=" + f.expression()
}

func (f Filter) expression() string {
	if f.Operator == OperatorIn {
		quoted := make([]string, 0, len(f.Values))
		for _, value := range f.Values {
			quoted = append(quoted, quoteListValue(value))
		}
		return string(OperatorIn) + ".(" + strings.Join(quoted, ",") + ")"
	}
	return string(f.Operator) + "." + f.Value
}

// ParseFilter parses the "column=op.value" form produced by Filter.String.
func ParseFilter(raw string) (Filter, error) {
	column, expression, found := strings.Cut(raw, "=")
	if !found {
		return Filter{}, NewError(CodeInvalidQuery, "malformed filter %q", raw)
	}
	return parseFilterExpression(column, expression)
}

func parseFilterExpression(column, expression string) (Filter, error) {
	if !ValidIdentifier(column) {
		return Filter{}, NewError(CodeInvalidQuery, "invalid filter column %q", column)
	}
	operator, operand, found := strings.Cut(expression, ".")
	if !found {
		return Filter{}, NewError(CodeInvalidQuery, "malformed filter expression %q", expression)
	}
	switch Operator(operator) {
	case OperatorEq, OperatorNeq:
		return Filter{Column: column, Operator: Operator(operator), Value: operand}, nil
	case OperatorIn:
		values, err := parseList(operand)
		if err != nil {
			return Filter{}, err
		}
		return Filter{Column: column, Operator: OperatorIn, Values: values}, nil
	default:
		return Filter{}, NewError(CodeInvalidQuery, "unsupported filter operator %q", operator)
	}
}

func quoteListValue(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

func parseList(operand string) ([]string, error) {
	if !strings.HasPrefix(operand, "(") || !strings.HasSuffix(operand, ")") {
		return nil, NewError(CodeInvalidQuery, "malformed list %q", operand)
	}
	body := operand[1 : len(operand)-1]
	if body == "" {
		return []string{}, nil
	}

	values := make([]string, 0, 4)
	var current strings.Builder
	inQuotes := false
	quoted := false
	for index := 0; index < len(body); index++ {
		char := body[index]
		switch {
		case inQuotes && char == '\\':
			if index+1 >= len(body) {
				return nil, NewError(CodeInvalidQuery, "dangling escape in list %q", operand)
			}
			index++
			current.WriteByte(body[index])
		case inQuotes && char == '"':
			inQuotes = false
		case !inQuotes && char == '"':
			if current.Len() > 0 || quoted {
				return nil, NewError(CodeInvalidQuery, "unexpected quote in list %q", operand)
			}
			inQuotes = true
			quoted = true
		case !inQuotes && char == ',':
			values = append(values, current.String())
			current.Reset()
			quoted = false
		default:
			if quoted && !inQuotes {
				return nil, NewError(CodeInvalidQuery, "unexpected text after quoted value in list %q", operand)
			}
			current.WriteByte(char)
		}
	}
	if inQuotes {
		return nil, NewError(CodeInvalidQuery, "unterminated quote in list %q", operand)
	}
	values = append(values, current.String())
	return values, nil
}

// SelectClause renders the columns and embeds of q in PostgREST select syntax.
func (q Query) SelectClause() string {
	parts := make([]string, 0, len(q.Columns)+len(q.Embeds)+1)
	if len(q.Columns) == 0 {
		parts = append(parts, selectAll)
	} else {
		parts = append(parts, q.Columns...)
	}
	for _, embed := range q.Embeds {
		columns := selectAll
		if len(embed.Columns) > 0 {
			columns = strings.Join(embed.Columns, ",")
		}
		parts = append(parts, embed.Name+"("+columns+")")
	}
	return strings.Join(parts, ",")
}

// Values encodes q as URL query parameters. Single travels out of band.
func (q Query) Values() url.Values {
	values := url.Values{}
	if len(q.Columns) > 0 || len(q.Embeds) > 0 {
		values.Set(paramSelect, q.SelectClause())
	}
	for _, filter := range q.Filters {
		values.Add(filter.Column, filter.expression())
	}
	if len(q.Order) > 0 {
		orders := make([]string, 0, len(q.Order))
		for _, order := range q.Order {
			direction := "asc"
			if order.Descending {
				direction = "desc"
			}
			orders = append(orders, order.Column+"."+direction)
		}
		values.Set(paramOrder, strings.Join(orders, ","))
	}
	if q.Limit > 0 {
		values.Set(paramLimit, strconv.Itoa(q.Limit))
	}
	return values
}

// FilterValues encodes only filters, as used by update and delete requests.
func FilterValues(filters []Filter) url.Values {
	return Query{Filters: filters}.Values()
}

// ParseQuery decodes URL query parameters produced by Query.Values.
func ParseQuery(values url.Values) (Query, error) {
	var query Query

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entries := values[key]
		switch key {
		case paramSelect:
			columns, embeds, err := ParseSelect(entries[len(entries)-1])
			if err != nil {
				return Query{}, err
			}
			query.Columns = columns
			query.Embeds = embeds
		case paramOrder:
			orders, err := parseOrder(entries[len(entries)-1])
			if err != nil {
				return Query{}, err
			}
			query.Order = orders
		case paramLimit:
			limit, err := strconv.Atoi(entries[len(entries)-1])
			if err != nil || limit < 0 {
				return Query{}, NewError(CodeInvalidQuery, "invalid limit %q", entries[len(entries)-1])
			}
			query.Limit = limit
		default:
			for _, entry := range entries {
				filter, err := parseFilterExpression(key, entry)
				if err != nil {
					return Query{}, err
				}
				query.Filters = append(query.Filters, filter)
			}
		}
	}
	return query, nil
}

// ParseFilters decodes filter-only query parameters.
func ParseFilters(values url.Values) ([]Filter, error) {
	query, err := ParseQuery(values)
	if err != nil {
		return nil, err
	}
	if len(query.Columns) > 0 || len(query.Embeds) > 0 || len(query.Order) > 0 || query.Limit > 0 {
		return nil, NewError(CodeInvalidQuery, "only filters are allowed on this request")
	}
	return query.Filters, nil
}

// ParseSelect decodes "col,col,embed(col,col)" into columns and embeds.
// A bare "*" selects every column and yields nil columns.
func ParseSelect(raw string) ([]string, []Embed, error) {
	items, err := splitTopLevel(raw)
	if err != nil {
		return nil, nil, err
	}
	var columns []string
	var embeds []Embed
	all := false
	for _, item := range items {
		item = strings.TrimSpace(item)
		switch {
		case item == selectAll:
			all = true
		case strings.Contains(item, "("):
			embed, err := parseEmbed(item)
			if err != nil {
				return nil, nil, err
			}
			embeds = append(embeds, embed)
		case ValidIdentifier(item):
			columns = append(columns, item)
		default:
			return nil, nil, NewError(CodeInvalidQuery, "invalid select item %q", item)
		}
	}
	if all {
		columns = nil
	}
	return columns, embeds, nil
}

func parseEmbed(item string) (Embed, error) {
	open := strings.Index(item, "(")
	if !strings.HasSuffix(item, ")") {
		return Embed{}, NewError(CodeInvalidQuery, "malformed embed %q", item)
	}
	name := item[:open]
	if !ValidIdentifier(name) {
		return Embed{}, NewError(CodeInvalidQuery, "invalid embed name %q", name)
	}
	columns, nested, err := ParseSelect(item[open+1 : len(item)-1])
	if err != nil {
		return Embed{}, err
	}
	if len(nested) > 0 {
		return Embed{}, NewError(CodeInvalidQuery, "nested embeds are not supported in %q", item)
	}
	return Embed{Name: name, Columns: columns}, nil
}

func splitTopLevel(raw string) ([]string, error) {
	var items []string
	depth := 0
	start := 0
	for index, char := range raw {
		switch char {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, NewError(CodeInvalidQuery, "unbalanced parentheses in %q", raw)
			}
		case ',':
			if depth == 0 {
				items = append(items, raw[start:index])
				start = index + 1
			}
		}
	}
	if depth != 0 {
		return nil, NewError(CodeInvalidQuery, "unbalanced parentheses in %q", raw)
	}
	items = append(items, raw[start:])
	return items, nil
}

func parseOrder(raw string) ([]Order, error) {
	parts := strings.Split(raw, ",")
	orders := make([]Order, 0, len(parts))
	for _, part := range parts {
		column, direction, _ := strings.Cut(strings.TrimSpace(part), ".")
		if !ValidIdentifier(column) {
			return nil, NewError(CodeInvalidQuery, "invalid order column %q", column)
		}
		switch direction {
		case "", "asc":
			orders = append(orders, Order{Column: column})
		case "desc":
			orders = append(orders, Order{Column: column, Descending: true})
		default:
			return nil, NewError(CodeInvalidQuery, "invalid order direction %q", direction)
		}
	}
	return orders, nil
}

// ParseTopic decodes the subscription parameters of a realtime request.
func ParseTopic(table, event, filter string) (Topic, error) {
	if !ValidIdentifier(table) {
		return Topic{}, NewError(CodeInvalidQuery, "invalid table %q", table)
	}
	topic := Topic{Table: table, Event: EventAll}
	if event != "" {
		switch EventType(strings.ToUpper(event)) {
		case EventInsert, EventUpdate, EventDelete, EventAll:
			topic.Event = EventType(strings.ToUpper(event))
		default:
			return Topic{}, NewError(CodeInvalidQuery, "invalid event %q", event)
		}
	}
	if filter != "" {
		parsed, err := ParseFilter(filter)
		if err != nil {
			return Topic{}, err
		}
		topic.Filter = &parsed
	}
	return topic, nil
}

// String renders the topic for logs.
func (t Topic) String() string {
	if t.Filter == nil {
		return fmt.Sprintf("%s:%s", t.Table, t.Event)
	}
	return fmt.Sprintf("%s:%s:%s", t.Table, t.Event, t.Filter.String())
}
