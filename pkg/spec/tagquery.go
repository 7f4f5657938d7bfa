package spec

// TagQuery is a boolean tree over tag names (§4.5): {tag}, {$and}, {$or}, {$not}.
// Exactly one of its fields is set per node.
type TagQuery struct {
	Tag string      `json:"tag,omitempty"`
	And []*TagQuery `json:"$and,omitempty"`
	Or  []*TagQuery `json:"$or,omitempty"`
	Not *TagQuery   `json:"$not,omitempty"`
}

// Eval reports whether the query tree evaluates true over the given tag set.
func (q *TagQuery) Eval(tags map[string]struct{}) bool {
	if q == nil {
		return true
	}
	switch {
	case q.Tag != "":
		_, ok := tags[q.Tag]
		return ok
	case len(q.And) > 0:
		for _, sub := range q.And {
			if !sub.Eval(tags) {
				return false
			}
		}
		return true
	case len(q.Or) > 0:
		for _, sub := range q.Or {
			if sub.Eval(tags) {
				return true
			}
		}
		return false
	case q.Not != nil:
		return !q.Not.Eval(tags)
	default:
		// An empty node matches everything, consistent with "no filter".
		return true
	}
}

// SimpleOr builds the {$or:[{tag},...]} query synthesized from a session's
// plain `tags` list (§4.5 rule 3).
func SimpleOr(tags []string) *TagQuery {
	if len(tags) == 0 {
		return nil
	}
	leaves := make([]*TagQuery, 0, len(tags))
	for _, t := range tags {
		leaves = append(leaves, &TagQuery{Tag: t})
	}
	return &TagQuery{Or: leaves}
}
