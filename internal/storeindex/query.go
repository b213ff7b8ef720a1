package storeindex

import "github.com/skygent-io/skygent/internal/post"

// SortOrder selects ascending or descending order by created_at.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// IndexFilter is the narrow subset of predicates the index can answer from
// its own columns without decoding the stored post JSON. Anything broader
// (regex, engagement thresholds, link validation) is applied by the filter
// runtime layer above a Query stream.
type IndexFilter struct {
	HasImages bool
	HasVideo  bool
	HasLinks  bool
	Author    post.Handle
	Hashtag   post.Hashtag
	DateRange *DateRange
}

// DateRange bounds created_at, inclusive of Start and exclusive of End.
type DateRange struct {
	Start post.Timestamp
	End   post.Timestamp
}

// StoreQuery describes an index scan.
type StoreQuery struct {
	Filter    *IndexFilter
	Order     SortOrder
	ScanLimit int
	Cursor    post.PostURI
	DateRange *DateRange
	Author    post.Handle
	Hashtag   post.Hashtag
}

// SearchQuery describes a LIKE-based substring search.
type SearchQuery struct {
	Query  string
	Sort   SortOrder
	Limit  int
	Cursor int
}
