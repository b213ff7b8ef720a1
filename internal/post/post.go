package post

// StrongRef pins a referenced post to a specific revision, the way AT
// Protocol record references always carry both a URI and the CID of the
// exact version being referenced.
type StrongRef struct {
	URI PostURI `json:"uri"`
	CID PostCid `json:"cid"`
}

// Reply links a post to the thread it replies in.
type Reply struct {
	Root   StrongRef `json:"root"`
	Parent StrongRef `json:"parent"`
}

// EmbedKind discriminates the closed set of embed variants a post can
// carry. A closed enum with a kind field, not an interface per variant,
// matches the way the teacher's ingestion.EventType models its own closed
// state set.
type EmbedKind string

const (
	EmbedKindImages          EmbedKind = "images"
	EmbedKindExternal        EmbedKind = "external"
	EmbedKindVideo           EmbedKind = "video"
	EmbedKindRecord          EmbedKind = "record"
	EmbedKindRecordWithMedia EmbedKind = "record_with_media"
	EmbedKindUnknown         EmbedKind = "unknown"
)

// Image is one entry of an EmbedKindImages embed.
type Image struct {
	URL     string `json:"url"`
	Alt     string `json:"alt,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
}

// External is the link-card payload of an EmbedKindExternal embed.
type External struct {
	URI         string `json:"uri"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	ThumbURL    string `json:"thumbUrl,omitempty"`
}

// Video is the payload of an EmbedKindVideo embed.
type Video struct {
	URL    string `json:"url"`
	Alt    string `json:"alt,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Embed is the tagged-union embed attached to a post. Exactly one of the
// payload fields is populated, selected by Kind; the others remain zero.
type Embed struct {
	Kind EmbedKind `json:"kind"`

	Images   []Image    `json:"images,omitempty"`
	External *External  `json:"external,omitempty"`
	Video    *Video     `json:"video,omitempty"`
	Record   *StrongRef `json:"record,omitempty"` // quote post
	Media    *Embed     `json:"media,omitempty"`  // RecordWithMedia's media half
}

// HasImages reports whether this embed (or its RecordWithMedia media half)
// carries one or more images.
func (e *Embed) HasImages() bool {
	if e == nil {
		return false
	}

	if e.Kind == EmbedKindImages {
		return len(e.Images) > 0
	}

	if e.Kind == EmbedKindRecordWithMedia && e.Media != nil {
		return e.Media.HasImages()
	}

	return false
}

// HasVideo reports whether this embed (or its RecordWithMedia media half)
// carries a video.
func (e *Embed) HasVideo() bool {
	if e == nil {
		return false
	}

	if e.Kind == EmbedKindVideo {
		return e.Video != nil
	}

	if e.Kind == EmbedKindRecordWithMedia && e.Media != nil {
		return e.Media.HasVideo()
	}

	return false
}

// Metrics holds the non-negative engagement counts attached to a post
// snapshot at index time.
type Metrics struct {
	Likes    int `json:"likes"`
	Reposts  int `json:"reposts"`
	Replies  int `json:"replies"`
	Quotes   int `json:"quotes"`
	Bookmarks int `json:"bookmarks"`
}

// FeedReason discriminates why a post appears in a feed context: as an
// original post, a repost, or a pinned post.
type FeedReason string

const (
	FeedReasonNone   FeedReason = ""
	FeedReasonRepost FeedReason = "repost"
	FeedReasonPin    FeedReason = "pin"
)

// FeedContext carries the feed-relative metadata a post snapshot can be
// annotated with: why it surfaced (repost/pin) and, for replies, the
// root/parent refs duplicated here for feed-level rendering without a
// second lookup.
type FeedContext struct {
	Reason     FeedReason `json:"reason,omitempty"`
	ReasonBy   Handle     `json:"reasonBy,omitempty"`
	ReasonDid  Did        `json:"reasonDid,omitempty"`
	ReplyRoot  *StrongRef `json:"replyRoot,omitempty"`
	ReplyParent *StrongRef `json:"replyParent,omitempty"`
}

// Post is an immutable snapshot of a social-network post as ingested from a
// data source. Two Posts with the same URI are never mutated into one
// another; a changed post is a new snapshot carried by a new PostUpsert
// event.
type Post struct {
	URI       PostURI  `json:"uri"`
	CID       PostCid  `json:"cid,omitempty"`
	Author    Handle   `json:"author"`
	AuthorDid Did      `json:"authorDid,omitempty"`
	Text      string   `json:"text"`
	CreatedAt Timestamp `json:"createdAt"`

	Hashtags    []Hashtag `json:"hashtags,omitempty"`
	Mentions    []Handle  `json:"mentions,omitempty"`
	MentionDids []Did     `json:"mentionDids,omitempty"`
	Links       []string  `json:"links,omitempty"`

	Reply *Reply `json:"reply,omitempty"`
	Embed *Embed `json:"embed,omitempty"`

	Metrics *Metrics `json:"metrics,omitempty"`

	Facets     []string `json:"facets,omitempty"`
	Langs      []string `json:"langs,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	SelfLabels []string `json:"selfLabels,omitempty"`
	Labels     []string `json:"labels,omitempty"`

	IndexedAt Timestamp    `json:"indexedAt"`
	Feed      *FeedContext `json:"feed,omitempty"`
}

// IsReply reports whether the post is a reply to another post.
func (p *Post) IsReply() bool {
	return p.Reply != nil
}

// IsQuote reports whether the post embeds another post as a quote, either
// directly (EmbedKindRecord) or alongside media (EmbedKindRecordWithMedia).
func (p *Post) IsQuote() bool {
	if p.Embed == nil {
		return false
	}

	return p.Embed.Kind == EmbedKindRecord || p.Embed.Kind == EmbedKindRecordWithMedia
}

// IsRepost reports whether the post's feed context marks it as a repost.
func (p *Post) IsRepost() bool {
	return p.Feed != nil && p.Feed.Reason == FeedReasonRepost
}

// IsOriginal reports whether the post is neither a reply, a repost, nor a
// quote.
func (p *Post) IsOriginal() bool {
	return !p.IsReply() && !p.IsRepost() && !p.IsQuote()
}

// HashtagSet returns the post's hashtags as a deduplicated set, matching
// the spec's set<Hashtag> semantics for Hashtags even though the field is
// stored as an ordered slice on the wire.
func (p *Post) HashtagSet() map[Hashtag]struct{} {
	set := make(map[Hashtag]struct{}, len(p.Hashtags))
	for _, h := range p.Hashtags {
		set[h] = struct{}{}
	}

	return set
}
