// Package filter defines the closed FilterExpr grammar, its compiler, the
// canonical signature used for checkpoint/lineage comparison, and the
// isEffectfulFilter classification that governs which filters may run in
// EventTime derivation mode.
package filter

import (
	"time"

	"github.com/skygent-io/skygent/internal/post"
)

// Kind discriminates the closed set of FilterExpr variants. One struct with
// a kind tag, not an interface per variant — the same shape as
// event.Kind/post.EmbedKind, and as the teacher's ingestion.EventType.
type Kind string

const (
	KindAll          Kind = "all"
	KindNone         Kind = "none"
	KindAnd          Kind = "and"
	KindOr           Kind = "or"
	KindNot          Kind = "not"
	KindAuthor       Kind = "author"
	KindAuthorIn     Kind = "author_in"
	KindHashtag      Kind = "hashtag"
	KindHashtagIn    Kind = "hashtag_in"
	KindContains     Kind = "contains"
	KindIsReply      Kind = "is_reply"
	KindIsQuote      Kind = "is_quote"
	KindIsRepost     Kind = "is_repost"
	KindIsOriginal   Kind = "is_original"
	KindEngagement   Kind = "engagement"
	KindHasImages    Kind = "has_images"
	KindMinImages    Kind = "min_images"
	KindHasAltText   Kind = "has_alt_text"
	KindNoAltText    Kind = "no_alt_text"
	KindAltText      Kind = "alt_text"
	KindAltTextRegex Kind = "alt_text_regex"
	KindHasVideo     Kind = "has_video"
	KindHasLinks     Kind = "has_links"
	KindHasMedia     Kind = "has_media"
	KindHasEmbed     Kind = "has_embed"
	KindLanguage     Kind = "language"
	KindRegex        Kind = "regex"
	KindDateRange     Kind = "date_range"
	KindHasValidLinks Kind = "has_valid_links"
	KindTrending      Kind = "trending"
	KindLinkContains  Kind = "link_contains"
	KindLinkRegex     Kind = "link_regex"
	KindLlm           Kind = "llm"
)

// ErrorPolicyKind discriminates the three ways an effectful predicate can
// handle provider failure.
type ErrorPolicyKind string

const (
	ErrorPolicyInclude ErrorPolicyKind = "include"
	ErrorPolicyExclude ErrorPolicyKind = "exclude"
	ErrorPolicyRetry   ErrorPolicyKind = "retry"
)

// ErrorPolicy governs how an effectful predicate behaves when its provider
// fails.
type ErrorPolicy struct {
	Kind       ErrorPolicyKind `json:"kind"`
	MaxRetries int             `json:"maxRetries,omitempty"`
	BaseDelay  time.Duration   `json:"baseDelay,omitempty"`
}

// Engagement holds the engagement thresholds of a KindEngagement node. At
// least one field must be set (enforced by the compiler); unset fields
// default to 0 at evaluation time.
type Engagement struct {
	MinLikes   *int `json:"minLikes,omitempty"`
	MinReposts *int `json:"minReposts,omitempty"`
	MinReplies *int `json:"minReplies,omitempty"`
}

// Expr is the tagged union every filter node is represented as. Exactly
// the fields relevant to Kind are populated; the rest remain zero.
type Expr struct {
	Kind Kind `json:"kind"`

	Left  *Expr `json:"left,omitempty"`
	Right *Expr `json:"right,omitempty"`
	Inner *Expr `json:"inner,omitempty"` // Not's sub-expression

	Handle  post.Handle   `json:"handle,omitempty"`
	Handles []post.Handle `json:"handles,omitempty"`

	Tag  post.Hashtag   `json:"tag,omitempty"`
	Tags []post.Hashtag `json:"tags,omitempty"`

	Text          string `json:"text,omitempty"`
	CaseSensitive bool   `json:"caseSensitive,omitempty"`

	Engagement *Engagement `json:"engagement,omitempty"`

	Min int `json:"min,omitempty"` // MinImages

	Pattern  string   `json:"pattern,omitempty"`  // AltTextRegex, LinkRegex
	Patterns []string `json:"patterns,omitempty"` // Regex
	Flags    string   `json:"flags,omitempty"`

	Langs []string `json:"langs,omitempty"`

	Start post.Timestamp `json:"start,omitempty"`
	End   post.Timestamp `json:"end,omitempty"`

	OnError *ErrorPolicy `json:"onError,omitempty"` // HasValidLinks, Trending, Llm

	MinConfidence float64 `json:"minConfidence,omitempty"` // Llm
	Prompt        string  `json:"prompt,omitempty"`        // Llm

	LinkText string `json:"linkText,omitempty"` // LinkContains
}

// All matches every post.
func All() Expr { return Expr{Kind: KindAll} }

// None matches no post.
func None() Expr { return Expr{Kind: KindNone} }

// And matches iff both left and right match.
func And(left, right Expr) Expr { return Expr{Kind: KindAnd, Left: &left, Right: &right} }

// Or matches iff either left or right matches.
func Or(left, right Expr) Expr { return Expr{Kind: KindOr, Left: &left, Right: &right} }

// Not matches iff inner does not match.
func Not(inner Expr) Expr { return Expr{Kind: KindNot, Inner: &inner} }
