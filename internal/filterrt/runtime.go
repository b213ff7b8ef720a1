package filterrt

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/skygent-io/skygent/internal/filter"
	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/skyerr"
)

// Runtime compiles filter.Expr values against a fixed set of effectful
// providers. limiter paces retries across every effectful predicate
// evaluated through this Runtime, so one filter hammering a slow provider
// cannot starve everything else sharing the same Runtime.
type Runtime struct {
	providers Providers
	limiter   *rate.Limiter
}

// New constructs a Runtime. ratePerSecond bounds the pacing of provider
// retries; pass 0 to fall back to an unlimited limiter (tests, or
// providers with their own internal pacing).
func New(providers Providers, ratePerSecond float64) *Runtime {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}

	return &Runtime{providers: providers, limiter: rate.NewLimiter(limit, 1)}
}

// Evaluate runs expr against p, a single-post predicate.
func (rt *Runtime) Evaluate(ctx context.Context, expr filter.Expr, p post.Post) (bool, error) {
	return rt.eval(ctx, expr, p)
}

// EvaluateBatch runs expr against every post in ps, aligned by index.
// Effectful expressions still evaluate one post at a time against the
// current Providers interface (which does not expose a batch-call shape),
// but sharing one Runtime (and its limiter) across the batch is what lets a
// slow provider's retries pace against the rest of the batch rather than
// each post paying its own independent backoff budget.
func (rt *Runtime) EvaluateBatch(ctx context.Context, expr filter.Expr, ps []post.Post) ([]bool, error) {
	out := make([]bool, len(ps))

	for i, p := range ps {
		ok, err := rt.eval(ctx, expr, p)
		if err != nil {
			return out, err
		}

		out[i] = ok
	}

	return out, nil
}

// Reason is one entry of an Explanation's reason trail.
type Reason struct {
	Tag    filter.Kind `json:"tag"`
	OK     bool        `json:"ok"`
	Detail string      `json:"detail,omitempty"`
}

// Explanation is the result of explaining expr against a post: the overall
// verdict plus the reason trail that produced it.
type Explanation struct {
	OK      bool     `json:"ok"`
	Reasons []Reason `json:"reasons"`
}

// Explain evaluates expr against p like Evaluate, but also returns the
// reason trail: one Reason per sub-expression visited, in evaluation
// order, honoring And/Or short-circuiting (a short-circuited branch is
// simply never visited, so it never appears in Reasons).
func (rt *Runtime) Explain(ctx context.Context, expr filter.Expr, p post.Post) (Explanation, error) {
	var reasons []Reason

	ok, err := rt.explain(ctx, expr, p, &reasons)

	return Explanation{OK: ok, Reasons: reasons}, err
}

func (rt *Runtime) explain(ctx context.Context, expr filter.Expr, p post.Post, reasons *[]Reason) (bool, error) {
	switch expr.Kind {
	case filter.KindAnd:
		left, err := rt.explain(ctx, *expr.Left, p, reasons)
		if err != nil {
			return false, err
		}

		if !left {
			return false, nil
		}

		return rt.explain(ctx, *expr.Right, p, reasons)

	case filter.KindOr:
		left, err := rt.explain(ctx, *expr.Left, p, reasons)
		if err != nil {
			return false, err
		}

		if left {
			return true, nil
		}

		return rt.explain(ctx, *expr.Right, p, reasons)

	case filter.KindNot:
		inner, err := rt.explain(ctx, *expr.Inner, p, reasons)
		return !inner, err

	default:
		ok, err := rt.eval(ctx, expr, p)

		detail := ""
		if err != nil {
			detail = err.Error()
		}

		*reasons = append(*reasons, Reason{Tag: expr.Kind, OK: ok, Detail: detail})

		return ok, err
	}
}

// eval is the leaf-and-combinator predicate evaluator shared by Evaluate
// and Explain's default case.
func (rt *Runtime) eval(ctx context.Context, expr filter.Expr, p post.Post) (bool, error) {
	switch expr.Kind {
	case filter.KindAll:
		return true, nil

	case filter.KindNone:
		return false, nil

	case filter.KindAnd:
		left, err := rt.eval(ctx, *expr.Left, p)
		if err != nil || !left {
			return false, err
		}

		return rt.eval(ctx, *expr.Right, p)

	case filter.KindOr:
		left, err := rt.eval(ctx, *expr.Left, p)
		if err != nil {
			return false, err
		}

		if left {
			return true, nil
		}

		return rt.eval(ctx, *expr.Right, p)

	case filter.KindNot:
		inner, err := rt.eval(ctx, *expr.Inner, p)
		return !inner, err

	case filter.KindAuthor:
		return p.Author == expr.Handle, nil

	case filter.KindAuthorIn:
		for _, h := range expr.Handles {
			if p.Author == h {
				return true, nil
			}
		}

		return false, nil

	case filter.KindHashtag:
		_, ok := p.HashtagSet()[expr.Tag]
		return ok, nil

	case filter.KindHashtagIn:
		set := p.HashtagSet()
		for _, tag := range expr.Tags {
			if _, ok := set[tag]; ok {
				return true, nil
			}
		}

		return false, nil

	case filter.KindContains:
		haystack, needle := p.Text, expr.Text
		if !expr.CaseSensitive {
			haystack, needle = strings.ToLower(haystack), strings.ToLower(needle)
		}

		return strings.Contains(haystack, needle), nil

	case filter.KindIsReply:
		return p.IsReply(), nil

	case filter.KindIsQuote:
		return p.IsQuote(), nil

	case filter.KindIsRepost:
		return p.IsRepost(), nil

	case filter.KindIsOriginal:
		return p.IsOriginal(), nil

	case filter.KindEngagement:
		return evalEngagement(expr.Engagement, p.Metrics), nil

	case filter.KindHasImages:
		return p.Embed.HasImages(), nil

	case filter.KindMinImages:
		if p.Embed == nil || p.Embed.Kind != post.EmbedKindImages {
			return false, nil
		}

		return len(p.Embed.Images) >= expr.Min, nil

	case filter.KindHasAltText:
		return anyAltText(p, func(alt string) bool { return alt != "" }), nil

	case filter.KindNoAltText:
		return !anyAltText(p, func(alt string) bool { return alt != "" }), nil

	case filter.KindAltText:
		needle := expr.Text

		return anyAltText(p, func(alt string) bool { return strings.Contains(strings.ToLower(alt), strings.ToLower(needle)) }), nil

	case filter.KindAltTextRegex:
		re, err := regexp.Compile(expr.Pattern)
		if err != nil {
			return false, skyerr.Wrap(skyerr.KindFilterEval, "compile alt text regex", err)
		}

		return anyAltText(p, re.MatchString), nil

	case filter.KindHasVideo:
		return p.Embed.HasVideo(), nil

	case filter.KindHasLinks:
		return len(p.Links) > 0, nil

	case filter.KindHasMedia:
		return p.Embed.HasImages() || p.Embed.HasVideo(), nil

	case filter.KindHasEmbed:
		return p.Embed != nil, nil

	case filter.KindLanguage:
		for _, want := range expr.Langs {
			for _, have := range p.Langs {
				if want == have {
					return true, nil
				}
			}
		}

		return false, nil

	case filter.KindRegex:
		for _, pattern := range expr.Patterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false, skyerr.Wrap(skyerr.KindFilterEval, "compile regex", err)
			}

			if re.MatchString(p.Text) {
				return true, nil
			}
		}

		return false, nil

	case filter.KindDateRange:
		created := p.CreatedAt
		return !created.Before(expr.Start) && created.Before(expr.End), nil

	case filter.KindHasValidLinks:
		return rt.evalEffectful(ctx, expr, func() (bool, error) {
			if rt.providers.Links == nil {
				return false, skyerr.New(skyerr.KindFilterEval, "no link validator configured")
			}

			for _, link := range p.Links {
				ok, err := rt.providers.Links.ValidateLink(ctx, link)
				if err != nil {
					return false, err
				}

				if !ok {
					return false, nil
				}
			}

			return true, nil
		})

	case filter.KindTrending:
		return rt.evalEffectful(ctx, expr, func() (bool, error) {
			if rt.providers.Trending == nil {
				return false, skyerr.New(skyerr.KindFilterEval, "no trending provider configured")
			}

			return rt.providers.Trending.IsTrending(ctx, string(expr.Tag))
		})

	case filter.KindLinkContains:
		for _, link := range p.Links {
			if strings.Contains(strings.ToLower(link), strings.ToLower(expr.LinkText)) {
				return true, nil
			}
		}

		return false, nil

	case filter.KindLinkRegex:
		re, err := regexp.Compile(expr.Pattern)
		if err != nil {
			return false, skyerr.Wrap(skyerr.KindFilterEval, "compile link regex", err)
		}

		for _, link := range p.Links {
			if re.MatchString(link) {
				return true, nil
			}
		}

		return false, nil

	case filter.KindLlm:
		return rt.evalEffectful(ctx, expr, func() (bool, error) {
			if rt.providers.Llm == nil {
				return false, skyerr.New(skyerr.KindFilterEval, "no llm provider configured")
			}

			confidence, err := rt.providers.Llm.Classify(ctx, p.Text, expr.Prompt)
			if err != nil {
				return false, err
			}

			return confidence >= expr.MinConfidence, nil
		})

	default:
		return false, skyerr.New(skyerr.KindFilterEval, fmt.Sprintf("evaluate: unknown expression kind %q", expr.Kind))
	}
}

func evalEngagement(want *filter.Engagement, have *post.Metrics) bool {
	var metrics post.Metrics
	if have != nil {
		metrics = *have
	}

	if want == nil {
		return true
	}

	if want.MinLikes != nil && metrics.Likes < *want.MinLikes {
		return false
	}

	if want.MinReposts != nil && metrics.Reposts < *want.MinReposts {
		return false
	}

	if want.MinReplies != nil && metrics.Replies < *want.MinReplies {
		return false
	}

	return true
}

func anyAltText(p post.Post, predicate func(string) bool) bool {
	if p.Embed == nil || p.Embed.Kind != post.EmbedKindImages {
		return false
	}

	for _, img := range p.Embed.Images {
		if predicate(img.Alt) {
			return true
		}
	}

	return false
}

// evalEffectful runs call under expr's ErrorPolicy: Include/Exclude swallow
// a provider failure into a fixed boolean, Retry paces attempts through the
// Runtime's shared limiter with exponential backoff and propagates a
// FilterEvalError only once maxRetries is exhausted.
func (rt *Runtime) evalEffectful(ctx context.Context, expr filter.Expr, call func() (bool, error)) (bool, error) {
	policy := expr.OnError
	if policy == nil {
		policy = &filter.ErrorPolicy{Kind: filter.ErrorPolicyExclude}
	}

	switch policy.Kind {
	case filter.ErrorPolicyInclude:
		ok, err := call()
		if err != nil {
			return true, nil
		}

		return ok, nil

	case filter.ErrorPolicyExclude:
		ok, err := call()
		if err != nil {
			return false, nil
		}

		return ok, nil

	case filter.ErrorPolicyRetry:
		var lastErr error

		delay := policy.BaseDelay

		for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
			if err := rt.limiter.Wait(ctx); err != nil {
				return false, fmt.Errorf("rate limiter wait: %w", err)
			}

			ok, err := call()
			if err == nil {
				return ok, nil
			}

			lastErr = err

			if attempt < policy.MaxRetries {
				select {
				case <-ctx.Done():
					return false, ctx.Err()
				case <-time.After(delay):
				}

				delay *= 2
			}
		}

		return false, skyerr.Wrap(skyerr.KindFilterEval, fmt.Sprintf("%s exhausted retries", expr.Kind), lastErr)

	default:
		return false, skyerr.New(skyerr.KindFilterEval, fmt.Sprintf("unknown error policy %q", policy.Kind))
	}
}
