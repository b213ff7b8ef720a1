package filter

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/skygent-io/skygent/internal/skyerr"
)

// Sentinel errors a failed Compile can be compared against with errors.Is.
var (
	ErrEmptyList              = errors.New("filter: list must have at least one element")
	ErrEmptyString            = errors.New("filter: string value must not be empty")
	ErrInvalidRegex           = errors.New("filter: invalid regular expression")
	ErrEngagementNoThresholds = errors.New("filter: engagement requires at least one threshold")
	ErrDateRangeOrder         = errors.New("filter: date range start must be before end")
	ErrConfidenceRange        = errors.New("filter: llm minConfidence must be in [0,1]")
	ErrInvalidRetry           = errors.New("filter: retry policy requires maxRetries >= 0")
	ErrUnknownKind            = errors.New("filter: unknown expression kind")
)

// Compile validates expr (recursively) and returns it unchanged on success,
// or a *skyerr.Error{Kind: KindFilterCompile} wrapping the first validation
// failure found.
func Compile(expr Expr) (Expr, error) {
	if err := validate(expr); err != nil {
		return Expr{}, skyerr.Wrap(skyerr.KindFilterCompile, "compile filter", err)
	}

	return expr, nil
}

func validate(e Expr) error {
	switch e.Kind {
	case KindAll, KindNone, KindIsReply, KindIsQuote, KindIsRepost, KindIsOriginal,
		KindHasImages, KindHasAltText, KindNoAltText, KindHasVideo, KindHasLinks,
		KindHasMedia, KindHasEmbed:
		return nil

	case KindAnd, KindOr:
		if e.Left == nil || e.Right == nil {
			return fmt.Errorf("%w: %s requires both left and right", ErrUnknownKind, e.Kind)
		}

		if err := validate(*e.Left); err != nil {
			return err
		}

		return validate(*e.Right)

	case KindNot:
		if e.Inner == nil {
			return fmt.Errorf("%w: not requires an inner expression", ErrUnknownKind)
		}

		return validate(*e.Inner)

	case KindAuthor:
		if e.Handle == "" {
			return fmt.Errorf("%w: author handle", ErrEmptyString)
		}

		return nil

	case KindAuthorIn:
		if len(e.Handles) == 0 {
			return fmt.Errorf("%w: authorIn handles", ErrEmptyList)
		}

		return nil

	case KindHashtag:
		if e.Tag == "" {
			return fmt.Errorf("%w: hashtag tag", ErrEmptyString)
		}

		return nil

	case KindHashtagIn:
		if len(e.Tags) == 0 {
			return fmt.Errorf("%w: hashtagIn tags", ErrEmptyList)
		}

		return nil

	case KindContains, KindAltText:
		if e.Text == "" {
			return fmt.Errorf("%w: %s text", ErrEmptyString, e.Kind)
		}

		return nil

	case KindLinkContains:
		if e.LinkText == "" {
			return fmt.Errorf("%w: %s linkText", ErrEmptyString, e.Kind)
		}

		return nil

	case KindEngagement:
		if e.Engagement == nil ||
			(e.Engagement.MinLikes == nil && e.Engagement.MinReposts == nil && e.Engagement.MinReplies == nil) {
			return ErrEngagementNoThresholds
		}

		return nil

	case KindMinImages:
		if e.Min < 1 {
			return fmt.Errorf("%w: minImages must be >= 1", ErrUnknownKind)
		}

		return nil

	case KindAltTextRegex, KindLinkRegex:
		return compileRegex(e.Pattern)

	case KindRegex:
		if len(e.Patterns) == 0 {
			return fmt.Errorf("%w: regex patterns", ErrEmptyList)
		}

		for _, p := range e.Patterns {
			if err := compileRegex(p); err != nil {
				return err
			}
		}

		return nil

	case KindLanguage:
		if len(e.Langs) == 0 {
			return fmt.Errorf("%w: language langs", ErrEmptyList)
		}

		return nil

	case KindDateRange:
		if !e.Start.Before(e.End) {
			return ErrDateRangeOrder
		}

		return nil

	case KindHasValidLinks, KindTrending:
		return validateErrorPolicy(e.OnError)

	case KindLlm:
		if e.MinConfidence < 0 || e.MinConfidence > 1 {
			return ErrConfidenceRange
		}

		return validateErrorPolicy(e.OnError)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
}

func compileRegex(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: regex pattern", ErrEmptyString)
	}

	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
	}

	return nil
}

func validateErrorPolicy(policy *ErrorPolicy) error {
	if policy == nil {
		return nil
	}

	if policy.Kind == ErrorPolicyRetry && policy.MaxRetries < 0 {
		return ErrInvalidRetry
	}

	return nil
}
