package filter

// IsEffectful reports whether expr (or any sub-expression) requires
// network validation: HasValidLinks, Trending, Llm, LinkContains, or
// LinkRegex. Pure expressions are safe to run in EventTime derivation
// mode; effectful ones must run in DeriveTime mode, which can batch and
// retry against the provider.
func IsEffectful(expr Expr) bool {
	switch expr.Kind {
	case KindHasValidLinks, KindTrending, KindLlm, KindLinkContains, KindLinkRegex:
		return true

	case KindAnd, KindOr:
		return (expr.Left != nil && IsEffectful(*expr.Left)) ||
			(expr.Right != nil && IsEffectful(*expr.Right))

	case KindNot:
		return expr.Inner != nil && IsEffectful(*expr.Inner)

	default:
		return false
	}
}
