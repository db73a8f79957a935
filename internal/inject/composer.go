package inject

import (
	"context"
	"strings"

	"wabridge/internal/domain"
)

// placeholderAttrs are the attributes WhatsApp uses to label its inputs.
var placeholderAttrs = []string{"placeholder", "aria-placeholder", "data-placeholder", "aria-label", "title"}

// findComposer walks the composer selectors in order. The first editable,
// non-search element inside #main or a footer wins outright; otherwise the
// first editable, non-search element seen anywhere is used.
func (in *Injector) findComposer(ctx context.Context, doc domain.Document) (domain.Element, domain.ComposerMatch, error) {
	var fallback domain.Element

	for _, sel := range in.profile.Composer {
		els, err := doc.QueryAll(ctx, sel)
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			in.logger.Debug("composer selector failed", "selector", sel, "err", err)
			continue
		}
		for _, el := range els {
			info, err := el.Inspect(ctx)
			if err != nil {
				in.logger.Debug("inspect candidate failed", "selector", sel, "err", err)
				continue
			}
			if !info.Editable || in.isSearchBox(info) {
				continue
			}
			if info.InFooter || info.InMain {
				in.logger.Debug("composer found", "selector", sel)
				return el, domain.ComposerPreferred, nil
			}
			if fallback == nil {
				fallback = el
			}
		}
	}

	if fallback != nil {
		in.logger.Info("composer outside footer, using fallback candidate")
		return fallback, domain.ComposerFallback, nil
	}
	return nil, "", domain.ErrComposerNotFound
}

func (in *Injector) isSearchBox(info domain.ElementInfo) bool {
	for _, tab := range in.profile.SearchTabs {
		if tab != "" && info.Attr("data-tab") == tab {
			return true
		}
	}
	for _, attr := range placeholderAttrs {
		v := strings.ToLower(info.Attr(attr))
		if v == "" {
			continue
		}
		for _, hint := range in.profile.SearchHints {
			if strings.Contains(v, strings.ToLower(hint)) {
				return true
			}
		}
	}
	return false
}
