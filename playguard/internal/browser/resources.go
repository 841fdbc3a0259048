package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/samber/lo"
)

// resourceAliases maps config names to CDP resource types.
var resourceAliases = map[string]string{
	"images":      "image",
	"fonts":       "font",
	"stylesheets": "stylesheet",
	"scripts":     "script",
}

// blockedTypes normalises the configured names into CDP resource types.
// Media is never blocked: the governor needs the videos to load.
func blockedTypes(names []string) map[string]bool {
	types := lo.FilterMap(names, func(n string, _ int) (string, bool) {
		n = strings.ToLower(strings.TrimSpace(n))
		if alias, ok := resourceAliases[n]; ok {
			n = alias
		}
		return n, n != "" && n != "media"
	})
	return lo.SliceToMap(lo.Uniq(types), func(t string) (string, bool) { return t, true })
}

func blockResources(page *rod.Page, names []string) error {
	blocked := blockedTypes(names)
	if len(blocked) == 0 {
		return nil
	}

	router := page.HijackRequests()
	if err := router.Add("*", "", func(h *rod.Hijack) {
		if blocked[strings.ToLower(string(h.Request.Type()))] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	}); err != nil {
		return err
	}
	go router.Run()
	return nil
}
