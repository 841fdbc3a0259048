package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// NavigateTimeout bounds the initial navigation of a governed tab.
const NavigateTimeout = 30 * time.Second

// Tab is one governed page in the managed browser.
type Tab struct {
	Page   *rod.Page
	URL    string
	PageID string
}

// OpenTab creates a tab bound to ctx and applies stealth and resource
// blocking. The caller navigates it, then installs the governor bridge: the
// bridge is registered for new documents so later navigations keep it.
func OpenTab(ctx context.Context, mgr *Manager, pageURL, pageID string, useStealth bool) (*Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}
	b = b.Context(ctx)

	var (
		page *rod.Page
		err  error
	)
	if useStealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	if len(mgr.cfg.ResourceBlocking) > 0 {
		if err := blockResources(page, mgr.cfg.ResourceBlocking); err != nil {
			mgr.cfg.Logger.Warn("browser: resource blocking failed", "page", pageID, "error", err)
		}
	}

	return &Tab{Page: page, URL: pageURL, PageID: pageID}, nil
}

// Navigate loads the tab's URL and waits for the load event. A load
// timeout is logged, not returned: governed pages often never settle.
func (t *Tab) Navigate(ctx context.Context, mgr *Manager) error {
	navCtx, cancel := context.WithTimeout(ctx, NavigateTimeout)
	defer cancel()

	if err := t.Page.Context(navCtx).Navigate(t.URL); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", t.URL, err)
	}
	if err := t.Page.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("browser: wait load", "url", t.URL, "error", err)
	}
	return nil
}

// Close closes the tab.
func (t *Tab) Close() error {
	if t.Page == nil {
		return nil
	}
	return t.Page.Close()
}
