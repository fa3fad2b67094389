//go:build integration
package browser_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teamsawake/internal/auth"
	"teamsawake/internal/browser"
)

const tokenKey = "abc-login.windows.net-accesstoken-tid-teams.accessasuser.all teams.office.com/.default--"

func TestController_Lifecycle_Integration(t *testing.T) {
	// 1. Local page that plants an MSAL-shaped cache entry
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><body><button id="go">Go</button>
			<script>localStorage.setItem(%q, JSON.stringify({secret: "tok", credentialType: "AccessToken"}));</script>
			</body></html>`, tokenKey)
	}))
	defer ts.Close()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)

	// 2. Controller pointed at the local server
	c := browser.NewController(browser.Options{
		Headless:           true,
		TargetURL:          ts.URL,
		TargetDomain:       u.Hostname(),
		NavigationTimeout:  10 * time.Second,
		RetryDelay:         500 * time.Millisecond,
		InteractiveTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	h, err := c.Start(ctx, "", t.TempDir(), []string{"--no-sandbox"})
	require.NoError(t, err, "Failed to start browser")
	defer c.Stop(h)
	require.True(t, h.Running())

	page, err := c.OpenPage(ctx, h)
	require.NoError(t, err, "Failed to open page")
	require.NotEmpty(t, page.TargetID())
	c.WaitInteractive(ctx, page)

	// 3. Token probe reads the planted entry
	require.Eventually(t, func() bool {
		tok, ok := auth.CheckOnce(ctx, page)
		return ok && tok.Value() == "tok"
	}, 10*time.Second, 100*time.Millisecond)

	// 4. Synthetic activity lands without error
	require.NoError(t, page.DispatchActivity(ctx))

	// 5. Stop is idempotent
	c.Stop(h)
	c.Stop(h)
	require.False(t, h.Running())
}

func TestController_NavigationError_Integration(t *testing.T) {
	c := browser.NewController(browser.Options{
		Headless:          true,
		TargetURL:         "http://127.0.0.1:1/",
		TargetDomain:      "teams.microsoft.com",
		NavigationTimeout: 5 * time.Second,
		RetryDelay:        100 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	h, err := c.Start(ctx, "", t.TempDir(), []string{"--no-sandbox"})
	require.NoError(t, err)
	defer c.Stop(h)

	_, err = c.OpenPage(ctx, h)
	var navErr *browser.NavigationError
	require.ErrorAs(t, err, &navErr)
}
