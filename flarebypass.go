// Package flarebypass drives a real browser through anti-bot interstitial
// pages and returns the cookies, final URL and user agent of the session.
//
// Basic usage:
//
//	solver := flarebypass.NewSolver(chromedriver.NewFactory())
//	resp, err := solver.Solve(ctx, &flarebypass.Request{
//	    URL:        "https://protected-site.com",
//	    Command:    "get_cookies",
//	    MaxTimeout: 60 * time.Second,
//	})
//
// With options:
//
//	controller := flarebypass.NewProxyController(
//	    flarebypass.WithPortRange(12000, 13000),
//	)
//	solver := flarebypass.NewSolver(factory,
//	    flarebypass.WithProxyController(controller),
//	    flarebypass.WithDebugDir("/tmp/flarebypass"),
//	)
package flarebypass

// Version is the current version of the module.
const Version = "0.3.0"
