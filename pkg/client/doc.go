/*
Package client provides the Go client for the Skyfill API.

The client wraps the HTTP JSON surface with typed methods and typed errors.
API error bodies decode into APIError, and helpers classify the stable error
codes so callers (the CLI in particular) can map failures to exit codes
without string matching.

# Usage

	c := client.New("127.0.0.1:7733")

	job, err := c.Submit(ctx, spec, "cli")
	switch {
	case client.IsInvalidSpec(err):
	    // reject locally
	case client.IsUnknownHandler(err):
	    // server binary lacks the handler
	case err != nil:
	    // transport or server failure
	}

The underlying transport comes from go-cleanhttp, so connections pool
correctly and no shared global state leaks between clients.
*/
package client
