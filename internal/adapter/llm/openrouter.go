package llm

import (
	"net/http"
)

// openrouterTransport is a custom http.RoundTripper that injects
// OpenRouter-specific headers (HTTP-Referer and X-Title) into every request.
type openrouterTransport struct {
	base http.RoundTripper
}

func (t *openrouterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid mutating the original.
	clone := req.Clone(req.Context())
	clone.Header.Set("HTTP-Referer", "https://agentrun.local")
	clone.Header.Set("X-Title", "agentrun")
	return t.base.RoundTrip(clone)
}

// withOpenRouterHeaders wraps client's transport for OpenRouter.
func withOpenRouterHeaders(client *http.Client) *http.Client {
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c := *client
	c.Transport = &openrouterTransport{base: base}
	return &c
}
